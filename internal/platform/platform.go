// Package platform holds the small, static table of supported remote
// platforms used to detect which site a URL belongs to and, from
// there, which cookie fields carry a display name. It never scrapes
// rendered HTML — username extraction is pure cookie-field lookup, per
// the Non-goals in the core's purpose statement.
package platform

import (
	"net/url"
	"strings"
)

// Platform is a reference row; it never changes at runtime, so it is
// held as a static table rather than a database table.
type Platform struct {
	ID          string
	DisplayName string
	HostSuffixes []string
}

var table = []Platform{
	{ID: "youtube", DisplayName: "YouTube", HostSuffixes: []string{"youtube.com", "youtu.be"}},
	{ID: "instagram", DisplayName: "Instagram", HostSuffixes: []string{"instagram.com"}},
	{ID: "tiktok", DisplayName: "TikTok", HostSuffixes: []string{"tiktok.com"}},
	{ID: "x", DisplayName: "X", HostSuffixes: []string{"x.com", "twitter.com"}},
}

// DetectFromURL returns the platform ID matching u's host, or "" if
// none of the known platforms recognize it.
func DetectFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	for _, p := range table {
		for _, suffix := range p.HostSuffixes {
			if host == suffix || strings.HasSuffix(host, "."+suffix) {
				return p.ID
			}
		}
	}
	return ""
}

// Cookie is the minimal shape needed for field lookups; callers derive
// it from the Netscape cookie-jar format.
type Cookie struct {
	Name  string
	Value string
}

// ParseNetscapeJar extracts name/value pairs out of a Netscape
// cookie-jar file's text, ignoring comment and blank lines. It is
// deliberately tolerant of malformed rows (skips them) since the jar
// text here round-trips through encrypted storage, not a browser
// export a user might hand-edit.
func ParseNetscapeJar(text string) []Cookie {
	var cookies []Cookie
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 7 {
			continue
		}
		cookies = append(cookies, Cookie{Name: fields[5], Value: fields[6]})
	}
	return cookies
}

func findCookie(cookies []Cookie, name string) (string, bool) {
	for _, c := range cookies {
		if c.Name == name {
			return c.Value, true
		}
	}
	return "", false
}

// ExtractUsername implements the per-platform rules documented in the
// source this spec was distilled from: a pure cookie-field lookup,
// never HTML scraping.
func ExtractUsername(platformID string, cookies []Cookie) (string, bool) {
	switch platformID {
	case "instagram":
		if v, ok := findCookie(cookies, "ds_user"); ok {
			return v, true
		}
		return findCookie(cookies, "ds_user_id")
	case "tiktok":
		if v, ok := findCookie(cookies, "unique_id"); ok {
			return v, true
		}
		if v, ok := findCookie(cookies, "user_id"); ok {
			return v, true
		}
		return findCookie(cookies, "uid_tt")
	case "x":
		twid, ok := findCookie(cookies, "twid")
		if !ok {
			return "", false
		}
		decoded := strings.ReplaceAll(twid, "%3D", "=")
		if id, found := strings.CutPrefix(decoded, "u="); found {
			return id, true
		}
		return decoded, true
	default:
		return "", false
	}
}
