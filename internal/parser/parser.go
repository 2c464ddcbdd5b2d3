// Package parser turns a single line of yt-dlp stdout into a typed
// event. It is pure and stateless: the brittle, third-party-owned
// contract is isolated here so it can be unit-tested in isolation
// from the process that produces it.
package parser

import (
	"regexp"
	"strconv"
	"strings"
)

// Kind discriminates the event variants.
type Kind int

const (
	Ignore Kind = iota
	Progress
	Filename
	MergedFilename
)

// Event is the tagged result of parsing one line.
type Event struct {
	Kind Kind

	// Progress fields.
	Percent         float64
	TotalBytes      *int64
	DownloadedBytes *int64
	Speed           *string
	ETA             *string

	// Filename / MergedFilename fields.
	Path string
}

var (
	progressRe = regexp.MustCompile(`^\[download\]\s+(\d+(?:\.\d+)?)%\s+of\s+~?(\S+)\s+at\s+(\S+)\s+ETA\s+(\S+)`)
	completeRe = regexp.MustCompile(`^\[download\]\s+100(?:\.0+)?%\s+of\s+~?(\S+)\s+in\s+(\S+)`)
	destRe     = regexp.MustCompile(`^\[download\]\s+Destination:\s+(.+)$`)
	mergeRe    = regexp.MustCompile(`^\[Merger\]\s+Merging formats into\s+"(.+)"$`)
	sizeRe     = regexp.MustCompile(`^(\d+(?:\.\d+)?)([KMGT]i?B)$`)
)

// binary multiplier table; decimal units (KB, MB, ...) are accepted
// and multiplied identically to the binary ones, preserving the
// original implementation's behavior (see spec §4.A).
var unitMultiplier = map[string]float64{
	"KiB": 1 << 10, "KB": 1 << 10,
	"MiB": 1 << 20, "MB": 1 << 20,
	"GiB": 1 << 30, "GB": 1 << 30,
	"TiB": 1 << 40, "TB": 1 << 40,
}

// Parse classifies a single line of downloader stdout.
func Parse(line string) Event {
	line = strings.TrimRight(line, "\r\n")

	if m := completeRe.FindStringSubmatch(line); m != nil {
		total := parseSize(m[1])
		return Event{
			Kind:            Progress,
			Percent:         100.0,
			TotalBytes:      total,
			DownloadedBytes: total,
		}
	}

	if m := progressRe.FindStringSubmatch(line); m != nil {
		pct, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return Event{Kind: Ignore}
		}
		total := parseSize(m[2])
		var downloaded *int64
		if total != nil {
			d := int64(float64(*total) * pct / 100.0)
			downloaded = &d
		}
		speed := m[3]
		eta := m[4]
		return Event{
			Kind:            Progress,
			Percent:         pct,
			TotalBytes:      total,
			DownloadedBytes: downloaded,
			Speed:           &speed,
			ETA:             &eta,
		}
	}

	if m := mergeRe.FindStringSubmatch(line); m != nil {
		return Event{Kind: MergedFilename, Path: m[1]}
	}

	if m := destRe.FindStringSubmatch(line); m != nil {
		return Event{Kind: Filename, Path: strings.TrimSpace(m[1])}
	}

	return Event{Kind: Ignore}
}

// parseSize parses a human-readable size like "10.00MiB" into bytes,
// or nil if unparseable.
func parseSize(s string) *int64 {
	m := sizeRe.FindStringSubmatch(s)
	if m == nil {
		return nil
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return nil
	}
	mult, ok := unitMultiplier[m[2]]
	if !ok {
		return nil
	}
	bytes := int64(value * mult)
	return &bytes
}
