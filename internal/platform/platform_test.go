package platform

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDetectFromURL(t *testing.T) {
	require.Equal(t, "youtube", DetectFromURL("https://www.youtube.com/watch?v=abc"))
	require.Equal(t, "youtube", DetectFromURL("https://youtu.be/abc"))
	require.Equal(t, "tiktok", DetectFromURL("https://www.tiktok.com/@user/video/1"))
	require.Equal(t, "", DetectFromURL("https://example.com/video"))
}

func TestExtractUsernameInstagramFallback(t *testing.T) {
	name, ok := ExtractUsername("instagram", []Cookie{{Name: "ds_user_id", Value: "12345"}})
	require.True(t, ok)
	require.Equal(t, "12345", name)
}

func TestExtractUsernameTwitterDecodesTwid(t *testing.T) {
	name, ok := ExtractUsername("x", []Cookie{{Name: "twid", Value: "u%3D987"}})
	require.True(t, ok)
	require.Equal(t, "987", name)
}

func TestExtractUsernameYoutubeNever(t *testing.T) {
	_, ok := ExtractUsername("youtube", []Cookie{{Name: "SID", Value: "x"}})
	require.False(t, ok)
}

func TestParseNetscapeJarSkipsCommentsAndBlankLines(t *testing.T) {
	jar := "# Netscape HTTP Cookie File\n\n" +
		".instagram.com\tTRUE\t/\tTRUE\t0\tds_user_id\t12345\n" +
		".instagram.com\tTRUE\t/\tTRUE\t0\tsessionid\tabc\n"

	cookies := ParseNetscapeJar(jar)
	require.Len(t, cookies, 2)
	require.Equal(t, Cookie{Name: "ds_user_id", Value: "12345"}, cookies[0])
}

func TestParseNetscapeJarSkipsMalformedRows(t *testing.T) {
	cookies := ParseNetscapeJar("not\tenough\tfields\n")
	require.Empty(t, cookies)
}
