package parser

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseProgressLine(t *testing.T) {
	ev := Parse("[download]  45.0% of 10.00MiB at  2.00MiB/s ETA 00:05")
	require.Equal(t, Progress, ev.Kind)
	require.Equal(t, 45.0, ev.Percent)
	require.NotNil(t, ev.TotalBytes)
	require.Equal(t, int64(10485760), *ev.TotalBytes)
	require.NotNil(t, ev.DownloadedBytes)
	require.Equal(t, int64(4718592), *ev.DownloadedBytes)
	require.Equal(t, "2.00MiB/s", *ev.Speed)
	require.Equal(t, "00:05", *ev.ETA)
}

func TestParseCompletionLine(t *testing.T) {
	ev := Parse("[download] 100% of 10.00MiB in 00:03")
	require.Equal(t, Progress, ev.Kind)
	require.Equal(t, 100.0, ev.Percent)
	require.Equal(t, int64(10485760), *ev.TotalBytes)
	require.Equal(t, int64(10485760), *ev.DownloadedBytes)
	require.Nil(t, ev.Speed)
	require.Nil(t, ev.ETA)
}

func TestParseDestinationLine(t *testing.T) {
	ev := Parse(`[download] Destination: Some Video.mp4`)
	require.Equal(t, Filename, ev.Kind)
	require.Equal(t, "Some Video.mp4", ev.Path)
}

func TestParseMergerLine(t *testing.T) {
	ev := Parse(`[Merger] Merging formats into "Out.mkv"`)
	require.Equal(t, MergedFilename, ev.Kind)
	require.Equal(t, "Out.mkv", ev.Path)
}

func TestParseEstimatedSizeTildeIgnored(t *testing.T) {
	ev := Parse("[download]  10.0% of ~20.00MiB at  1.00MiB/s ETA 00:30")
	require.Equal(t, Progress, ev.Kind)
	require.NotNil(t, ev.TotalBytes)
	require.Equal(t, int64(20971520), *ev.TotalBytes)
}

func TestParseUnrecognizedLineIsIgnored(t *testing.T) {
	ev := Parse("some unrelated log line")
	require.Equal(t, Ignore, ev.Kind)
}

func TestParseUnparseableSizeYieldsNilBytesNotError(t *testing.T) {
	ev := Parse("[download]  10.0% of Unknown at  1.00MiB/s ETA 00:30")
	require.Equal(t, Progress, ev.Kind)
	require.Nil(t, ev.TotalBytes)
	require.Nil(t, ev.DownloadedBytes)
}
