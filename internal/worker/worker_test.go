package worker

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tachyon-core/internal/events"
	"tachyon-core/internal/locator"
	"tachyon-core/internal/storage"
)

func TestBuildDownloadArgsIncludesFormatAndCookies(t *testing.T) {
	format := "bestvideo+bestaudio"
	task := &storage.Task{URL: "https://example.com/v", OutputDir: "/tmp/out", FormatSelection: &format}
	args := buildDownloadArgs(task, "/tmp/cookies.txt")

	require.Contains(t, args, "-f")
	require.Contains(t, args, format)
	require.Contains(t, args, "--cookies")
	require.Contains(t, args, "/tmp/cookies.txt")
	require.Equal(t, "https://example.com/v", args[len(args)-1])
}

func TestBuildDownloadArgsOmitsCookiesWhenAbsent(t *testing.T) {
	task := &storage.Task{URL: "https://example.com/v", OutputDir: "/tmp/out"}
	args := buildDownloadArgs(task, "")
	require.NotContains(t, args, "--cookies")
}

func TestAdoptedFilenamePrefersMerged(t *testing.T) {
	require.Equal(t, "merged.mp4", adoptedFilename("dest.webm", "merged.mp4"))
	require.Equal(t, "dest.webm", adoptedFilename("dest.webm", ""))
}

func TestBuildFailureMessageJoinsLines(t *testing.T) {
	msg := buildFailureMessage([]string{"ERROR: a", "ERROR: b"})
	require.Equal(t, "ERROR: a\nERROR: b", msg)
	require.Equal(t, "unknown error", buildFailureMessage(nil))
}

// TestRunEndToEndWithFakeBinary exercises the full Run loop against a
// shell script standing in for yt-dlp: it emits a Destination line, two
// progress lines, and a completion line, then exits 0. This is the same
// "swap the external process for a script" technique the scanner tests
// use for their exec.Command seam, adapted since Run resolves its own
// binary via Locator rather than taking an injectable command factory.
func TestRunEndToEndWithFakeBinary(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake binary is a POSIX shell script")
	}

	dataDir := t.TempDir()
	outputDir := t.TempDir()

	script := `#!/bin/sh
echo "[download] Destination: movie.mp4"
echo "[download]  10.0% of 10.00MiB at 1.00MiB/s ETA 00:09"
echo "[download]  50.0% of 10.00MiB at 1.00MiB/s ETA 00:05"
echo "[download] 100% of 10.00MiB in 00:10"
mkdir -p "` + outputDir + `"
head -c 1024 /dev/zero > "` + outputDir + `/movie.mp4"
exit 0
`
	scriptPath := filepath.Join(dataDir, "yt-dlp")
	require.NoError(t, os.WriteFile(scriptPath, []byte(script), 0o755))

	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	task := &storage.Task{ID: "t1", URL: "https://example.com/no-known-platform", OutputDir: outputDir}
	require.NoError(t, db.CreateTask(task))

	deps := Deps{
		DB:      db,
		Locator: locator.New(dataDir),
		Cookies: nil,
		Bus:     events.NewBus(),
		Logger:  slog.New(slog.NewTextHandler(os.Stderr, nil)),
	}

	result, err := Run(context.Background(), task, deps)
	require.NoError(t, err)
	require.Equal(t, "movie.mp4", result.Filename)
	require.EqualValues(t, 1024, result.DownloadedBytes)
}

func TestRunCancellationReturnsErrCancelled(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake binary is a POSIX shell script")
	}

	dataDir := t.TempDir()
	outputDir := t.TempDir()

	script := `#!/bin/sh
echo "[download] Destination: movie.mp4"
while true; do
  echo "[download]  10.0% of 10.00MiB at 1.00MiB/s ETA 00:09"
  sleep 0.05
done
`
	scriptPath := filepath.Join(dataDir, "yt-dlp")
	require.NoError(t, os.WriteFile(scriptPath, []byte(script), 0o755))

	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	postID := "p1"
	task := &storage.Task{ID: "t1", URL: "https://example.com/x", PostID: &postID, OutputDir: outputDir}
	require.NoError(t, db.CreateTask(task))

	deps := Deps{
		DB:      db,
		Locator: locator.New(dataDir),
		Bus:     events.NewBus(),
		Logger:  slog.New(slog.NewTextHandler(os.Stderr, nil)),
	}

	ctx, cancel := context.WithCancel(context.Background())
	resultCh := make(chan error, 1)
	go func() {
		_, runErr := Run(ctx, task, deps)
		resultCh <- runErr
	}()

	time.Sleep(150 * time.Millisecond)
	cancel()

	select {
	case err := <-resultCh:
		require.ErrorIs(t, err, ErrCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestRunReturnsFriendlyErrorOnNonZeroExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake binary is a POSIX shell script")
	}

	dataDir := t.TempDir()
	outputDir := t.TempDir()

	script := `#!/bin/sh
echo "ERROR: Unsupported URL" >&2
exit 1
`
	scriptPath := filepath.Join(dataDir, "yt-dlp")
	require.NoError(t, os.WriteFile(scriptPath, []byte(script), 0o755))

	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	task := &storage.Task{ID: "t1", URL: "https://example.com/bad", OutputDir: outputDir}
	require.NoError(t, db.CreateTask(task))

	deps := Deps{
		DB:      db,
		Locator: locator.New(dataDir),
		Bus:     events.NewBus(),
		Logger:  slog.New(slog.NewTextHandler(os.Stderr, nil)),
	}

	_, err = Run(context.Background(), task, deps)
	require.Error(t, err)
	require.Contains(t, err.Error(), "Unsupported URL")
}
