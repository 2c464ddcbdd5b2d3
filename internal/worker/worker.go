// Package worker implements the subprocess worker (§4.D): executes
// one download attempt end-to-end, streaming and parsing the
// downloader's stdout, throttling progress updates, and guaranteeing
// process-tree termination on cancellation.
package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"tachyon-core/internal/cookies"
	"tachyon-core/internal/events"
	"tachyon-core/internal/filesystem"
	"tachyon-core/internal/integrity"
	"tachyon-core/internal/locator"
	"tachyon-core/internal/metadata"
	"tachyon-core/internal/parser"
	"tachyon-core/internal/platform"
	"tachyon-core/internal/storage"
)

// progressThrottle is the 500ms floor §4.D point 6 requires between
// progress emissions.
const progressThrottle = 500 * time.Millisecond

var (
	ErrCancelled     = errors.New("worker: download cancelled")
	ErrBinaryMissing = errors.New("worker: downloader binary missing")
)

// DownloadError carries the best-known byte counters and filename at
// the point of failure so the scheduler can preserve partial progress.
type DownloadError struct {
	Err             error
	DownloadedBytes int64
	TotalBytes      *int64
	Filename        string
}

func (e *DownloadError) Error() string { return e.Err.Error() }
func (e *DownloadError) Unwrap() error { return e.Err }

// Result is the successful outcome of one download attempt.
type Result struct {
	DownloadedBytes int64
	TotalBytes      *int64
	Filename        string
}

// Deps bundles the worker's collaborators.
type Deps struct {
	DB              *storage.DB
	Locator         *locator.Locator
	Cookies         *cookies.Store
	Bus             *events.Bus
	Logger          *slog.Logger
	DiskGuard       *filesystem.Guard
	VerifyChecksums bool
}

// Run executes one attempt at downloading task.URL, per the §4.D
// algorithm.
func Run(ctx context.Context, task *storage.Task, deps Deps) (Result, error) {
	log := deps.Logger.With("task_id", task.ID, "url", task.URL)

	binaryPath, err := deps.Locator.Resolve(locator.YtDlp)
	if err != nil {
		return Result{}, &DownloadError{Err: fmt.Errorf("%w: %v", ErrBinaryMissing, err)}
	}

	platformID := platform.DetectFromURL(task.URL)

	var cookiePath string
	if platformID != "" && deps.Cookies != nil {
		cookiePath, err = deps.Cookies.CreateTempCookieFile(platformID)
		if err != nil {
			log.Warn("failed to materialize cookies", "platform", platformID, "error", err)
			cookiePath = ""
		}
	}
	defer func() {
		if cookiePath != "" {
			if err := cookies.CleanupTempFile(cookiePath); err != nil {
				log.Warn("failed to clean up temp cookie file", "path", cookiePath, "error", err)
			}
		}
	}()

	if task.PostID == nil {
		if err := ensureMetadata(ctx, task, deps, binaryPath, cookiePath, platformID, log); err != nil {
			return Result{}, &DownloadError{Err: err}
		}
	}

	if err := os.MkdirAll(task.OutputDir, 0o755); err != nil {
		return Result{}, &DownloadError{Err: fmt.Errorf("create output dir: %w", err)}
	}

	if deps.DiskGuard != nil {
		estimated := int64(0)
		if task.TotalBytes != nil {
			estimated = *task.TotalBytes
		}
		if err := deps.DiskGuard.EnsureFreeSpace(task.OutputDir, estimated); err != nil {
			return Result{}, &DownloadError{Err: err}
		}
	}

	args := buildDownloadArgs(task, cookiePath)
	cmd := exec.Command(binaryPath, args...)
	cmd.SysProcAttr = sysProcAttrForProcessGroup()

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, &DownloadError{Err: fmt.Errorf("attach stdout pipe: %w", err)}
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, &DownloadError{Err: fmt.Errorf("attach stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		return Result{}, &DownloadError{Err: fmt.Errorf("start downloader: %w", err)}
	}

	stderrTail := drainStderrTail(stderrPipe, 5)

	lineCh := make(chan string)
	go func() {
		defer close(lineCh)
		scanner := bufio.NewScanner(stdoutPipe)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			lineCh <- scanner.Text()
		}
	}()

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	limiter := rate.NewLimiter(rate.Every(progressThrottle), 1)

	var (
		downloadedBytes int64
		totalBytes      *int64
		filename        string
		mergedFilename  string
	)

	for {
		// Explicit cancellation probe before each iteration (§4.D
		// point 7, §5): never let a steady stream of stdout lines
		// starve the cancel branch.
		select {
		case <-ctx.Done():
			return Result{}, handleCancellation(cmd, waitCh, downloadedBytes, totalBytes, adoptedFilename(filename, mergedFilename))
		default:
		}

		select {
		case <-ctx.Done():
			return Result{}, handleCancellation(cmd, waitCh, downloadedBytes, totalBytes, adoptedFilename(filename, mergedFilename))
		case line, ok := <-lineCh:
			if !ok {
				// stdout closed; fall through to await exit status.
				waitErr := <-waitCh
				return finishAttempt(task, deps, waitErr, downloadedBytes, totalBytes, filename, mergedFilename, stderrTail(), log)
			}
			ev := parser.Parse(line)
			switch ev.Kind {
			case parser.Progress:
				if ev.DownloadedBytes != nil {
					downloadedBytes = *ev.DownloadedBytes
				}
				if ev.TotalBytes != nil {
					totalBytes = ev.TotalBytes
				}
				if limiter.Allow() || ev.Percent >= 100.0 {
					emitProgress(task.ID, ev, downloadedBytes, totalBytes, deps)
					_ = deps.DB.UpdateProgress(task.ID, ev.Percent, ev.Speed, ev.ETA, ev.DownloadedBytes, ev.TotalBytes)
				}
			case parser.Filename:
				filename = ev.Path
				_ = deps.DB.SetLastKnownPath(task.ID, filename)
			case parser.MergedFilename:
				mergedFilename = ev.Path
				_ = deps.DB.SetLastKnownPath(task.ID, mergedFilename)
			}
		}
	}
}

func adoptedFilename(destination, merged string) string {
	if merged != "" {
		return merged
	}
	return destination
}

// handleCancellation implements the process-tree termination contract:
// kill every descendant of the spawned PID, reap the child, and
// return Cancelled with the best-known counters.
func handleCancellation(cmd *exec.Cmd, waitCh <-chan error, downloaded int64, total *int64, filename string) error {
	if cmd.Process != nil {
		_ = killProcessTree(cmd.Process.Pid)
	}
	select {
	case <-waitCh:
	case <-time.After(5 * time.Second):
	}
	return &DownloadError{
		Err:             ErrCancelled,
		DownloadedBytes: downloaded,
		TotalBytes:      total,
		Filename:        filename,
	}
}

func finishAttempt(task *storage.Task, deps Deps, waitErr error, downloaded int64, total *int64, destination, merged string, stderrLines []string, log *slog.Logger) (Result, error) {
	filename := adoptedFilename(destination, merged)

	if waitErr != nil {
		msg := buildFailureMessage(stderrLines)
		return Result{}, &DownloadError{
			Err:             fmt.Errorf("downloader exited with error: %s", msg),
			DownloadedBytes: downloaded,
			TotalBytes:      total,
			Filename:        filename,
		}
	}

	// Adopt the on-disk file size (§4.D point 8): the stream-reported
	// size is only the last stream's size for multi-stream downloads.
	if filename != "" {
		outputPath := filepath.Join(task.OutputDir, filename)
		if info, err := os.Stat(outputPath); err == nil {
			size := info.Size()
			total = &size
			downloaded = size

			if deps.VerifyChecksums && task.PostID != nil {
				if err := integrity.RecordMediaChecksum(deps.DB, *task.PostID, outputPath, size, 0); err != nil {
					log.Warn("checksum verification failed", "path", outputPath, "error", err)
				}
			}
		} else {
			log.Warn("could not stat adopted output file", "filename", filename, "error", err)
		}
	}

	return Result{DownloadedBytes: downloaded, TotalBytes: total, Filename: filename}, nil
}

func buildFailureMessage(stderrLines []string) string {
	if len(stderrLines) == 0 {
		return "unknown error"
	}
	msg := ""
	for i, line := range stderrLines {
		if i > 0 {
			msg += "\n"
		}
		msg += line
	}
	return msg
}

// drainStderrTail launches a goroutine that reads r to EOF, retaining
// only the last n non-empty lines, and returns an accessor for the
// current tail (§4.D point 5).
func drainStderrTail(r io.Reader, n int) func() []string {
	lines := make([]string, 0, n)
	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			lines = append(lines, line)
			if len(lines) > n {
				lines = lines[len(lines)-n:]
			}
		}
	}()
	return func() []string {
		select {
		case <-done:
		case <-time.After(200 * time.Millisecond):
		}
		return lines
	}
}

func buildDownloadArgs(task *storage.Task, cookiePath string) []string {
	args := []string{
		"--newline",
		"--no-playlist",
		"-c",
		"-P", task.OutputDir,
		"--output", "%(title)s.%(ext)s",
	}
	if task.FormatSelection != nil && *task.FormatSelection != "" {
		args = append(args, "-f", *task.FormatSelection)
	}
	if cookiePath != "" {
		args = append(args, "--cookies", cookiePath)
	}
	args = append(args, task.URL)
	return args
}

func ensureMetadata(ctx context.Context, task *storage.Task, deps Deps, binaryPath, cookiePath, platformID string, log *slog.Logger) error {
	var jsRuntimePath string
	if deno, err := deps.Locator.Resolve(locator.Deno); err == nil {
		jsRuntimePath = deno
	}

	obj, err := metadata.Fetch(ctx, binaryPath, task.URL, metadata.FetchOptions{
		CookiePath:    cookiePath,
		JSRuntimePath: jsRuntimePath,
	})
	if err != nil {
		return fmt.Errorf("fetch metadata: %w", err)
	}

	id, err := metadata.Save(deps.DB, platformID, obj)
	if err != nil {
		return fmt.Errorf("save metadata: %w", err)
	}

	if err := deps.DB.SetPostID(task.ID, id); err != nil {
		log.Warn("failed to link post id to task", "post_id", id, "error", err)
	}
	task.PostID = &id
	return nil
}

func emitProgress(taskID string, ev parser.Event, downloaded int64, total *int64, deps Deps) {
	if deps.Bus == nil {
		return
	}
	deps.Bus.Publish(events.Event{
		Name: events.DownloadProgress,
		Payload: events.ProgressPayload{
			TaskID:          taskID,
			Progress:        ev.Percent,
			Speed:           ev.Speed,
			ETA:             ev.ETA,
			DownloadedBytes: downloaded,
			TotalBytes:      total,
		},
	})
}
