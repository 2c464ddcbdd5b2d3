package queue

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tachyon-core/internal/config"
	"tachyon-core/internal/events"
	"tachyon-core/internal/storage"
)

func newTestScheduler(t *testing.T, run RunFunc) (*Scheduler, *storage.DB) {
	t.Helper()
	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg := config.New(db)
	require.NoError(t, cfg.SetMaxConcurrentDownloads(1))

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	s := New(db, cfg, events.NewBus(), logger, run)
	return s, db
}

func TestPriorityPreemptsQueueOrder(t *testing.T) {
	var mu sync.Mutex
	var startOrder []string

	run := func(ctx context.Context, task *storage.Task) (Result, error) {
		mu.Lock()
		startOrder = append(startOrder, task.ID)
		mu.Unlock()
		time.Sleep(100 * time.Millisecond)
		return Result{}, nil
	}

	s, db := newTestScheduler(t, run)
	require.NoError(t, db.CreateTask(&storage.Task{ID: "T1", URL: "https://a/1", Priority: 1, Status: storage.StatusQueued, OutputDir: t.TempDir()}))
	time.Sleep(5 * time.Millisecond) // ensure T1.created_at < T2.created_at
	require.NoError(t, db.CreateTask(&storage.Task{ID: "T2", URL: "https://a/2", Priority: 10, Status: storage.StatusQueued, OutputDir: t.TempDir()}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go s.Run(ctx)
	t.Cleanup(s.Shutdown)

	require.Eventually(t, func() bool {
		t2, err := db.GetTask("T2")
		return err == nil && t2.Status == storage.StatusCompleted
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, startOrder)
	require.Equal(t, "T2", startOrder[0])
}

func TestRetryWithBackoffReachesCompletedAfterTwoFailures(t *testing.T) {
	originalBackoff := backoffBase
	backoffBase = 20 * time.Millisecond
	t.Cleanup(func() { backoffBase = originalBackoff })

	var mu sync.Mutex
	var attempts int
	var intervals []time.Duration
	lastAttempt := time.Now()

	run := func(ctx context.Context, task *storage.Task) (Result, error) {
		mu.Lock()
		attempts++
		n := attempts
		now := time.Now()
		intervals = append(intervals, now.Sub(lastAttempt))
		lastAttempt = now
		mu.Unlock()

		if n < 3 {
			return Result{}, errors.New("transient failure")
		}
		return Result{DownloadedBytes: 100}, nil
	}

	s, db := newTestScheduler(t, run)
	require.NoError(t, db.CreateTask(&storage.Task{ID: "T", URL: "https://a/1", MaxRetries: 3, Status: storage.StatusQueued, OutputDir: t.TempDir()}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go s.Run(ctx)
	t.Cleanup(s.Shutdown)

	require.Eventually(t, func() bool {
		task, err := db.GetTask("T")
		return err == nil && task.Status == storage.StatusCompleted
	}, time.Second, 10*time.Millisecond)

	task, err := db.GetTask("T")
	require.NoError(t, err)
	require.Equal(t, 2, task.Retries)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, intervals, 3)
	require.GreaterOrEqual(t, intervals[1], backoffBase*2-5*time.Millisecond)
	require.GreaterOrEqual(t, intervals[2], backoffBase*4-5*time.Millisecond)
}

func TestPauseVsCancelDisambiguation(t *testing.T) {
	outputDir := t.TempDir()
	partFile := filepath.Join(outputDir, "movie.mp4.part")
	require.NoError(t, os.WriteFile(partFile, []byte("partial"), 0o644))

	started := make(chan struct{})
	run := func(ctx context.Context, task *storage.Task) (Result, error) {
		close(started)
		<-ctx.Done()
		return Result{}, Cancelled
	}

	s, db := newTestScheduler(t, run)
	require.NoError(t, db.CreateTask(&storage.Task{ID: "T", URL: "https://a/1", Status: storage.StatusQueued, OutputDir: outputDir}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go s.Run(ctx)
	t.Cleanup(s.Shutdown)

	<-started
	paused, err := db.MarkPaused("T")
	require.NoError(t, err)
	require.True(t, paused)
	require.True(t, s.CancelTask("T"))

	require.Eventually(t, func() bool {
		task, err := db.GetTask("T")
		return err == nil && task.Status == storage.StatusPaused
	}, time.Second, 10*time.Millisecond)

	_, statErr := os.Stat(partFile)
	require.NoError(t, statErr, ".part file must survive a pause")
}

func TestCancelWithoutPriorPauseDeletesPartialFiles(t *testing.T) {
	outputDir := t.TempDir()
	partFile := filepath.Join(outputDir, "movie.mp4.part")
	require.NoError(t, os.WriteFile(partFile, []byte("partial"), 0o644))

	started := make(chan struct{})
	run := func(ctx context.Context, task *storage.Task) (Result, error) {
		close(started)
		<-ctx.Done()
		return Result{}, Cancelled
	}

	s, db := newTestScheduler(t, run)
	require.NoError(t, db.CreateTask(&storage.Task{ID: "T", URL: "https://a/1", Status: storage.StatusQueued, OutputDir: outputDir}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go s.Run(ctx)
	t.Cleanup(s.Shutdown)

	<-started
	require.True(t, s.CancelTask("T"))

	require.Eventually(t, func() bool {
		task, err := db.GetTask("T")
		return err == nil && task.Status == storage.StatusCancelled
	}, time.Second, 10*time.Millisecond)

	_, statErr := os.Stat(partFile)
	require.True(t, os.IsNotExist(statErr), ".part file must be removed on cancel")
}

func TestCrashRecoveryResetsStaleProcessingOnStartup(t *testing.T) {
	run := func(ctx context.Context, task *storage.Task) (Result, error) {
		<-ctx.Done()
		return Result{}, Cancelled
	}
	s, db := newTestScheduler(t, run)
	require.NoError(t, db.CreateTask(&storage.Task{ID: "A", URL: "https://a/1", Status: storage.StatusProcessing, OutputDir: t.TempDir()}))
	require.NoError(t, db.CreateTask(&storage.Task{ID: "B", URL: "https://a/2", Status: storage.StatusCompleted, OutputDir: t.TempDir()}))

	s.PauseQueue() // keep the recovered row from immediately being re-claimed

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	go s.Run(ctx)
	t.Cleanup(s.Shutdown)

	require.Eventually(t, func() bool {
		a, err := db.GetTask("A")
		return err == nil && a.Status == storage.StatusQueued
	}, time.Second, 10*time.Millisecond)

	b, err := db.GetTask("B")
	require.NoError(t, err)
	require.Equal(t, storage.StatusCompleted, b.Status)
}
