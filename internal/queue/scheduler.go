// Package queue implements the Queue Scheduler (§4.E): durable,
// bounded, priority-ordered execution of download tasks, with
// pause/resume/cancel semantics, exponential-backoff retry, and crash
// recovery.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"tachyon-core/internal/config"
	"tachyon-core/internal/events"
	"tachyon-core/internal/storage"
)

// RunFunc executes one attempt at a task and returns its outcome. The
// production value wraps worker.Run; tests inject stubs per §8's
// end-to-end scenarios.
type RunFunc func(ctx context.Context, task *storage.Task) (Result, error)

// Result mirrors worker.Result without importing the worker package,
// keeping the scheduler's dependency on the subprocess layer at the
// single RunFunc seam.
type Result struct {
	DownloadedBytes int64
	TotalBytes      *int64
	Filename        string
}

// Cancelled, if wrapped by an error returned from RunFunc, signals the
// worker exited because its context was cancelled rather than failing.
var Cancelled = errors.New("queue: task cancelled")

// backoffBase is a var, not a const, so tests can shrink it rather than
// sleeping through the real 10s/20s/40s... progression (backoffBase ·
// 2^retries, so the first retry already waits 2 · backoffBase).
var backoffBase = 5 * time.Second

type inFlight struct {
	cancel context.CancelFunc
	host   string
}

// Scheduler is the single-threaded cooperative loop described in §4.E;
// worker bodies it spawns run concurrently up to the semaphore's
// capacity.
type Scheduler struct {
	db     *storage.DB
	cfg    *config.Manager
	bus    *events.Bus
	logger *slog.Logger
	run    RunFunc

	parentCtx    context.Context
	parentCancel context.CancelFunc

	sem *semaphore.Weighted

	wake chan struct{}

	mu        sync.Mutex
	inFlights map[string]inFlight
	hostCount map[string]int

	paused atomic32
}

// atomic32 is a tiny bool guarded by its own mutex, separate from the
// scheduler's mu, so reading or flipping the pause flag never contends
// with the in-flight map.
type atomic32 struct {
	mu sync.Mutex
	v  bool
}

func (a *atomic32) Get() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.v
}

func (a *atomic32) Set(v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.v = v
}

// New constructs a Scheduler. run is the worker entry point; production
// callers pass a closure over worker.Run and its Deps.
func New(db *storage.DB, cfg *config.Manager, bus *events.Bus, logger *slog.Logger, run RunFunc) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		db:           db,
		cfg:          cfg,
		bus:          bus,
		logger:       logger,
		run:          run,
		parentCtx:    ctx,
		parentCancel: cancel,
		sem:          semaphore.NewWeighted(int64(maxInt(cfg.GetMaxConcurrentDownloads(), 1))),
		wake:         make(chan struct{}, 1),
		inFlights:    make(map[string]inFlight),
		hostCount:    make(map[string]int),
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// AddTask pokes the wake signal; the caller is responsible for having
// already persisted the QUEUED row.
func (s *Scheduler) AddTask() {
	s.poke()
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// CancelTask fires the registered worker's cancellation handle if one
// is in flight. Returns false if no worker is currently running id (the
// caller is then responsible for updating the persisted row directly).
func (s *Scheduler) CancelTask(id string) bool {
	s.mu.Lock()
	f, ok := s.inFlights[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	f.cancel()
	return true
}

func (s *Scheduler) PauseQueue() {
	s.paused.Set(true)
}

func (s *Scheduler) ResumeQueue() {
	s.paused.Set(false)
	s.poke()
}

func (s *Scheduler) IsPaused() bool { return s.paused.Get() }

// Shutdown fires the parent cancellation handle, which transitively
// cancels every in-flight worker.
func (s *Scheduler) Shutdown() {
	s.parentCancel()
}

// Run executes crash recovery once, then the scheduler loop until its
// context is cancelled or Shutdown is called. It blocks the calling
// goroutine; callers typically invoke it via `go scheduler.Run(ctx)`.
func (s *Scheduler) Run(ctx context.Context) {
	if n, err := s.db.RecoverStaleProcessing(); err != nil {
		s.logger.Error("crash recovery failed", "error", err)
	} else if n > 0 {
		s.logger.Info("recovered stale processing tasks", "count", n)
	}

	done := ctx.Done()
	for {
		select {
		case <-s.parentCtx.Done():
			return
		case <-done:
			s.parentCancel()
			return
		default:
		}

		if s.paused.Get() {
			select {
			case <-s.wake:
			case <-s.parentCtx.Done():
				return
			case <-done:
				s.parentCancel()
				return
			}
			continue
		}

		task, err := s.nextEligibleTask()
		if err != nil {
			s.logger.Error("queue lookup failed", "error", err)
			select {
			case <-time.After(time.Second):
			case <-s.parentCtx.Done():
				return
			}
			continue
		}
		if task == nil {
			select {
			case <-s.wake:
			case <-s.parentCtx.Done():
				return
			case <-done:
				s.parentCancel()
				return
			}
			continue
		}

		if err := s.sem.Acquire(s.parentCtx, 1); err != nil {
			// parent context cancelled while waiting for a slot.
			return
		}

		claimed, err := s.db.ClaimTask(task.ID)
		if err != nil {
			s.logger.Error("claim task failed", "task_id", task.ID, "error", err)
			s.sem.Release(1)
			continue
		}
		if !claimed {
			s.sem.Release(1)
			continue
		}

		token, cancel := context.WithCancel(s.parentCtx)
		host := extractHost(task.URL)
		s.mu.Lock()
		s.inFlights[task.ID] = inFlight{cancel: cancel, host: host}
		s.hostCount[host]++
		s.mu.Unlock()

		go s.runWorker(token, task)
	}
}

// nextEligibleTask applies the priority ordering plus the optional
// host-concurrency secondary limit (supplemented feature): a host
// already at its per-host cap is skipped in favor of the next eligible
// row, never blocking the whole queue on one busy host.
func (s *Scheduler) nextEligibleTask() (*storage.Task, error) {
	maxPerHost := s.cfg.GetMaxPerHostDownloads()
	if maxPerHost <= 0 {
		task, err := s.db.NextQueuedTask()
		if errors.Is(err, storage.ErrNoRows) {
			return nil, nil
		}
		return task, err
	}

	tasks, err := s.db.ListTasks()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tasks {
		if t.Status != storage.StatusQueued {
			continue
		}
		host := extractHost(t.URL)
		if s.hostCount[host] >= maxPerHost {
			continue
		}
		tc := t
		return &tc, nil
	}
	return nil, nil
}

func extractHost(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return strings.ToLower(u.Host)
}

// runWorker is the "spawn a worker body" step of the §4.E pseudocode:
// run the attempt, branch on its outcome, and always release the slot
// and registration afterward.
func (s *Scheduler) runWorker(ctx context.Context, task *storage.Task) {
	var host string
	defer func() {
		s.mu.Lock()
		if host != "" {
			s.hostCount[host]--
			if s.hostCount[host] <= 0 {
				delete(s.hostCount, host)
			}
		}
		delete(s.inFlights, task.ID)
		s.mu.Unlock()
		s.sem.Release(1)
	}()

	s.mu.Lock()
	host = s.inFlights[task.ID].host
	s.mu.Unlock()

	result, err := s.run(ctx, task)
	if err == nil {
		s.onSuccess(task, result)
		return
	}
	if errors.Is(err, Cancelled) || errors.Is(ctx.Err(), context.Canceled) {
		s.onCancelled(task)
		return
	}
	s.onFailed(task, err)
}

func (s *Scheduler) onSuccess(task *storage.Task, r Result) {
	if err := s.db.CompleteTask(task.ID, r.DownloadedBytes, derefInt64(r.TotalBytes)); err != nil {
		s.logger.Error("failed to persist completion", "task_id", task.ID, "error", err)
	}
	s.publish(events.DownloadCompleted, task.ID, nil)
}

// onCancelled implements the pause-vs-cancel disambiguation: the
// worker only knows it was cancelled, so the scheduler reads the
// persisted row back to learn the user's actual intent.
func (s *Scheduler) onCancelled(task *storage.Task) {
	row, err := s.db.GetTask(task.ID)
	if err != nil {
		s.logger.Error("failed to read back task after cancellation", "task_id", task.ID, "error", err)
		return
	}

	switch row.Status {
	case storage.StatusPaused:
		if _, err := s.db.ClearPauseTransientFields(task.ID); err != nil {
			s.logger.Error("failed to clear pause transient fields", "task_id", task.ID, "error", err)
		}
		s.publish(events.DownloadPaused, task.ID, nil)
	case storage.StatusProcessing, storage.StatusCancelled:
		if err := s.db.CancelTask(task.ID); err != nil {
			s.logger.Error("failed to persist cancellation", "task_id", task.ID, "error", err)
		}
		s.cleanupPartialFiles(row)
		s.publish(events.DownloadCancelled, task.ID, nil)
	default:
		// resumed or retried in the meantime; no-op.
	}
}

func (s *Scheduler) onFailed(task *storage.Task, cause error) {
	msg := cause.Error()
	newRetries := task.Retries + 1
	if newRetries < task.MaxRetries {
		if err := s.db.RequeueForRetry(task.ID, newRetries, msg); err != nil {
			s.logger.Error("failed to requeue for retry", "task_id", task.ID, "error", err)
			return
		}
		backoff := backoffBase * time.Duration(1<<uint(newRetries))
		go func() {
			select {
			case <-time.After(backoff):
				s.poke()
			case <-s.parentCtx.Done():
			}
		}()
		return
	}

	if err := s.db.FailTask(task.ID, newRetries, msg); err != nil {
		s.logger.Error("failed to persist terminal failure", "task_id", task.ID, "error", err)
	}
	s.publish(events.DownloadFailed, task.ID, nil)
}

func (s *Scheduler) cleanupPartialFiles(task *storage.Task) {
	entries, err := os.ReadDir(task.OutputDir)
	if err != nil {
		return
	}
	prefix := ""
	if task.LastKnownPath != nil {
		prefix = strings.TrimSuffix(*task.LastKnownPath, filepath.Ext(*task.LastKnownPath))
	}
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, ".part") || (prefix != "" && strings.HasPrefix(name, prefix)) {
			_ = os.Remove(filepath.Join(task.OutputDir, name))
		}
	}
}

func (s *Scheduler) publish(name events.Name, taskID string, payload interface{}) {
	if s.bus == nil {
		return
	}
	if payload == nil {
		payload = taskID
	}
	s.bus.Publish(events.Event{Name: name, Payload: payload})
}

func derefInt64(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}
