// Package sweep implements the stale temp-file sweep: a second line of
// defense behind the worker's own deferred cookie-file cleanup, for the
// case where cleanup never runs at all (a SIGKILL from outside, a power
// loss mid-attempt). Modeled on the teacher's internal/core/scheduler.go
// cron wiring, repurposed from a download start/stop schedule to a
// single recurring hygiene job.
package sweep

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// maxAge is how old a leftover temp cookie file must be before the
// sweep considers it abandoned rather than in-flight.
const maxAge = 1 * time.Hour

// Sweeper periodically deletes stale files out of a temp directory.
type Sweeper struct {
	logger *slog.Logger
	cron   *cron.Cron
	dir    string
	mu     sync.Mutex
	entry  cron.EntryID
}

// New builds a Sweeper targeting dir. It does not start the cron loop;
// call Start for that.
func New(logger *slog.Logger, dir string) *Sweeper {
	return &Sweeper{
		logger: logger,
		cron:   cron.New(),
		dir:    dir,
	}
}

// Start schedules the hourly sweep and begins the cron loop.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.cron.AddFunc("@hourly", s.runOnce)
	if err != nil {
		s.logger.Error("sweep: failed to schedule job", "error", err)
		return
	}
	s.entry = id
	s.cron.Start()
}

// Stop halts the cron loop, waiting for any in-flight run to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// RunNow performs one sweep pass immediately, outside the cron
// schedule. Exposed for tests; no control-API route calls it.
func (s *Sweeper) RunNow() {
	s.runOnce()
}

func (s *Sweeper) runOnce() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("sweep: failed to list temp dir", "dir", s.dir, "error", err)
		}
		return
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		if err := os.Remove(path); err != nil {
			s.logger.Warn("sweep: failed to remove stale file", "path", path, "error", err)
			continue
		}
		removed++
	}

	if removed > 0 {
		s.logger.Info("sweep: removed stale temp files", "dir", s.dir, "count", removed)
	}
}
