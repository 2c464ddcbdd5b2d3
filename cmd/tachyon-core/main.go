// Command tachyon-core is the download orchestration daemon: it owns
// no UI of its own, only the persistence, queue, and subprocess-worker
// machinery, reachable over the loopback control API in internal/api.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"tachyon-core/internal/api"
	"tachyon-core/internal/config"
	"tachyon-core/internal/cookies"
	"tachyon-core/internal/events"
	"tachyon-core/internal/filesystem"
	"tachyon-core/internal/locator"
	"tachyon-core/internal/logger"
	"tachyon-core/internal/queue"
	"tachyon-core/internal/security"
	"tachyon-core/internal/storage"
	"tachyon-core/internal/sweep"
	"tachyon-core/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "tachyon-core:", err)
		os.Exit(1)
	}
}

func run() error {
	dataDir, err := resolveDataDir()
	if err != nil {
		return fmt.Errorf("resolve data dir: %w", err)
	}

	bus := events.NewBus()

	log, err := logger.New(os.Stdout, bus, dataDir)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	db, err := storage.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()

	cfg := config.New(db)

	cookieStore, err := cookies.New(db, dataDir, filepath.Join(dataDir, "tmp", "cookies"))
	if err != nil {
		return fmt.Errorf("init cookie store: %w", err)
	}

	bin := locator.New(filepath.Join(dataDir, "bin"))
	diskGuard := filesystem.NewGuard()

	audit := security.NewAuditLogger(log, dataDir)
	defer audit.Close()

	runFunc := func(ctx context.Context, task *storage.Task) (queue.Result, error) {
		res, err := worker.Run(ctx, task, worker.Deps{
			DB:              db,
			Locator:         bin,
			Cookies:         cookieStore,
			Bus:             bus,
			Logger:          log,
			DiskGuard:       diskGuard,
			VerifyChecksums: cfg.GetVerifyChecksums(),
		})
		if err != nil {
			var de *worker.DownloadError
			if errors.As(err, &de) && errors.Is(de.Err, worker.ErrCancelled) {
				return queue.Result{}, queue.Cancelled
			}
			return queue.Result{}, err
		}
		return queue.Result{
			DownloadedBytes: res.DownloadedBytes,
			TotalBytes:      res.TotalBytes,
			Filename:        res.Filename,
		}, nil
	}

	scheduler := queue.New(db, cfg, bus, log, runFunc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go scheduler.Run(ctx)

	cookieSweeper := sweep.New(log, cookieStore.TempDir())
	cookieSweeper.Start()
	defer cookieSweeper.Stop()

	server := api.NewServer(db, scheduler, cookieStore, cfg, audit, bus, log)
	server.Start()

	log.Info("tachyon-core started", "data_dir", dataDir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, stopping scheduler")
	cancel()
	scheduler.Shutdown()

	return nil
}

func resolveDataDir() (string, error) {
	if v := os.Getenv("TACHYON_DATA_DIR"); v != "" {
		return v, nil
	}
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(cfgDir, "Tachyon")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}
