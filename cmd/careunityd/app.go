package main

import (
	"io"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/careunity/careunity/backend/internal/config"
	"github.com/careunity/careunity/backend/internal/db"
	"github.com/careunity/careunity/backend/internal/logging"
	"github.com/careunity/careunity/backend/internal/sync/queue"
	"github.com/careunity/careunity/backend/internal/sync/replay"
)

// app holds what every command needs: configuration, a logger and the
// migrated database behind the operation queue.
type app struct {
	cfg    *config.Config
	logger *logging.Logger
	db     *db.DB
	repo   *db.Repository
	queue  *queue.Service

	closers []io.Closer
}

// newLogger writes to out and, when log.file is set, to a rotating file.
func newLogger(cfg config.LogConfig, out io.Writer) (*logging.Logger, io.Closer) {
	if cfg.File == "" {
		return logging.New(out, logging.ParseLevel(cfg.Level)), nil
	}
	file := logging.NewFileWriter(cfg.File, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays)
	return logging.New(io.MultiWriter(out, file), logging.ParseLevel(cfg.Level)), file
}

// openApp loads configuration and opens the database. Logs go to logOut.
func openApp(logOut io.Writer) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}
	var logCloser io.Closer
	a.logger, logCloser = newLogger(cfg.Log, logOut)
	if logCloser != nil {
		a.closers = append(a.closers, logCloser)
	}

	a.db, err = db.OpenMigrated(cfg.Data.Dir)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.repo = db.NewRepository(a.db.DB)
	a.closers = append(a.closers, a.repo, a.db)

	a.queue = queue.NewService(a.repo, queue.Config{MaxBatchSize: cfg.Sync.MaxBatchSize, Upstream: cfg.Upstream.URL}, a.logger)
	return a, nil
}

// openCommandApp opens the app for a one-shot command; logs go to stderr.
func openCommandApp(cmd *cobra.Command) (*app, error) {
	return openApp(cmd.ErrOrStderr())
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i].Close()
	}
	a.closers = nil
}

func (a *app) upstreamClient() *http.Client {
	return &http.Client{Timeout: a.cfg.Upstream.Timeout}
}

func (a *app) newReplayer(client *http.Client) (*replay.Replayer, error) {
	return replay.New(a.queue, client, replay.Config{
		BaseURL:        a.cfg.Upstream.URL,
		BatchSize:      a.cfg.Sync.ReplayBatchSize,
		Concurrency:    a.cfg.Sync.ReplayConcurrency,
		MaxRetries:     a.cfg.Sync.MaxRetries,
		BaseBackoff:    a.cfg.Sync.BaseBackoff,
		MaxBackoff:     a.cfg.Sync.MaxBackoff,
		RequestTimeout: a.cfg.Upstream.Timeout,
	}, a.logger)
}
