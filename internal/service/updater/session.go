package updater

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/oshokin/app-updater/internal/apply"
	"github.com/oshokin/app-updater/internal/config"
	"github.com/oshokin/app-updater/internal/domain/release"
	"github.com/oshokin/app-updater/internal/fetch"
	"github.com/oshokin/app-updater/internal/index"
	"github.com/oshokin/app-updater/internal/lock"
	"github.com/oshokin/app-updater/internal/logger"
	"github.com/oshokin/app-updater/internal/progress"
	"github.com/oshokin/app-updater/internal/repository/state"
	"github.com/oshokin/app-updater/internal/service/common"
	"github.com/oshokin/app-updater/internal/telemetry"
	"github.com/oshokin/app-updater/internal/unlock"
)

const (
	// sessionLockFilename is the session lock inside the installation work directory.
	sessionLockFilename = "session.lock"
	// stagingDirname holds staging areas inside the installation work directory.
	stagingDirname = "staging"
	// backupDirname is the backup area inside the installation work directory.
	backupDirname = "backup"
	// fileStateFilename is the default file store inside the installation work directory.
	fileStateFilename = "state.json"
	// sqliteStateFilename is the default SQLite store inside the installation work directory.
	sqliteStateFilename = "state.db"

	// installIDLength is the number of hex digits naming an installation work directory.
	installIDLength = 16
	// telemetryFlushTimeout bounds the delivery of queued telemetry on exit.
	telemetryFlushTimeout = 5 * time.Second
)

// session is the wired set of adapters for one command.
type session struct {
	// cfg is the loaded configuration.
	cfg *config.Config
	// root is the absolute installation directory.
	root string
	// dir is the installation work directory.
	dir string
	// engine runs the update logic.
	engine *Engine
	// closers release resources in reverse order.
	closers []func(ctx context.Context) error
}

// InstallID names the work directory of the installation at root.
func InstallID(root string) string {
	return release.SumBytes([]byte(filepath.Clean(root))).String()[:installIDLength]
}

// openSession loads settings and wires every adapter. An exclusive session takes
// the installation lock first and clears staging areas left by a crashed run.
func openSession(ctx context.Context, opts *Options, exclusive bool) (*session, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	if opts.Branch != "" {
		if err = index.ValidateBranch(opts.Branch); err != nil {
			return nil, err
		}

		cfg.Branch = opts.Branch
	}

	s := &session{cfg: cfg}

	if err = s.setupLogger(ctx); err != nil {
		return nil, err
	}

	if err = s.wire(ctx, exclusive); err != nil {
		s.close(ctx)
		return nil, err
	}

	return s, nil
}

func (s *session) wire(ctx context.Context, exclusive bool) error {
	cfg := s.cfg

	root, err := filepath.Abs(cfg.InstallDir)
	if err != nil {
		return fmt.Errorf("resolve install directory: %w", err)
	}

	s.root = root
	s.dir = filepath.Join(cfg.WorkDir, InstallID(root))

	if exclusive {
		held, lockErr := lock.Acquire(filepath.Join(s.dir, sessionLockFilename))
		if lockErr != nil {
			return lockErr
		}

		s.onClose(func(context.Context) error { return held.Release() })

		if err = os.RemoveAll(filepath.Join(s.dir, stagingDirname)); err != nil {
			return fmt.Errorf("clear staging areas: %w", err)
		}
	}

	store, err := s.openStore(ctx)
	if err != nil {
		return err
	}

	actor, err := common.DetectActor()
	if err != nil {
		logger.WarnKV(ctx, "Failed to detect actor", "error", err)
	}

	policy := common.RetryPolicy{
		Attempts:       cfg.Retry.Attempts,
		InitialBackoff: cfg.Retry.InitialBackoff,
		MaxBackoff:     cfg.Retry.MaxBackoff,
		AttemptTimeout: cfg.Timeout,
	}

	httpClient := common.NewHTTPClient()

	source := index.NewClient(cfg.ManifestURL, cfg.Branch,
		index.WithHTTPClient(httpClient),
		index.WithRetryPolicy(policy))

	fetcher := fetch.NewFetcher(filepath.Join(s.dir, stagingDirname),
		fetch.WithHTTPClient(httpClient),
		fetch.WithRetryPolicy(policy),
		fetch.WithParallelism(cfg.Parallelism))

	var unlocker unlock.Unlocker = unlock.Deny{}
	if cfg.Unlock.Enabled {
		unlocker = unlock.NewProcessUnlocker(unlock.WithWait(cfg.Unlock.Wait))
	}

	applier := apply.New(root, filepath.Join(s.dir, backupDirname), apply.WithUnlocker(unlocker))

	dispatcher := progress.NewDispatcher(logProgress(ctx))
	s.onClose(func(context.Context) error {
		dispatcher.Close()
		return nil
	})

	s.engine = NewEngine(source, fetcher, applier, store,
		WithStateKey(cfg.State.Key),
		WithProgress(dispatcher),
		WithTelemetry(s.openTelemetry(ctx)),
		WithActor(actor),
		WithBranch(cfg.Branch),
		WithParallelism(cfg.Parallelism))

	logger.InfoKV(ctx, "Session ready",
		"install_dir", root,
		"branch", cfg.Branch,
		"work_dir", s.dir,
		"exclusive", exclusive)

	return nil
}

// setupLogger applies the configured level and optional log file.
func (s *session) setupLogger(ctx context.Context) error {
	level, ok := logger.ParseLogLevel(s.cfg.LogLevel)
	if !ok {
		logger.WarnKV(ctx, "Unknown log level, keeping the current one", "level", s.cfg.LogLevel)
	} else {
		logger.SetLevel(level)
	}

	if s.cfg.LogFile == "" {
		return nil
	}

	previous := logger.Logger()

	l, closeFile, err := logger.NewWithFile(nil, s.cfg.LogFile)
	if err != nil {
		return err
	}

	logger.SetLogger(l)

	s.onClose(func(context.Context) error {
		_ = l.Sync()
		logger.SetLogger(previous)

		return closeFile()
	})

	return nil
}

func (s *session) openStore(ctx context.Context) (state.Store, error) {
	switch s.cfg.State.Backend {
	case config.StateBackendSQLite:
		path := s.cfg.State.Path
		if path == "" {
			path = filepath.Join(s.dir, sqliteStateFilename)
		}

		repo, err := state.OpenSQLiteRepository(ctx, path)
		if err != nil {
			return nil, err
		}

		s.onClose(func(context.Context) error { return repo.Close() })

		return repo, nil
	default:
		path := s.cfg.State.Path
		if path == "" {
			path = filepath.Join(s.dir, fileStateFilename)
		}

		return state.NewFileRepository(path), nil
	}
}

// openTelemetry builds the configured sinks behind an asynchronous queue.
func (s *session) openTelemetry(ctx context.Context) telemetry.Sink {
	var sinks telemetry.Multi

	if s.cfg.Telemetry.Endpoint != "" {
		sinks = append(sinks, telemetry.NewHTTPSink(s.cfg.Telemetry.Endpoint, nil))
	}

	if s.cfg.Telemetry.File != "" {
		sinks = append(sinks, telemetry.NewFileSink(s.cfg.Telemetry.File))
	}

	if len(sinks) == 0 {
		return telemetry.Noop{}
	}

	async := telemetry.NewAsync(ctx, sinks, telemetry.DefaultQueueSize)

	s.onClose(func(ctx context.Context) error {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), telemetryFlushTimeout)
		defer cancel()

		return async.Close(flushCtx)
	})

	return async
}

func (s *session) onClose(fn func(ctx context.Context) error) {
	s.closers = append(s.closers, fn)
}

// close releases every resource in reverse order of acquisition.
func (s *session) close(ctx context.Context) {
	for _, fn := range slices.Backward(s.closers) {
		if err := fn(ctx); err != nil {
			logger.WarnKV(ctx, "Failed to release session resource", "error", err)
		}
	}

	s.closers = nil
}

// logProgress writes every phase change to the log.
func logProgress(ctx context.Context) progress.Sink {
	ctx = logger.WithName(ctx, "progress")

	return func(e progress.Event) {
		kvs := []any{
			"step", fmt.Sprintf("%d/%d", e.Index, e.Total),
			"version", e.Version,
			"phase", e.Phase.String(),
		}

		if e.Err != nil {
			logger.WarnKV(ctx, "Release step failed", append(kvs, "error", e.Err)...)
			return
		}

		logger.InfoKV(ctx, "Release step", kvs...)
	}
}
