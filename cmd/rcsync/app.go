package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"go.uber.org/zap"

	"github.com/repcue/localsync/internal/catalog"
	"github.com/repcue/localsync/internal/claim"
	"github.com/repcue/localsync/internal/config"
	"github.com/repcue/localsync/internal/db"
	"github.com/repcue/localsync/internal/envelope"
	"github.com/repcue/localsync/internal/logging"
	"github.com/repcue/localsync/internal/migrate"
	"github.com/repcue/localsync/internal/queue"
	"github.com/repcue/localsync/internal/remote"
	"github.com/repcue/localsync/internal/session"
	"github.com/repcue/localsync/internal/store"
	"github.com/repcue/localsync/internal/syncer"
	"github.com/repcue/localsync/internal/syncerr"
)

// app is everything a command needs, opened in dependency order: config,
// logger, database, schema, session, store, catalog seed, queue.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	closeLog func() error

	db       *db.DB
	migrator *migrate.Migrator
	session  *session.File
	store    *store.Store
	queue    *queue.Queue
}

type openOptions struct {
	// logFile sends logs to the rotating file as well as stderr.
	logFile bool
	// skipMigrate opens the database without touching the schema. Used by
	// commands that inspect or repair a broken store.
	skipMigrate bool
}

func loadConfig() (*config.Config, error) {
	return config.Load(settings, configFile)
}

func newLogger(cfg *config.Config, toFile bool) (*zap.Logger, func() error, error) {
	opts := logging.Options{
		Level:   cfg.Log.Level,
		Console: os.Stderr,
	}
	if toFile {
		opts.File = cfg.LogFile()
		opts.MaxSizeMB = cfg.Log.MaxSizeMB
		opts.MaxBackups = cfg.Log.MaxBackups
		opts.MaxAgeDays = cfg.Log.MaxAgeDays
	}
	return logging.New(opts)
}

func openApp(ctx context.Context, opts openOptions) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, closeLog, err := newLogger(cfg, opts.logFile)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, closeLog: closeLog}

	a.db, err = db.Open(cfg.DBPath(), db.WithLogger(logger))
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.migrator = migrate.New(a.db, logger)

	if !opts.skipMigrate {
		if _, err := a.migrator.Migrate(ctx); err != nil {
			_ = a.Close()
			if errors.Is(err, syncerr.ErrSchemaAhead) {
				return nil, fmt.Errorf("%w; upgrade rcsync to open this database", err)
			}
			return nil, fmt.Errorf("%w (run 'rcsync doctor --repair' if the store is damaged)", err)
		}
	}

	a.session, err = session.Open(cfg.SessionPath(), logger)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	a.store = store.New(a.db, store.Options{
		Auth:     a.session,
		Identity: a.session,
		Logger:   logger,
	})

	if !opts.skipMigrate {
		if _, err := catalog.Seed(ctx, a.store, logger); err != nil {
			_ = a.Close()
			return nil, err
		}
	}

	a.queue = queue.New(a.db, queue.Config{
		MaxRetries:    cfg.Queue.MaxRetries,
		BaseDelay:     cfg.Queue.BaseDelay,
		MaxDelay:      cfg.Queue.MaxDelay,
		DeadLetterTTL: cfg.Queue.DeadLetterTTL,
	}, envelope.SystemClock{}, logger)

	return a, nil
}

// Close closes the database and flushes the logger.
func (a *app) Close() error {
	var errs []error
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	if a.closeLog != nil {
		errs = append(errs, a.closeLog())
	}
	return errors.Join(errs...)
}

func (a *app) claimer() *claim.Claimer {
	return claim.New(a.db, a.store, a.logger)
}

func (a *app) remoteClient() (*remote.HTTPClient, error) {
	if a.cfg.Remote.BaseURL == "" {
		return nil, fmt.Errorf("remote.base_url is not configured (set it in %s or RCSYNC_REMOTE_BASE_URL)", config.FileName)
	}
	return remote.NewHTTPClient(a.cfg.Remote.BaseURL, a.session, remote.Options{
		HTTPClient: &http.Client{Timeout: a.cfg.Remote.Timeout},
		Logger:     a.logger,
		MaxRetries: a.cfg.Remote.MaxRetries,
	}), nil
}

func (a *app) syncer(n syncer.Notifier) (syncer.Syncer, error) {
	client, err := a.remoteClient()
	if err != nil {
		return nil, err
	}
	return syncer.New(a.store, a.queue, client, syncer.Options{
		BatchSize:   a.cfg.Sync.BatchSize,
		CallTimeout: a.cfg.Remote.Timeout,
		PullLimit:   a.cfg.Sync.PullLimit,
		Notifier:    n,
		Logger:      a.logger,
	}), nil
}

// requireSyncable fails unless someone is signed in with consent.
func (a *app) requireSyncable() error {
	s := a.session.Current()
	if !s.SignedIn() {
		return fmt.Errorf("%w: run 'rcsync login' first", session.ErrSignedOut)
	}
	if !s.HasConsent() {
		return fmt.Errorf("%w: run 'rcsync consent grant' first", syncerr.ErrConsentDenied)
	}
	return nil
}
