// Package daemon runs sync in the background.
//
// The daemon:
//  1. Scans for dirty records, delivers due queue entries and pulls remote
//     changes, each on its own interval
//  2. Watches the session file and runs the ownership claim when an account
//     signs in
//  3. Handles graceful shutdown without discarding queued operations
package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/repcue/localsync/internal/session"
	"github.com/repcue/localsync/internal/store"
	"github.com/repcue/localsync/internal/syncer"
	"github.com/repcue/localsync/internal/syncerr"
)

// Config holds configuration for the daemon.
type Config struct {
	// ScanInterval is how often dirty records are enqueued.
	ScanInterval time.Duration

	// DeliverInterval is how often due queue entries are pushed.
	DeliverInterval time.Duration

	// PullInterval is how often remote changes are fetched.
	PullInterval time.Duration

	// DebounceInterval is how long the session file must be quiet before a
	// change is processed. The auth provider may write it several times.
	DebounceInterval time.Duration

	Logger   *zap.Logger
	Notifier syncer.Notifier
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ScanInterval:     30 * time.Second,
		DeliverInterval:  5 * time.Second,
		PullInterval:     time.Minute,
		DebounceInterval: 200 * time.Millisecond,
	}
}

// SessionSource is the session the daemon follows. *session.File
// implements it.
type SessionSource interface {
	Path() string
	Current() session.Session
	Reload() (session.Session, error)
}

// ClaimRunner runs the ownership claim. *claim.Claimer implements it.
type ClaimRunner interface {
	Claim(ctx context.Context, owner string) (store.ClaimCounts, error)
}

// Daemon orchestrates the sync loops and session watching.
type Daemon struct {
	syncer  syncer.Syncer
	claims  ClaimRunner
	session SessionSource
	config  *Config
	logger  *zap.Logger

	watcher *FileWatcher
	kick    chan struct{}

	changedMu sync.Mutex
	changedAt time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a new Daemon. Use Start() to begin syncing.
func New(s syncer.Syncer, claims ClaimRunner, sess SessionSource, config *Config) (*Daemon, error) {
	if s == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if claims == nil {
		return nil, fmt.Errorf("claim runner cannot be nil")
	}
	if sess == nil {
		return nil, fmt.Errorf("session cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	def := DefaultConfig()
	if config.ScanInterval <= 0 {
		config.ScanInterval = def.ScanInterval
	}
	if config.DeliverInterval <= 0 {
		config.DeliverInterval = def.DeliverInterval
	}
	if config.PullInterval <= 0 {
		config.PullInterval = def.PullInterval
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = def.DebounceInterval
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	notifier := config.Notifier
	if notifier == nil {
		notifier = syncer.NotifierFunc(func(syncer.Event) {})
	}
	config.Notifier = notifier

	watcher, err := NewFileWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		syncer:  s,
		claims:  claims,
		session: sess,
		config:  config,
		logger:  logger.Named("daemon"),
		watcher: watcher,
		kick:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start runs the daemon. It blocks until ctx is cancelled or Stop is
// called.
func (d *Daemon) Start(ctx context.Context) error {
	d.logger.Info("starting daemon",
		zap.Duration("scan_interval", d.config.ScanInterval),
		zap.Duration("deliver_interval", d.config.DeliverInterval),
		zap.Duration("pull_interval", d.config.PullInterval))

	if err := d.watcher.Start(d.session.Path()); err != nil {
		_ = d.Stop()
		return fmt.Errorf("failed to watch session file: %w", err)
	}

	// A session that was already signed in may still need its claim.
	d.handleSession(false)

	d.wg.Add(5)
	go d.watchSessionEvents()
	go d.processSessionChanges()
	go d.loop("scan", d.config.ScanInterval, nil, d.scan)
	go d.loop("deliver", d.config.DeliverInterval, d.kick, d.deliver)
	go d.loop("pull", d.config.PullInterval, nil, d.pull)

	select {
	case <-ctx.Done():
		d.logger.Info("shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. In-flight remote calls are
// cancelled; their queue entries stay queued. It is safe to call more than
// once.
func (d *Daemon) Stop() error {
	var err error
	d.stopOnce.Do(func() {
		d.logger.Info("stopping daemon")
		d.cancel()
		err = d.watcher.Stop()
		d.wg.Wait()
		d.logger.Info("daemon stopped")
	})
	return err
}

// Kick asks the deliver loop to run now instead of waiting for its ticker.
func (d *Daemon) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

func (d *Daemon) active() bool {
	s := d.session.Current()
	return s.SignedIn() && s.HasConsent()
}

// loop runs fn on every tick, and on every trigger when one is given.
func (d *Daemon) loop(name string, interval time.Duration, trigger <-chan struct{}, fn func(ctx context.Context)) {
	defer d.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			d.logger.Debug("loop stopped", zap.String("loop", name))
			return
		case <-ticker.C:
		case <-trigger:
		}
		if d.ctx.Err() != nil {
			return
		}
		if !d.active() {
			continue
		}
		fn(d.ctx)
	}
}

func (d *Daemon) scan(ctx context.Context) {
	report, err := d.syncer.Scan(ctx)
	if err != nil {
		d.logWarn("scan failed", err)
		return
	}
	if report.Enqueued > 0 {
		d.Kick()
	}
}

func (d *Daemon) deliver(ctx context.Context) {
	report, err := d.syncer.Deliver(ctx)
	if err != nil {
		d.logWarn("delivery failed", err)
		return
	}
	// Keep draining while batches go through.
	if report.Attempted > 0 && report.Rescheduled == 0 {
		d.Kick()
	}
}

func (d *Daemon) pull(ctx context.Context) {
	if _, err := d.syncer.Pull(ctx); err != nil {
		d.logWarn("pull failed", err)
	}
}

// logWarn drops errors caused by shutdown.
func (d *Daemon) logWarn(msg string, err error) {
	if syncerr.IsCancellation(err) && d.ctx.Err() != nil {
		return
	}
	d.logger.Warn(msg, zap.Error(err))
}

// watchSessionEvents records session file changes for debouncing.
func (d *Daemon) watchSessionEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			d.logger.Debug("session file event", zap.Stringer("op", event.Op))
			d.changedMu.Lock()
			d.changedAt = time.Now()
			d.changedMu.Unlock()

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

// processSessionChanges handles a session change once the file has been
// quiet for the debounce interval.
func (d *Daemon) processSessionChanges() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.changedMu.Lock()
			ready := !d.changedAt.IsZero() && time.Since(d.changedAt) >= d.config.DebounceInterval
			if ready {
				d.changedAt = time.Time{}
			}
			d.changedMu.Unlock()
			if ready {
				d.handleSession(true)
			}
		}
	}
}

// handleSession runs the claim for a signed-in owner with consent and then
// pushes whatever the claim made dirty.
func (d *Daemon) handleSession(reload bool) {
	s := d.session.Current()
	if reload {
		var err error
		if s, err = d.session.Reload(); err != nil {
			d.logger.Warn("failed to reload session", zap.Error(err))
			return
		}
	}
	if !s.SignedIn() || !s.HasConsent() {
		return
	}

	counts, err := d.claims.Claim(d.ctx, s.OwnerID)
	if err != nil {
		d.logWarn("ownership claim failed", err)
		d.config.Notifier.Notify(syncer.Event{Type: syncer.EventError, Error: err.Error(), At: time.Now().UTC()})
		return
	}
	if counts.Total == 0 {
		return
	}
	d.config.Notifier.Notify(syncer.Event{Type: syncer.EventClaimed, Count: counts.Total, At: time.Now().UTC()})

	d.scan(d.ctx)
}
