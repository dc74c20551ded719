// Package app wires a complete tracker: configuration, device fingerprint,
// activity state store, durable outbox, delivery worker, dead-letter archive
// and session handler.
package app

import (
	"context"
	"fmt"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/beacon-sdk/beacon/internal/config"
	"github.com/beacon-sdk/beacon/internal/deadletter"
	"github.com/beacon-sdk/beacon/internal/delivery"
	"github.com/beacon-sdk/beacon/internal/fingerprint"
	"github.com/beacon-sdk/beacon/internal/outbox"
	"github.com/beacon-sdk/beacon/internal/server"
	"github.com/beacon-sdk/beacon/internal/session"
	"github.com/beacon-sdk/beacon/internal/state"
	"github.com/beacon-sdk/beacon/internal/storage"
)

// Option configures a Tracker.
type Option func(*options)

type options struct {
	logger     slog.Logger
	clock      quartz.Clock
	registerer prometheus.Registerer
	provider   fingerprint.Provider
	archiver   deadletter.Archiver
}

// WithLogger sets the root logger. Components log to named children.
func WithLogger(logger slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock sets the clock of the session handler and the outbox.
func WithClock(clock quartz.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithRegisterer registers the pipeline metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithFingerprint replaces the host fingerprint provider.
func WithFingerprint(p fingerprint.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithArchiver replaces the configured dead-letter archive.
func WithArchiver(a deadletter.Archiver) Option {
	return func(o *options) { o.archiver = a }
}

// Tracker is the public face of the pipeline. A tracker whose configuration
// is invalid is disabled: every call is a no-op.
type Tracker struct {
	cfg    *config.Config
	logger slog.Logger

	handler  *session.Handler
	queue    *outbox.Queue
	worker   *delivery.Worker
	store    state.Store
	shutdown *server.ShutdownManager
}

// New builds and starts a tracker. Configuration errors yield a disabled
// tracker; errors opening local files are returned.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Tracker, error) {
	o := options{clock: quartz.NewReal()}
	for _, opt := range opts {
		opt(&o)
	}

	cfg.Resolve()
	logger := o.logger.Leveled(session.LevelFor(cfg))
	t := &Tracker{cfg: cfg, logger: logger}

	if err := cfg.Validate(); err != nil {
		logger.Critical(ctx, "tracker disabled", slog.Error(err))
		return t, nil
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	t.shutdown = server.NewShutdownManager(server.ShutdownConfig{
		ShutdownTimeout: cfg.Collector.ConnectTimeout + cfg.Collector.ReadTimeout,
		Logger:          logger.Named("shutdown"),
	})

	store, err := state.Open(cfg.State.Type, cfg.State.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}
	t.store = store
	t.shutdown.RegisterCloser("state", store)

	archiver := o.archiver
	if archiver == nil {
		archiver, err = newArchiver(ctx, cfg)
		if err != nil {
			_ = t.shutdown.Shutdown(ctx, "setup failed")
			return nil, fmt.Errorf("failed to open dead-letter archive: %w", err)
		}
	}

	client := delivery.NewClient(cfg.Collector.BaseURL, cfg.Collector.ConnectTimeout, cfg.Collector.ReadTimeout)
	t.worker = delivery.NewWorker(client,
		delivery.WithLogger(logger.Named("delivery")),
		delivery.WithArchiver(archiver),
		delivery.WithMetrics(delivery.NewMetrics(o.registerer)),
		delivery.WithClock(o.clock),
	)

	t.queue, err = outbox.Open(ctx, cfg.Outbox.Dir, t.worker,
		outbox.WithLogger(logger.Named("outbox")),
		outbox.WithClock(o.clock),
		outbox.WithRetry(cfg.Outbox.RetryInitialInterval, cfg.Outbox.RetryMaxInterval),
		outbox.WithCompactThreshold(cfg.Outbox.CompactThreshold),
		outbox.WithMetrics(outbox.NewMetrics(o.registerer)),
	)
	if err != nil {
		_ = t.shutdown.Shutdown(ctx, "setup failed")
		return nil, fmt.Errorf("failed to open outbox: %w", err)
	}
	t.shutdown.RegisterCloser("outbox", t.queue)

	t.worker.Start(t.queue)
	t.shutdown.RegisterCloser("delivery", server.CloserFunc(func() error {
		err := t.worker.Close()
		client.CloseIdleConnections()
		return err
	}))

	provider := o.provider
	if provider == nil {
		provider = fingerprint.NewHostProvider(cfg.App.PackageName, cfg.App.Version, cfg.App.Referrer)
	}
	t.handler = session.New(cfg, t.queue, store, provider,
		session.WithLogger(logger.Named("session")),
		session.WithClock(o.clock),
	)
	t.shutdown.RegisterCloser("session", t.handler)

	return t, nil
}

func newArchiver(ctx context.Context, cfg *config.Config) (deadletter.Archiver, error) {
	switch cfg.DeadLetter.Type {
	case "local":
		local, err := storage.NewLocalStorage(cfg.DeadLetter.Path)
		if err != nil {
			return nil, err
		}
		return deadletter.NewStore(local), nil
	case "s3":
		s3cfg := cfg.DeadLetter.S3
		s3, err := storage.NewS3Storage(ctx, s3cfg.Bucket, storage.S3Config{
			Region:       s3cfg.Region,
			Endpoint:     s3cfg.Endpoint,
			UsePathStyle: s3cfg.Endpoint != "",
			Prefix:       s3cfg.Prefix,
		})
		if err != nil {
			return nil, err
		}
		return deadletter.NewStore(s3), nil
	default:
		return deadletter.Nop{}, nil
	}
}

// Enabled reports whether the tracker accepts calls.
func (t *Tracker) Enabled() bool {
	return t.handler != nil
}

// OnResume records that the host came to the foreground.
func (t *Tracker) OnResume() {
	if t.Enabled() {
		t.handler.Start()
	}
}

// OnPause records that the host went to the background.
func (t *Tracker) OnPause() {
	if t.Enabled() {
		t.handler.End()
	}
}

// TrackEvent records an event.
func (t *Tracker) TrackEvent(token string, params map[string]string) {
	if t.Enabled() {
		t.handler.TrackEvent(token, params)
	}
}

// TrackRevenue records a revenue event of amountInCents.
func (t *Tracker) TrackRevenue(amountInCents float64, token string, params map[string]string) {
	if t.Enabled() {
		t.handler.TrackRevenue(amountInCents, token, params)
	}
}

// SetSDKPrefix reports the client sdk as prefix@sdk.
func (t *Tracker) SetSDKPrefix(prefix string) {
	if t.Enabled() {
		t.handler.SetSDKPrefix(prefix)
	}
}

// Flush asks the outbox to send its head now.
func (t *Tracker) Flush() {
	if t.Enabled() {
		t.queue.SendFirst()
	}
}

// Sync waits until every earlier call was applied to the session state.
func (t *Tracker) Sync(ctx context.Context) error {
	if !t.Enabled() {
		return nil
	}
	return t.handler.Sync(ctx)
}

// State returns a copy of the current activity state.
func (t *Tracker) State(ctx context.Context) (*state.ActivityState, error) {
	if !t.Enabled() {
		return nil, state.ErrNoState
	}
	return t.handler.Snapshot(ctx)
}

// Pending returns the packages waiting for delivery.
func (t *Tracker) Pending(ctx context.Context) (outbox.Snapshot, error) {
	if !t.Enabled() {
		return outbox.Snapshot{}, nil
	}
	return t.queue.Snapshot(ctx)
}

// Close stops the session handler, the delivery worker, the outbox and the
// state store, in that order. A package in flight stays queued.
func (t *Tracker) Close() error {
	if t.shutdown == nil {
		return nil
	}
	return t.shutdown.Shutdown(context.Background(), "tracker closed")
}
