// Package session implements the session state machine of a tracker.
//
// A Handler turns lifecycle signals (start, end) and tracking calls into
// updates of the persisted ActivityState and into activity packages for the
// outbox. Every public method posts a message to a single goroutine that
// owns the state, so callers never block on disk or network I/O.
package session

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"

	"github.com/beacon-sdk/beacon/internal/builder"
	"github.com/beacon-sdk/beacon/internal/config"
	"github.com/beacon-sdk/beacon/internal/fingerprint"
	"github.com/beacon-sdk/beacon/internal/state"
	"github.com/beacon-sdk/beacon/pkg/types"
)

// ClientSDK identifies this SDK in the Client-Sdk header.
const ClientSDK = "go1.0.0"

// ErrClosed is returned by inspection calls on a closed handler.
var ErrClosed = errors.New("session: closed")

const timeTravel = "Time travel!"

// Queue is the part of the outbox the handler drives.
type Queue interface {
	Enqueue(pkg *types.ActivityPackage)
	SendFirst()
	Pause()
	Resume()
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(logger slog.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

// WithClock sets the clock used for timestamps and the foreground timer.
func WithClock(clock quartz.Clock) Option {
	return func(h *Handler) { h.clock = clock }
}

// Handler is the session state machine.
type Handler struct {
	cfg      config.Config
	queue    Queue
	store    state.Store
	provider fingerprint.Provider
	clock    quartz.Clock
	logger   slog.Logger

	msgs      chan func()
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	// owned by the loop
	enabled     bool
	environment string
	clientSDK   string
	fp          types.Fingerprint
	activity    *state.ActivityState
	timerStop   chan struct{}
	timerGen    uint64
}

// New creates a handler and posts its initialization as the first message.
// cfg is copied.
func New(cfg *config.Config, queue Queue, store state.Store, provider fingerprint.Provider, opts ...Option) *Handler {
	h := &Handler{
		cfg:       *cfg,
		queue:     queue,
		store:     store,
		provider:  provider,
		clock:     quartz.NewReal(),
		clientSDK: ClientSDK,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	buffer := h.cfg.Session.MessageBuffer
	if buffer < 1 {
		buffer = 1
	}
	h.msgs = make(chan func(), buffer)

	h.wg.Add(1)
	go h.loop()
	h.post(h.init)
	return h
}

func (h *Handler) loop() {
	defer h.wg.Done()
	for {
		select {
		case fn := <-h.msgs:
			fn()
		case <-h.done:
			h.drain()
			h.stopTimer()
			return
		}
	}
}

// drain applies the messages accepted before Close. post refuses new ones
// once done is closed, so this terminates.
func (h *Handler) drain() {
	for {
		select {
		case fn := <-h.msgs:
			fn()
		default:
			return
		}
	}
}

func (h *Handler) post(fn func()) {
	select {
	case <-h.done:
		return
	default:
	}
	select {
	case h.msgs <- fn:
	case <-h.done:
	}
}

// Start records that the host came to the foreground.
func (h *Handler) Start() {
	h.post(h.start)
}

// End records that the host went to the background.
func (h *Handler) End() {
	h.post(h.end)
}

// TrackEvent records an event identified by token.
func (h *Handler) TrackEvent(token string, params map[string]string) {
	b := builder.New()
	b.EventToken = token
	b.CallbackParams = maps.Clone(params)
	h.post(func() { h.trackEvent(b, false) })
}

// TrackRevenue records a revenue event of amountInCents.
func (h *Handler) TrackRevenue(amountInCents float64, token string, params map[string]string) {
	b := builder.New()
	b.SetAmountInCents(amountInCents)
	b.EventToken = token
	b.CallbackParams = maps.Clone(params)
	h.post(func() { h.trackEvent(b, true) })
}

// SetSDKPrefix reports the client sdk as prefix@sdk in later packages.
func (h *Handler) SetSDKPrefix(prefix string) {
	h.post(func() { h.setSDKPrefix(prefix) })
}

// Sync waits until every message posted before it was applied.
func (h *Handler) Sync(ctx context.Context) error {
	reply := make(chan struct{})
	h.post(func() { close(reply) })
	select {
	case <-reply:
		return nil
	case <-h.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns a copy of the current activity state. It returns
// state.ErrNoState before the first session.
func (h *Handler) Snapshot(ctx context.Context) (*state.ActivityState, error) {
	type result struct {
		s   *state.ActivityState
		err error
	}
	reply := make(chan result, 1)
	h.post(func() {
		if h.activity == nil {
			reply <- result{err: state.ErrNoState}
			return
		}
		reply <- result{s: h.activity.Clone()}
	})
	select {
	case r := <-reply:
		return r.s, r.err
	case <-h.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close applies the messages still buffered, then stops the timer and the
// loop. The queue and the store are owned by the caller and must still be
// open.
func (h *Handler) Close() error {
	h.closeOnce.Do(func() {
		close(h.done)
		h.wg.Wait()
	})
	return nil
}

func (h *Handler) init() {
	ctx := context.Background()
	h.logger = h.logger.Leveled(LevelFor(&h.cfg))
	h.environment = h.applyEnvironment(ctx)

	if h.cfg.EventBuffering {
		h.logger.Info(ctx, "Event buffering is enabled")
	}
	if h.cfg.DefaultTracker != "" {
		h.logger.Info(ctx, fmt.Sprintf("Default tracker: '%s'", h.cfg.DefaultTracker))
	}
	if h.cfg.SDKPrefix != "" {
		h.setSDKPrefix(h.cfg.SDKPrefix)
	}

	if h.cfg.AppToken == "" {
		h.logger.Critical(ctx, "Missing App Token.")
		return
	}

	fp, err := h.provider.Fingerprint(ctx)
	if err != nil {
		h.logger.Warn(ctx, "failed to read device fingerprint", slog.Error(err))
	}
	h.fp = fp

	h.activity = h.load(ctx)
	h.enabled = true
}

func (h *Handler) applyEnvironment(ctx context.Context) string {
	env := config.NormalizeEnvironment(h.cfg.Environment)
	switch env {
	case config.EnvironmentSandbox:
		h.logger.Critical(ctx, "SANDBOX: Beacon is running in Sandbox mode. Use this setting for testing. Don't forget to set the environment to `production` before publishing!")
	case config.EnvironmentProduction:
		h.logger.Critical(ctx, "PRODUCTION: Beacon is running in Production mode. Use this setting only for the build that you want to publish. Set the environment to `sandbox` if you want to test your app!")
	case config.EnvironmentUnknown:
		h.logger.Critical(ctx, "Missing environment")
	default:
		h.logger.Critical(ctx, fmt.Sprintf("Malformed environment '%s'", h.cfg.Environment))
	}
	return env
}

func (h *Handler) setSDKPrefix(prefix string) {
	h.clientSDK = fmt.Sprintf("%s@%s", prefix, ClientSDK)
}

func (h *Handler) checkEnabled(ctx context.Context) bool {
	if !h.enabled {
		h.logger.Error(ctx, "Missing App Token.")
		return false
	}
	return true
}

func (h *Handler) checkActivityState(ctx context.Context) bool {
	if h.activity == nil {
		h.logger.Error(ctx, "Missing activity state.")
		return false
	}
	return true
}

func (h *Handler) now() int64 {
	return h.clock.Now().UnixMilli()
}

func (h *Handler) start() {
	ctx := context.Background()
	if !h.checkEnabled(ctx) {
		return
	}

	h.queue.Resume()
	h.startTimer()

	now := h.now()

	if h.activity == nil {
		h.activity = state.New()
		h.activity.SessionCount = 1
		h.activity.CreatedAt = now

		h.transferSessionPackage()
		h.activity.ResetSessionAttributes(now)
		h.save(ctx)
		h.logger.Info(ctx, "First session")
		return
	}

	gap := now - h.activity.LastActivity
	if gap < 0 {
		h.logger.Error(ctx, timeTravel)
		h.activity.LastActivity = now
		h.save(ctx)
		return
	}

	if gap > h.cfg.Session.SessionInterval.Milliseconds() {
		h.activity.SessionCount++
		h.activity.CreatedAt = now
		h.activity.LastInterval = gap

		h.transferSessionPackage()
		h.activity.ResetSessionAttributes(now)
		h.save(ctx)
		h.logger.Debug(ctx, fmt.Sprintf("Session %d", h.activity.SessionCount))
		return
	}

	if gap > h.cfg.Session.SubsessionInterval.Milliseconds() {
		h.activity.SubsessionCount++
		h.logger.Info(ctx, fmt.Sprintf("Started subsession %d of session %d",
			h.activity.SubsessionCount, h.activity.SessionCount))
	}
	h.activity.SessionLength += gap
	h.activity.LastActivity = now
	h.save(ctx)
}

func (h *Handler) end() {
	ctx := context.Background()
	if !h.checkEnabled(ctx) {
		return
	}

	h.queue.Pause()
	h.stopTimer()
	if h.activity == nil {
		return
	}
	h.updateActivityState(ctx)
	h.save(ctx)
}

func (h *Handler) trackEvent(b *builder.PackageBuilder, revenue bool) {
	ctx := context.Background()
	if !h.checkEnabled(ctx) || !h.checkActivityState(ctx) {
		return
	}

	validate := b.IsValidForEvent
	if revenue {
		validate = b.IsValidForRevenue
	}
	if err := validate(); err != nil {
		h.logger.Error(ctx, "invalid tracking call", slog.Error(err))
		return
	}

	h.activity.CreatedAt = h.now()
	h.activity.EventCount++
	h.updateActivityState(ctx)

	h.injectGeneralAttributes(b)
	h.activity.InjectEventAttributes(b)
	pkg := b.BuildEventPackage()
	h.queue.Enqueue(pkg)

	if h.cfg.EventBuffering {
		h.logger.Info(ctx, fmt.Sprintf("Buffered %s%s", pkg.Name(), pkg.Suffix))
	} else {
		h.queue.SendFirst()
	}

	h.save(ctx)
	if revenue {
		h.logger.Debug(ctx, fmt.Sprintf("Event %d (revenue)", h.activity.EventCount))
	} else {
		h.logger.Debug(ctx, fmt.Sprintf("Event %d", h.activity.EventCount))
	}
}

func (h *Handler) tick() {
	ctx := context.Background()
	h.queue.SendFirst()
	if h.activity == nil {
		return
	}
	h.updateActivityState(ctx)
	h.save(ctx)
}

// updateActivityState adds the time since the last activity to the session
// length and time spent. Gaps longer than a session are stale and ignored.
func (h *Handler) updateActivityState(ctx context.Context) {
	if !h.checkActivityState(ctx) {
		return
	}

	now := h.now()
	gap := now - h.activity.LastActivity
	if gap < 0 {
		h.logger.Error(ctx, timeTravel)
		h.activity.LastActivity = now
		return
	}
	if gap > h.cfg.Session.SessionInterval.Milliseconds() {
		return
	}

	h.activity.SessionLength += gap
	h.activity.TimeSpent += gap
	h.activity.LastActivity = now
}

func (h *Handler) transferSessionPackage() {
	b := builder.New()
	h.injectGeneralAttributes(b)
	b.Referrer = h.fp.InstallReferrer
	h.activity.InjectSessionAttributes(b)
	h.queue.Enqueue(b.BuildSessionPackage())
	h.queue.SendFirst()
}

func (h *Handler) injectGeneralAttributes(b *builder.PackageBuilder) {
	b.AppToken = h.cfg.AppToken
	b.MacSha1 = h.fp.HashedHardwareID
	b.MacMD5 = h.fp.ShortHashedHardwareID
	b.HardwareID = h.fp.HardwareID
	b.UserAgent = h.fp.UserAgent()
	b.ClientSDK = h.clientSDK
	b.Environment = h.environment
	b.DefaultTracker = h.cfg.DefaultTracker
	b.DeviceData = h.fp.DeviceData()
	b.BuiltAt = h.clock.Now()
}

func (h *Handler) load(ctx context.Context) *state.ActivityState {
	s, err := h.store.Load(ctx)
	switch {
	case err == nil:
		h.logger.Debug(ctx, fmt.Sprintf("Read activity state: %s", s))
		return s
	case errors.Is(err, state.ErrNoState):
		h.logger.Debug(ctx, "Activity state file not found")
	default:
		h.logger.Error(ctx, "failed to read activity state", slog.Error(err))
	}
	return nil
}

func (h *Handler) save(ctx context.Context) {
	if h.activity == nil {
		return
	}
	if err := h.store.Save(ctx, h.activity); err != nil {
		h.logger.Error(ctx, "failed to write activity state", slog.Error(err))
		return
	}
	h.logger.Debug(ctx, fmt.Sprintf("Wrote activity state: %s", h.activity))
}
