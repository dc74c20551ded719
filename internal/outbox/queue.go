package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"github.com/cenkalti/backoff/v4"
	"github.com/coder/quartz"

	"github.com/beacon-sdk/beacon/pkg/types"
)

// ErrClosed is returned by operations on a closed queue or log.
var ErrClosed = errors.New("outbox: closed")

// Sender hands a package to the delivery worker. It must not block.
type Sender interface {
	Send(pkg *types.ActivityPackage)
}

// Snapshot is a point in time view of the queue.
type Snapshot struct {
	Pending  []*types.ActivityPackage
	InFlight string
	Paused   bool
	RetryAt  time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger.
func WithLogger(logger slog.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// WithClock sets the clock used for retry windows.
func WithClock(clock quartz.Clock) Option {
	return func(q *Queue) { q.clock = clock }
}

// WithRetry sets the backoff bounds after a transport failure.
func WithRetry(initial, max time.Duration) Option {
	return func(q *Queue) {
		q.retryInitial = initial
		q.retryMax = max
	}
}

// WithCompactThreshold sets how many acks trigger a log rewrite.
func WithCompactThreshold(n int) Option {
	return func(q *Queue) { q.compactThreshold = n }
}

// WithMetrics sets the metrics.
func WithMetrics(m *Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// Queue is the durable FIFO of packages waiting for delivery. At most one
// package is in flight. All state is owned by a single goroutine; every
// method posts a message to it and returns without waiting, except the
// inspection methods which take a context.
type Queue struct {
	log    *Log
	sender Sender
	clock  quartz.Clock
	logger slog.Logger

	metrics          *Metrics
	retryInitial     time.Duration
	retryMax         time.Duration
	compactThreshold int

	msgs      chan func()
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	// owned by the loop
	pending  []*types.ActivityPackage
	inFlight string
	paused   bool
	closing  bool
	retryAt  time.Time
	backoff  *backoff.ExponentialBackOff
}

// Open opens the log in dir and starts the queue loop. Packages left over
// from a previous run are pending again, including one that was in flight.
func Open(ctx context.Context, dir string, sender Sender, opts ...Option) (*Queue, error) {
	q := &Queue{
		sender:           sender,
		clock:            quartz.NewReal(),
		retryInitial:     time.Second,
		retryMax:         time.Minute,
		compactThreshold: 256,
		msgs:             make(chan func(), 64),
		done:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.metrics == nil {
		q.metrics = NewMetrics(nil)
	}

	log, pending, err := OpenLog(ctx, dir, q.logger)
	if err != nil {
		return nil, err
	}
	q.log = log
	q.pending = pending

	q.backoff = backoff.NewExponentialBackOff()
	q.backoff.InitialInterval = q.retryInitial
	q.backoff.MaxInterval = q.retryMax
	q.backoff.MaxElapsedTime = 0
	q.backoff.Clock = backoffClock{q.clock}
	q.backoff.Reset()

	q.metrics.Depth.Set(float64(len(pending)))
	if len(pending) > 0 {
		q.logger.Info(ctx, "restored pending packages", slog.F("count", len(pending)))
	}

	q.wg.Add(1)
	go q.loop()
	return q, nil
}

func (q *Queue) loop() {
	defer q.wg.Done()
	for {
		select {
		case fn := <-q.msgs:
			fn()
		case <-q.done:
			q.drain()
			return
		}
	}
}

// drain applies the messages accepted before Close so buffered enqueues
// reach the log. Nothing is dispatched to the sender any more.
func (q *Queue) drain() {
	q.closing = true
	for {
		select {
		case fn := <-q.msgs:
			fn()
		default:
			return
		}
	}
}

// post runs fn on the loop. Messages posted after Close are dropped.
func (q *Queue) post(fn func()) {
	select {
	case <-q.done:
		return
	default:
	}
	select {
	case q.msgs <- fn:
	case <-q.done:
	}
}

// Enqueue persists pkg at the tail and tries to send the head.
func (q *Queue) Enqueue(pkg *types.ActivityPackage) {
	q.post(func() { q.enqueue(pkg) })
}

// SendFirst sends the head unless the queue is paused, empty, busy or
// waiting out a retry window.
func (q *Queue) SendFirst() {
	q.post(q.sendFirst)
}

// Advance removes the in-flight head and sends the next one. Outcomes for
// any other id are ignored.
func (q *Queue) Advance(id string) {
	q.post(func() { q.advance(id) })
}

// RetryLater keeps the in-flight head and opens a backoff window before it
// is sent again.
func (q *Queue) RetryLater(id string) {
	q.post(func() { q.retryLater(id) })
}

// Pause stops the queue from sending. Enqueues are still accepted.
func (q *Queue) Pause() {
	q.post(func() { q.paused = true })
}

// Resume allows sending again.
func (q *Queue) Resume() {
	q.post(func() { q.paused = false })
}

// Snapshot returns the current contents of the queue.
func (q *Queue) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	q.post(func() {
		pending := make([]*types.ActivityPackage, len(q.pending))
		copy(pending, q.pending)
		reply <- Snapshot{
			Pending:  pending,
			InFlight: q.inFlight,
			Paused:   q.paused,
			RetryAt:  q.retryAt,
		}
	})
	select {
	case s := <-reply:
		return s, nil
	case <-q.done:
		return Snapshot{}, ErrClosed
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// Len returns the number of pending packages, including the one in flight.
func (q *Queue) Len(ctx context.Context) (int, error) {
	s, err := q.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	return len(s.Pending), nil
}

// Close persists the enqueues still buffered, stops the loop and closes the
// log. The in-flight package stays persisted and is sent again after the
// next Open.
func (q *Queue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		close(q.done)
		q.wg.Wait()
		err = q.log.Close()
	})
	return err
}

func (q *Queue) enqueue(pkg *types.ActivityPackage) {
	ctx := context.Background()
	if err := q.log.Put(pkg); err != nil {
		q.logger.Error(ctx, "failed to persist package", slog.F("package", pkg.String()), slog.Error(err))
	}
	q.pending = append(q.pending, pkg)
	q.metrics.Enqueued.WithLabelValues(string(pkg.Kind)).Inc()
	q.metrics.Depth.Set(float64(len(q.pending)))
	q.logger.Debug(ctx, "added package", slog.F("package", pkg.String()), slog.F("pending", len(q.pending)))

	q.sendFirst()
}

func (q *Queue) sendFirst() {
	switch {
	case q.closing:
		return
	case q.paused:
		q.logger.Debug(context.Background(), "queue is paused")
		return
	case len(q.pending) == 0:
		return
	case q.inFlight != "":
		q.logger.Debug(context.Background(), "package in flight", slog.F("id", q.inFlight))
		return
	case q.clock.Now().Before(q.retryAt):
		q.logger.Debug(context.Background(), "waiting to retry", slog.F("retry_at", q.retryAt))
		return
	}

	head := q.pending[0]
	q.inFlight = head.ID
	q.metrics.InFlight.Set(1)
	q.sender.Send(head)
}

func (q *Queue) advance(id string) {
	ctx := context.Background()
	if id != q.inFlight || len(q.pending) == 0 {
		q.logger.Warn(ctx, "ignoring stale delivery outcome", slog.F("id", id), slog.F("in_flight", q.inFlight))
		return
	}

	if err := q.log.Ack(id); err != nil {
		q.logger.Error(ctx, "failed to persist ack", slog.F("id", id), slog.Error(err))
	}
	q.pending[0] = nil
	q.pending = q.pending[1:]
	q.inFlight = ""
	q.retryAt = time.Time{}
	q.backoff.Reset()
	q.metrics.InFlight.Set(0)
	q.metrics.Depth.Set(float64(len(q.pending)))

	q.maybeCompact(ctx)
	q.sendFirst()
}

func (q *Queue) retryLater(id string) {
	ctx := context.Background()
	if id != q.inFlight {
		q.logger.Warn(ctx, "ignoring stale delivery outcome", slog.F("id", id), slog.F("in_flight", q.inFlight))
		return
	}

	wait := q.backoff.NextBackOff()
	q.inFlight = ""
	q.retryAt = q.clock.Now().Add(wait)
	q.metrics.InFlight.Set(0)
	q.metrics.Retries.Inc()
	q.logger.Debug(ctx, "package will be retried", slog.F("id", id), slog.F("wait", wait))
}

func (q *Queue) maybeCompact(ctx context.Context) {
	if q.log.Acked() < q.compactThreshold {
		return
	}
	if err := q.log.Compact(q.pending); err != nil {
		q.logger.Error(ctx, "failed to compact outbox log", slog.Error(err))
		return
	}
	q.metrics.Compactions.Inc()
	q.logger.Debug(ctx, "compacted outbox log", slog.F("pending", len(q.pending)))
}

// backoffClock adapts a quartz clock to backoff.Clock.
type backoffClock struct {
	c quartz.Clock
}

func (b backoffClock) Now() time.Time {
	return b.c.Now()
}
