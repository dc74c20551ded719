package delivery

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"

	"github.com/beacon-sdk/beacon/internal/deadletter"
	beaconerrors "github.com/beacon-sdk/beacon/internal/errors"
	"github.com/beacon-sdk/beacon/pkg/types"
)

// Outcome is the result of one delivery attempt.
type Outcome int

const (
	// Advance removes the package from the queue.
	Advance Outcome = iota
	// RetryLater keeps the package at the head of the queue.
	RetryLater
	// Drop discards a package that can never be sent. It is archived and
	// then reported as Advance.
	Drop
)

func (o Outcome) String() string {
	switch o {
	case Advance:
		return "advance"
	case RetryLater:
		return "retry_later"
	case Drop:
		return "drop"
	default:
		return "unknown"
	}
}

// Classify maps the result of Client.Do to an outcome.
func Classify(resp *Response, err error) Outcome {
	if err == nil && resp != nil {
		return Advance
	}
	if beaconerrors.IsRetryable(err) {
		return RetryLater
	}
	return Drop
}

// Doer performs a single request.
type Doer interface {
	Do(ctx context.Context, pkg *types.ActivityPackage) (*Response, error)
}

// Reporter receives the outcome for each package. outbox.Queue implements it.
type Reporter interface {
	Advance(id string)
	RetryLater(id string)
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the logger.
func WithLogger(logger slog.Logger) Option {
	return func(w *Worker) { w.logger = logger }
}

// WithArchiver sets where dropped packages are archived.
func WithArchiver(a deadletter.Archiver) Option {
	return func(w *Worker) { w.archiver = a }
}

// WithMetrics sets the metrics.
func WithMetrics(m *Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// WithClock sets the clock used to time attempts.
func WithClock(c quartz.Clock) Option {
	return func(w *Worker) { w.clock = c }
}

// Worker delivers one package at a time on its own goroutine.
type Worker struct {
	client   Doer
	archiver deadletter.Archiver
	logger   slog.Logger
	metrics  *Metrics
	clock    quartz.Clock

	pkgs   chan *types.ActivityPackage
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewWorker creates a worker. It does not read packages until Start.
func NewWorker(client Doer, opts ...Option) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		client:   client,
		archiver: deadletter.Nop{},
		clock:    quartz.NewReal(),
		pkgs:     make(chan *types.ActivityPackage, 1),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.metrics == nil {
		w.metrics = NewMetrics(nil)
	}
	return w
}

// Start begins delivering and reports every outcome to r.
func (w *Worker) Start(r Reporter) {
	w.startOnce.Do(func() {
		w.wg.Add(1)
		go w.loop(r)
	})
}

// Send hands pkg to the worker. The queue keeps at most one package in
// flight, so this only waits for the previous attempt to be picked up.
func (w *Worker) Send(pkg *types.ActivityPackage) {
	select {
	case w.pkgs <- pkg:
	case <-w.done:
	}
}

// Close cancels the attempt in progress and waits for the worker to exit.
// A cancelled attempt is reported as RetryLater.
func (w *Worker) Close() error {
	w.closeOnce.Do(func() {
		w.cancel()
		close(w.done)
		w.wg.Wait()
	})
	return nil
}

func (w *Worker) loop(r Reporter) {
	defer w.wg.Done()
	for {
		select {
		case pkg := <-w.pkgs:
			w.deliver(pkg, r)
		case <-w.done:
			return
		}
	}
}

func (w *Worker) deliver(pkg *types.ActivityPackage, r Reporter) {
	start := w.clock.Now()
	resp, err := w.client.Do(w.ctx, pkg)
	w.metrics.Duration.Observe(w.clock.Since(start).Seconds())

	outcome := Classify(resp, err)
	w.metrics.Attempts.WithLabelValues(outcome.String()).Inc()

	switch outcome {
	case Advance:
		if resp.StatusCode == http.StatusOK {
			w.logger.Info(w.ctx, pkg.SuccessMessage())
		} else {
			w.logger.Error(w.ctx, fmt.Sprintf("%s. (%s)", pkg.FailureMessage(), resp.Body),
				slog.F("status", resp.StatusCode))
		}
		r.Advance(pkg.ID)

	case RetryLater:
		reason := "Request failed"
		if beaconerrors.GetCode(err) == beaconerrors.CodeTimeout {
			reason = "Request timed out"
		}
		w.logger.Error(w.ctx, fmt.Sprintf("%s. (%s: %v) Will retry later.", pkg.FailureMessage(), reason, err))
		r.RetryLater(pkg.ID)

	case Drop:
		reason := "Runtime exception"
		if beaconerrors.GetCategory(err) == beaconerrors.ErrCategoryEncoding {
			reason = "Failed to encode parameters"
		}
		w.logger.Error(w.ctx, fmt.Sprintf("%s (%s: %v)", pkg.FailureMessage(), reason, err))
		// archiving must finish even when the worker is closing
		if aerr := w.archiver.Archive(context.Background(), pkg, err); aerr != nil {
			w.logger.Warn(w.ctx, "failed to archive dropped package", slog.F("id", pkg.ID), slog.Error(aerr))
		}
		r.Advance(pkg.ID)
	}
}
