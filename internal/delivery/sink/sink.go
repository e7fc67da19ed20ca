// Package sink forwards stream events to external publishers with bounded
// retries.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/marko911/chainhub/internal/metrics"
	"github.com/marko911/chainhub/internal/stream"
	protov1 "github.com/marko911/chainhub/pkg/proto/v1"
)

// Sink is a destination for stream events.
type Sink interface {
	Name() string
	Publish(ctx context.Context, ev protov1.Event) error
}

// Options controls how events are forwarded to a sink.
type Options struct {
	// Timeout bounds a single publish attempt.
	Timeout time.Duration

	// Attempts is the total number of tries per event, including the first.
	Attempts uint

	// Delay is the initial backoff between attempts.
	Delay time.Duration

	// Kinds restricts forwarding to these event kinds. Empty forwards all.
	Kinds []protov1.EventKind

	// OnFailure is called for events that exhausted their retries. If nil,
	// failures are logged and dropped.
	OnFailure func(ev protov1.Event, err error)
}

func DefaultOptions() Options {
	return Options{
		Timeout:  5 * time.Second,
		Attempts: 3,
		Delay:    200 * time.Millisecond,
	}
}

func (o *Options) applyDefaults() {
	d := DefaultOptions()
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	if o.Attempts == 0 {
		o.Attempts = d.Attempts
	}
	if o.Delay <= 0 {
		o.Delay = d.Delay
	}
}

// Forwarder publishes events to one sink.
type Forwarder struct {
	sink   Sink
	opts   Options
	logger *slog.Logger

	published atomic.Int64
	failed    atomic.Int64
}

func NewForwarder(sk Sink, opts Options, logger *slog.Logger) *Forwarder {
	opts.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{
		sink:   sk,
		opts:   opts,
		logger: logger.With("component", "sink", "sink", sk.Name()),
	}
}

// Accepts reports whether ev passes the kind filter.
func (f *Forwarder) Accepts(ev protov1.Event) bool {
	return len(f.opts.Kinds) == 0 || slices.Contains(f.opts.Kinds, ev.Kind)
}

// Forward publishes ev, retrying with exponential backoff. It returns the
// last error once the attempts are spent or ctx is done.
func (f *Forwarder) Forward(ctx context.Context, ev protov1.Event) error {
	if !f.Accepts(ev) {
		return nil
	}

	err := retry.Do(
		func() error {
			attemptCtx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
			defer cancel()
			return f.sink.Publish(attemptCtx, ev)
		},
		retry.Context(ctx),
		retry.Attempts(f.opts.Attempts),
		retry.Delay(f.opts.Delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			f.logger.Debug("publish retry", "attempt", n+1, "chain", ev.Chain, "kind", ev.Kind, "error", err)
		}),
	)

	name := f.sink.Name()
	if err != nil {
		f.failed.Add(1)
		metrics.SinkErrors.WithLabelValues(name).Inc()
		if f.opts.OnFailure != nil {
			f.opts.OnFailure(ev, err)
		} else {
			f.logger.Warn("publish failed", "chain", ev.Chain, "kind", ev.Kind, "key", ev.Key(), "error", err)
		}
		return err
	}

	f.published.Add(1)
	metrics.SinkPublished.WithLabelValues(name).Inc()
	return nil
}

// Stats returns the counts of events published and given up on.
func (f *Forwarder) Stats() (published, failed int64) {
	return f.published.Load(), f.failed.Load()
}

// Attach forwards every event s emits to the forwarder until cancel is
// called or ctx is done. Each attachment runs on its own stream listener,
// so a slow sink only delays itself.
func (f *Forwarder) Attach(ctx context.Context, s *stream.Stream) (cancel func()) {
	return s.OnEvent(func(ev protov1.Event) {
		if ctx.Err() != nil {
			return
		}
		_ = f.Forward(ctx, ev)
	})
}

// Attach is shorthand for NewForwarder(sk, opts, logger).Attach(ctx, s).
func Attach(ctx context.Context, s *stream.Stream, sk Sink, opts Options, logger *slog.Logger) (cancel func()) {
	return NewForwarder(sk, opts, logger).Attach(ctx, s)
}

// Multi publishes to every sink in order and joins their errors.
type Multi []Sink

func (m Multi) Name() string { return "multi" }

func (m Multi) Publish(ctx context.Context, ev protov1.Event) error {
	var errs []error
	for _, sk := range m {
		if err := sk.Publish(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sk.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Closer is implemented by sinks that hold connections.
type Closer interface {
	Close() error
}

// CloseAll closes every sink that implements Closer.
func CloseAll(sinks []Sink) error {
	var errs []error
	for _, sk := range sinks {
		if c, ok := sk.(Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Pinger is implemented by sinks that can check their backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingAll checks every sink that implements Pinger and joins the failures,
// each prefixed with the sink name.
func PingAll(ctx context.Context, sinks []Sink) error {
	var errs []error
	for _, sk := range sinks {
		if p, ok := sk.(Pinger); ok {
			if err := p.Ping(ctx); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", sk.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}
