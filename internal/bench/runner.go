// Package bench ramps up benchmark sessions on a schedule and funnels their
// lifecycle and stats into a single ordered event stream.
package bench

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/whep-bench/whepbench/internal/session"
	"github.com/whep-bench/whepbench/internal/whep"
)

const (
	defaultNegotiateTimeout = 10 * time.Second
	defaultTeardownTimeout  = 5 * time.Second
)

var tracer = otel.Tracer("github.com/whep-bench/whepbench/internal/bench")

// DialFunc creates a ready-to-negotiate driver for session id.
type DialFunc func(ctx context.Context, id int) (*session.Driver, error)

// Runner executes a Plan.
type Runner struct {
	plan             Plan
	dial             DialFunc
	negotiateTimeout time.Duration
	teardownTimeout  time.Duration
	logger           *slog.Logger
}

type RunnerOption func(*Runner)

func WithNegotiateTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) { r.negotiateTimeout = d }
}

func WithTeardownTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) { r.teardownTimeout = d }
}

func WithLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

func NewRunner(plan Plan, dial DialFunc, opts ...RunnerOption) *Runner {
	r := &Runner{
		plan:             plan,
		dial:             dial,
		negotiateTimeout: defaultNegotiateTimeout,
		teardownTimeout:  defaultTeardownTimeout,
		logger:           slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts sessions 1..Count, Interval apart, and sends their events to out.
// It returns once every session finished and always closes out. Cancelling
// ctx stops the ramp and tears down live sessions.
func (r *Runner) Run(ctx context.Context, out chan<- Event) error {
	defer close(out)
	if err := r.plan.Validate(); err != nil {
		return err
	}

	r.logger.Info("bench starting",
		"count", r.plan.Count,
		"interval", r.plan.Interval,
		"lifetime", r.plan.Lifetime)

	var g errgroup.Group
	started := 0
ramp:
	for id := 1; id <= r.plan.Count; id++ {
		if ctx.Err() != nil {
			break
		}
		out <- Connecting(id)
		started++
		g.Go(func() error {
			r.runSession(ctx, id, out)
			return nil
		})

		if id == r.plan.Count || r.plan.Interval <= 0 {
			continue
		}
		timer := time.NewTimer(r.plan.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			break ramp
		case <-timer.C:
		}
	}
	if started < r.plan.Count {
		r.logger.Warn("ramp interrupted", "started", started, "planned", r.plan.Count)
	}

	err := g.Wait()
	r.logger.Info("bench done", "sessions", started)
	return err
}

func (r *Runner) runSession(ctx context.Context, id int, out chan<- Event) {
	logger := r.logger.With("session", id)
	ctx, span := tracer.Start(ctx, "bench.session",
		trace.WithAttributes(attribute.Int("session.id", id)))
	var reason error
	defer func() {
		if reason != nil {
			span.RecordError(reason)
		}
		span.End()
		out <- Disconnected(id, reason)
	}()

	d, err := r.dial(ctx, id)
	if err != nil {
		logger.Error("dial failed", "err", err)
		reason = err
		return
	}
	defer r.finish(ctx, d, logger)

	negCtx, cancelNeg := context.WithTimeout(ctx, r.negotiateTimeout)
	err = d.Negotiate(negCtx)
	cancelNeg()
	if err != nil {
		logger.Error("negotiation failed", "err", err)
		reason = err
		return
	}

	lifeCtx, cancel := context.WithTimeout(ctx, r.plan.Lifetime)
	defer cancel()

	for {
		ev, err := d.Recv(lifeCtx)
		if err != nil {
			if lifeCtx.Err() != nil && errors.Is(err, lifeCtx.Err()) {
				if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
					if d.ConnectedAt().IsZero() {
						reason = fmt.Errorf("%w: not connected within lifetime %s", whep.ErrTransport, r.plan.Lifetime)
						logger.Warn("lifetime expired before connectivity")
						return
					}
					logger.Info("lifetime expired, disconnecting")
				} else {
					logger.Info("interrupted, disconnecting")
				}
				return
			}
			logger.Error("session error", "err", err)
			reason = err
			return
		}

		switch ev.Kind {
		case session.EventConnected:
			out <- Connected(id)
		case session.EventStats:
			logger.Debug("stats",
				"recv_kbps", ev.Stats.RecvKbps,
				"send_kbps", ev.Stats.SendKbps,
				"rtt_ms", ev.Stats.RttMs,
				"lost", ev.Stats.Lost)
			out <- StatsEvent(id, ev.Stats)
		case session.EventDisconnected:
			logger.Info("disconnected")
			return
		}
	}
}

// finish tears the session down on a context detached from the lifetime
// watchdog, then releases its resources.
func (r *Runner) finish(ctx context.Context, d *session.Driver, logger *slog.Logger) {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.teardownTimeout)
	defer cancel()
	if err := d.Teardown(tctx); err != nil {
		logger.Warn("teardown failed", "err", err)
	}
	if err := d.Close(); err != nil {
		logger.Debug("close", "err", err)
	}
}
