// Package convergence provides a bounded-retry evaluator for assertions on
// asynchronously-converging state, such as "N documents visible in the
// index". Callers sample until the target holds or a timeout expires, with
// no fixed sleeps in test bodies.
package convergence

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/zoobzio/clockz"

	"github.com/crawlspace/testenv/internal/logging"
)

// NoSample is the sentinel value reported when no sample in the whole
// window succeeded.
const NoSample int64 = -1

// Sampler produces the current value of the converging quantity. Errors are
// transient by definition: they are logged, counted as a non-matching
// sample, and retried on the next interval.
type Sampler func(ctx context.Context) (int64, error)

// Outcome is the result of one Await call. A timeout is not an error; it is
// an outcome with Succeeded set to false, and the caller decides whether
// that fails the test.
type Outcome struct {
	LastValue int64
	Succeeded bool
	Elapsed   time.Duration
}

// Poller repeatedly samples a value until it matches a target or a timeout
// passes. The zero interval configuration backs off exponentially from
// Interval up to MaxInterval between samples; it never busy-spins.
type Poller struct {
	clock       clockz.Clock
	interval    time.Duration
	maxInterval time.Duration
	logger      *slog.Logger
}

// Option configures a Poller.
type Option func(*Poller)

// WithClock injects the clock used for sleeping and elapsed-time
// measurement. Use this with clockz.NewFakeClock for deterministic tests.
func WithClock(c clockz.Clock) Option {
	return func(p *Poller) { p.clock = c }
}

// WithInterval sets the initial interval between samples.
func WithInterval(d time.Duration) Option {
	return func(p *Poller) { p.interval = d }
}

// WithMaxInterval caps the backoff between samples. Setting it equal to the
// initial interval yields fixed-interval polling.
func WithMaxInterval(d time.Duration) Option {
	return func(p *Poller) { p.maxInterval = d }
}

// New creates a Poller. Defaults: real clock, 100ms initial interval
// backing off to 500ms.
func New(opts ...Option) *Poller {
	p := &Poller{
		clock:       clockz.RealClock,
		interval:    100 * time.Millisecond,
		maxInterval: 500 * time.Millisecond,
		logger:      logging.Component("convergence"),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.maxInterval < p.interval {
		p.maxInterval = p.interval
	}
	return p
}

// Await samples until the predicate holds or timeout passes. With a non-nil
// target the predicate is exact equality; with a nil target it is "at least
// one" (value > 0). The first sample is taken immediately, so a target that
// already holds returns without sleeping. Cancelling the context returns
// the last observed value with Succeeded false, same as a timeout.
func (p *Poller) Await(ctx context.Context, sample Sampler, target *int64, timeout time.Duration) Outcome {
	start := p.clock.Now()
	last := NoSample

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.interval
	bo.MaxInterval = p.maxInterval
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		v, err := sample(ctx)
		if err != nil {
			// A failed sample is a non-match, not a poller failure. last
			// stays NoSample only while no sample at all has succeeded.
			p.logger.Warn("sample failed, retrying", "error", err)
		} else {
			last = v
			p.logger.Debug("sampled value", "value", last, "target", targetString(target))
			if matches(last, target) {
				return Outcome{LastValue: last, Succeeded: true, Elapsed: p.clock.Since(start)}
			}
		}

		elapsed := p.clock.Since(start)
		if elapsed >= timeout {
			return Outcome{LastValue: last, Succeeded: false, Elapsed: elapsed}
		}

		wait := bo.NextBackOff()
		if remaining := timeout - elapsed; wait > remaining {
			wait = remaining
		}

		timer := p.clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Outcome{LastValue: last, Succeeded: false, Elapsed: p.clock.Since(start)}
		case <-timer.C():
		}
	}
}

func matches(value int64, target *int64) bool {
	if target == nil {
		return value > 0
	}
	return value == *target
}

func targetString(target *int64) string {
	if target == nil {
		return "some"
	}
	return strconv.FormatInt(*target, 10)
}
