// Package simulate drives synthetic traffic through a circuit breaker so the
// rolling statistics have something to report.
package simulate

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/wudi/breakerstats/internal/circuitbreaker"
	"github.com/wudi/breakerstats/internal/config"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// maxInFlight bounds concurrent simulated calls per breaker.
const maxInFlight = 64

var (
	// ErrSimulated is the failure returned by injected errors.
	ErrSimulated = errors.New("simulated failure")

	// ErrInvalidRate is returned by Run for a rate that is not a positive number.
	ErrInvalidRate = errors.New("simulation rate must be > 0")
)

// Caller is the part of a breaker the simulator drives.
type Caller interface {
	Do(ctx context.Context, key string, fn circuitbreaker.Func, fallback circuitbreaker.Fallback) (any, error)
}

// Report summarises a finished run.
type Report struct {
	Calls  int64 `json:"calls"`
	Errors int64 `json:"errors"`
}

// Run issues calls through b at cfg.Rate per second until ctx is done, then
// waits for in-flight calls. A cancelled or expired ctx is not an error.
func Run(ctx context.Context, b Caller, cfg config.SimulationConfig) (Report, error) {
	if !(cfg.Rate > 0) {
		return Report{}, fmt.Errorf("%w: %v", ErrInvalidRate, cfg.Rate)
	}

	var calls, failed atomic.Int64

	limiter := rate.NewLimiter(rate.Limit(cfg.Rate), 1)

	g := new(errgroup.Group)
	g.SetLimit(maxInFlight)

	var runErr error
	for {
		if err := limiter.Wait(ctx); err != nil {
			if !finishing(ctx) {
				runErr = fmt.Errorf("rate limiter: %w", err)
			}
			break
		}
		g.Go(func() error {
			calls.Add(1)
			if _, err := b.Do(ctx, cfg.Key, call(cfg), nil); err != nil {
				failed.Add(1)
			}
			return nil
		})
	}

	g.Wait()
	return Report{Calls: calls.Load(), Errors: failed.Load()}, runErr
}

// finishing reports whether ctx is done or has a deadline. The limiter
// refuses to wait past a deadline before ctx itself expires.
func finishing(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	_, ok := ctx.Deadline()
	return ok
}

// call returns a Func that sleeps latency ± jitter and fails with
// probability cfg.FailureRate.
func call(cfg config.SimulationConfig) circuitbreaker.Func {
	return func(ctx context.Context) (any, error) {
		if d := delay(cfg.Latency, cfg.Jitter); d > 0 {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-t.C:
			}
		}
		if cfg.FailureRate > 0 && rand.Float64() < cfg.FailureRate {
			return nil, ErrSimulated
		}
		return struct{}{}, nil
	}
}

func delay(latency, jitter time.Duration) time.Duration {
	d := latency
	if jitter > 0 {
		d += time.Duration(rand.Int64N(int64(2*jitter)+1)) - jitter
	}
	if d < 0 {
		return 0
	}
	return d
}
