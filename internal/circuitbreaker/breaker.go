package circuitbreaker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	expirable "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sony/gobreaker/v2"
	"github.com/wudi/breakerstats/internal/config"
	"github.com/wudi/breakerstats/internal/logging"
	"github.com/wudi/breakerstats/internal/stats"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const tracerName = "github.com/wudi/breakerstats/internal/circuitbreaker"

var (
	// ErrCapacityExceeded is returned when every concurrent call slot is taken.
	ErrCapacityExceeded = errors.New("circuit breaker capacity exceeded")

	// ErrShutdown is returned by lookups once the breaker or its registry has been shut down.
	ErrShutdown = errors.New("circuit breaker shut down")

	// ErrUnknownBreaker is returned by Registry.Lookup for names it does not hold.
	ErrUnknownBreaker = errors.New("unknown circuit breaker")
)

// Func is a call protected by the breaker.
type Func func(ctx context.Context) (any, error)

// Fallback produces a result when the call is rejected or fails.
type Fallback func(ctx context.Context, err error) (any, error)

// Option customises a Breaker.
type Option func(*Breaker)

// WithLogger sets the breaker logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Breaker) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithTracerProvider sets where Do spans are recorded. Defaults to the otel global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(b *Breaker) {
		if tp != nil {
			b.tracer = tp.Tracer(tracerName)
		}
	}
}

// Breaker wraps calls in a circuit breaker and records every outcome in a
// rolling statistics window.
type Breaker struct {
	name   string
	cfg    config.CircuitBreakerConfig
	cb     *gobreaker.TwoStepCircuitBreaker[any]
	status *stats.Status
	sem    *semaphore.Weighted
	cache  *expirable.LRU[string, any]
	tracer trace.Tracer
	logger *zap.Logger

	stopped atomic.Bool

	onStateChange func(from, to string)
}

// NewBreaker creates a breaker named name. onStateChange, when non-nil, is
// called with gobreaker state names on every transition; it runs while the
// breaker state is locked and must not call back into the breaker.
func NewBreaker(name string, cfg config.BreakerConfig, onStateChange func(from, to string), opts ...Option) (*Breaker, error) {
	b := &Breaker{
		name:          name,
		cfg:           cfg.CircuitBreaker,
		tracer:        otel.GetTracerProvider().Tracer(tracerName),
		logger:        logging.Named("circuitbreaker"),
		onStateChange: onStateChange,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With(zap.String("breaker", name))

	status, err := stats.New(config.StatsSettings(cfg.Stats), stats.WithName(name), stats.WithLogger(b.logger))
	if err != nil {
		return nil, err
	}
	b.status = status

	if b.cfg.Capacity > 0 {
		b.sem = semaphore.NewWeighted(int64(b.cfg.Capacity))
	}
	if b.cfg.CacheTTL > 0 {
		b.cache = expirable.NewLRU[string, any](b.cfg.CacheSize, nil, b.cfg.CacheTTL)
	}

	b.cb = gobreaker.NewTwoStepCircuitBreaker[any](gobreaker.Settings{
		Name:          name,
		MaxRequests:   uint32(b.cfg.MaxRequests),
		Timeout:       b.cfg.Timeout,
		ReadyToTrip:   b.readyToTrip,
		OnStateChange: b.stateChanged,
		IsExcluded: func(err error) bool {
			return errors.Is(err, ErrCapacityExceeded) || errors.Is(err, context.Canceled)
		},
	})

	return b, nil
}

// readyToTrip opens the breaker once the window holds enough calls and the
// window error percentage reaches the threshold.
func (b *Breaker) readyToTrip(gobreaker.Counts) bool {
	counts := b.status.Counts()
	if counts.Fires < int64(b.cfg.VolumeThreshold) {
		return false
	}
	return stats.Stats{Bucket: counts}.ErrorPercentage() >= b.cfg.ErrorThresholdPercentage
}

func (b *Breaker) stateChanged(_ string, from, to gobreaker.State) {
	switch to {
	case gobreaker.StateOpen:
		b.status.Open()
	case gobreaker.StateClosed:
		b.status.Close()
	}
	b.logger.Info("circuit breaker state changed",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
	if b.onStateChange != nil {
		b.onStateChange(from.String(), to.String())
	}
}

// Name returns the breaker name.
func (b *Breaker) Name() string {
	return b.name
}

// State returns the gobreaker state name: closed, half-open or open.
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Allow checks if a request should be allowed through the circuit breaker.
// On success the caller must invoke done exactly once with the call outcome.
func (b *Breaker) Allow() (done func(error), err error) {
	b.status.Increment(stats.Fires)
	return b.allow()
}

func (b *Breaker) allow() (func(error), error) {
	done, err := b.cb.Allow()
	if err != nil {
		b.status.Increment(stats.Rejects)
		return nil, err
	}
	start := time.Now()
	return func(callErr error) {
		b.record(callErr, time.Since(start))
		done(callErr)
	}, nil
}

// record classifies an outcome into the rolling window.
func (b *Breaker) record(err error, latency time.Duration) {
	switch {
	case err == nil:
		b.status.Observe(stats.Successes, latency)
	case errors.Is(err, context.DeadlineExceeded):
		b.status.Observe(stats.Timeouts, latency)
	case errors.Is(err, ErrCapacityExceeded), errors.Is(err, context.Canceled):
	default:
		b.status.Observe(stats.Failures, latency)
	}
}

// Do runs fn through the breaker. A non-empty key consults the result cache
// when caching is configured. fallback, when non-nil, handles rejections and
// failures.
func (b *Breaker) Do(ctx context.Context, key string, fn Func, fallback Fallback) (any, error) {
	ctx, span := b.tracer.Start(ctx, "circuitbreaker.do",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("breaker.name", b.name)),
	)
	defer span.End()

	b.status.Increment(stats.Fires)

	useCache := b.cache != nil && key != ""
	if useCache {
		if v, ok := b.cache.Get(key); ok {
			b.status.Increment(stats.CacheHits)
			span.SetAttributes(attribute.String("breaker.outcome", "cache_hit"))
			return v, nil
		}
		b.status.Increment(stats.CacheMisses)
	}

	done, err := b.allow()
	if err != nil {
		return b.fail(ctx, span, "rejected", err, fallback)
	}

	if b.sem != nil {
		if !b.sem.TryAcquire(1) {
			b.status.Increment(stats.SemaphoreRejections)
			done(ErrCapacityExceeded)
			return b.fail(ctx, span, "semaphore_rejected", ErrCapacityExceeded, fallback)
		}
		defer b.sem.Release(1)
	}

	callCtx := ctx
	if b.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
		defer cancel()
	}

	v, err := fn(callCtx)
	done(err)
	if err != nil {
		outcome := "failure"
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = "timeout"
		}
		return b.fail(ctx, span, outcome, err, fallback)
	}

	if useCache {
		b.cache.Add(key, v)
	}
	span.SetAttributes(attribute.String("breaker.outcome", "success"))
	return v, nil
}

func (b *Breaker) fail(ctx context.Context, span trace.Span, outcome string, err error, fallback Fallback) (any, error) {
	span.SetAttributes(attribute.String("breaker.outcome", outcome))
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if fallback == nil {
		return nil, err
	}
	b.status.Increment(stats.Fallbacks)
	span.SetAttributes(attribute.Bool("breaker.fallback", true))
	return fallback(ctx, err)
}

// Stats returns the rolling-window aggregate.
func (b *Breaker) Stats() stats.Stats {
	return b.status.Stats()
}

// Window returns a copy of the rolling-window buckets, newest first.
func (b *Breaker) Window() []stats.Bucket {
	return b.status.Window()
}

// Subscribe registers l for the per-rotation snapshot.
func (b *Breaker) Subscribe(l stats.Listener) (unsubscribe func()) {
	return b.status.Subscribe(l)
}

// Shutdown stops the rolling window timers. Safe to call more than once.
func (b *Breaker) Shutdown() {
	b.stopped.Store(true)
	b.status.Shutdown()
}

// IsShutdown reports whether Shutdown has been called.
func (b *Breaker) IsShutdown() bool {
	return b.stopped.Load()
}

// Snapshot returns a point-in-time view of the breaker state
func (b *Breaker) Snapshot() BreakerSnapshot {
	return BreakerSnapshot{
		Name:  b.name,
		State: b.State(),
		Stats: b.status.Stats(),
	}
}

// BreakerSnapshot is a point-in-time view of a circuit breaker
type BreakerSnapshot struct {
	Name  string      `json:"name"`
	State string      `json:"state"`
	Stats stats.Stats `json:"stats"`
}
