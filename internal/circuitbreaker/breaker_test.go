package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/wudi/breakerstats/internal/config"
	"github.com/wudi/breakerstats/internal/stats"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
)

var errBackend = errors.New("backend error")

func testConfig(cb config.CircuitBreakerConfig) config.BreakerConfig {
	if cb.ErrorThresholdPercentage == 0 {
		cb.ErrorThresholdPercentage = 50
	}
	if cb.Timeout == 0 {
		cb.Timeout = 10 * time.Second
	}
	return config.BreakerConfig{
		Stats: config.StatsConfig{
			RollingCountBuckets: 10,
			RollingCountTimeout: 10 * time.Second,
		},
		CircuitBreaker: cb,
	}
}

func newTestBreaker(t *testing.T, cb config.CircuitBreakerConfig, onStateChange func(from, to string)) *Breaker {
	t.Helper()
	b, err := NewBreaker("test", testConfig(cb), onStateChange, WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("NewBreaker: %v", err)
	}
	t.Cleanup(b.Shutdown)
	return b
}

func TestNewBreakerRejectsBadWindow(t *testing.T) {
	cfg := testConfig(config.CircuitBreakerConfig{})
	cfg.Stats.RollingCountBuckets = 100
	cfg.Stats.RollingCountTimeout = 10 * time.Millisecond

	if _, err := NewBreaker("bad", cfg, nil); !errors.Is(err, stats.ErrBucketTooSmall) {
		t.Errorf("expected ErrBucketTooSmall, got %v", err)
	}
}

func TestBreakerClosedToOpen(t *testing.T) {
	b := newTestBreaker(t, config.CircuitBreakerConfig{VolumeThreshold: 3}, nil)

	// Below the volume threshold: still closed
	for i := 0; i < 2; i++ {
		done, err := b.Allow()
		if err != nil {
			t.Fatal("expected allowed in closed state")
		}
		done(errBackend)
	}
	if b.State() != "closed" {
		t.Errorf("expected closed after 2 failures, got %s", b.State())
	}

	done, err := b.Allow()
	if err != nil {
		t.Fatal("expected allowed before recording 3rd failure")
	}
	done(errBackend)

	snap := b.Snapshot()
	if snap.State != "open" {
		t.Errorf("expected open after 3 failures, got %s", snap.State)
	}
	if !snap.Stats.IsCircuitBreakerOpen {
		t.Error("expected current bucket to record the open state")
	}
	if snap.Stats.Fires != 3 || snap.Stats.Failures != 3 {
		t.Errorf("expected 3 fires and 3 failures, got %+v", snap.Stats.Bucket)
	}
}

func TestBreakerErrorPercentageBelowThreshold(t *testing.T) {
	b := newTestBreaker(t, config.CircuitBreakerConfig{}, nil)

	for i := 0; i < 3; i++ {
		done, _ := b.Allow()
		done(nil)
	}
	done, _ := b.Allow()
	done(errBackend)

	if b.State() != "closed" {
		t.Errorf("expected closed at 25%% errors, got %s", b.State())
	}

	// 2 of 5 = 40%, then 3 of 6 = 50% trips
	done, _ = b.Allow()
	done(errBackend)
	if b.State() != "closed" {
		t.Errorf("expected closed at 40%% errors, got %s", b.State())
	}
	done, _ = b.Allow()
	done(errBackend)
	if b.State() != "open" {
		t.Errorf("expected open at 50%% errors, got %s", b.State())
	}
}

func TestBreakerOpenRejectsRequests(t *testing.T) {
	b := newTestBreaker(t, config.CircuitBreakerConfig{}, nil)

	done, _ := b.Allow()
	done(errBackend)

	_, err := b.Allow()
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected ErrOpenState, got %v", err)
	}

	st := b.Stats()
	if st.Rejects != 1 {
		t.Errorf("expected 1 reject, got %d", st.Rejects)
	}
	if st.Fires != 2 {
		t.Errorf("expected 2 fires, got %d", st.Fires)
	}
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	var mu sync.Mutex
	var transitions []string
	b := newTestBreaker(t, config.CircuitBreakerConfig{
		Timeout:     50 * time.Millisecond,
		MaxRequests: 1,
	}, func(from, to string) {
		mu.Lock()
		transitions = append(transitions, from+"->"+to)
		mu.Unlock()
	})

	done, _ := b.Allow()
	done(errBackend)

	time.Sleep(60 * time.Millisecond)

	done, err := b.Allow()
	if err != nil {
		t.Fatalf("expected allowed after timeout (half-open), got %v", err)
	}
	if b.State() != "half-open" {
		t.Errorf("expected half-open, got %s", b.State())
	}
	done(nil)

	if b.State() != "closed" {
		t.Errorf("expected closed after a successful trial request, got %s", b.State())
	}
	if b.Window()[0].IsCircuitBreakerOpen {
		t.Error("expected current bucket to record the closed state")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"closed->open", "open->half-open", "half-open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], transitions[i])
		}
	}
}

func TestDoRecordsOutcomes(t *testing.T) {
	b := newTestBreaker(t, config.CircuitBreakerConfig{ErrorThresholdPercentage: 100, VolumeThreshold: 100}, nil)
	ctx := context.Background()

	v, err := b.Do(ctx, "", func(context.Context) (any, error) {
		time.Sleep(5 * time.Millisecond)
		return "ok", nil
	}, nil)
	if err != nil || v != "ok" {
		t.Fatalf("expected ok, got %v %v", v, err)
	}

	_, err = b.Do(ctx, "", func(context.Context) (any, error) {
		return nil, errBackend
	}, nil)
	if !errors.Is(err, errBackend) {
		t.Fatalf("expected backend error, got %v", err)
	}

	st := b.Stats()
	if st.Fires != 2 || st.Successes != 1 || st.Failures != 1 {
		t.Errorf("unexpected counters %+v", st.Bucket)
	}
	if len(st.LatencyTimes) != 2 {
		t.Fatalf("expected 2 latency samples, got %v", st.LatencyTimes)
	}
	if hi, _ := st.Percentile(1.0); hi < 5 {
		t.Errorf("expected max latency >= 5ms, got %v", hi)
	}
}

func TestDoTimeout(t *testing.T) {
	b := newTestBreaker(t, config.CircuitBreakerConfig{
		CallTimeout:     20 * time.Millisecond,
		VolumeThreshold: 100,
	}, nil)

	_, err := b.Do(context.Background(), "", func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	st := b.Stats()
	if st.Timeouts != 1 {
		t.Errorf("expected 1 timeout, got %d", st.Timeouts)
	}
	if st.Failures != 0 {
		t.Errorf("timeouts should not double count as failures, got %d", st.Failures)
	}
	if st.ErrorPercentage() != 100 {
		t.Errorf("expected 100%% error percentage, got %v", st.ErrorPercentage())
	}
}

func TestDoFallbackOnRejection(t *testing.T) {
	b := newTestBreaker(t, config.CircuitBreakerConfig{}, nil)
	ctx := context.Background()

	fallback := func(_ context.Context, err error) (any, error) {
		return "fallback", nil
	}

	v, err := b.Do(ctx, "", func(context.Context) (any, error) { return nil, errBackend }, fallback)
	if err != nil || v != "fallback" {
		t.Fatalf("expected fallback after failure, got %v %v", v, err)
	}
	if b.State() != "open" {
		t.Fatalf("expected open, got %s", b.State())
	}

	called := false
	v, err = b.Do(ctx, "", func(context.Context) (any, error) {
		called = true
		return "live", nil
	}, fallback)
	if called {
		t.Error("fn should not run while open")
	}
	if err != nil || v != "fallback" {
		t.Errorf("expected fallback while open, got %v %v", v, err)
	}

	st := b.Stats()
	if st.Fallbacks != 2 || st.Rejects != 1 || st.Failures != 1 {
		t.Errorf("unexpected counters %+v", st.Bucket)
	}
}

func TestDoCache(t *testing.T) {
	b := newTestBreaker(t, config.CircuitBreakerConfig{CacheTTL: time.Minute, CacheSize: 4}, nil)
	ctx := context.Background()

	calls := 0
	fn := func(context.Context) (any, error) {
		calls++
		return calls, nil
	}

	first, _ := b.Do(ctx, "user:1", fn, nil)
	second, _ := b.Do(ctx, "user:1", fn, nil)
	if calls != 1 {
		t.Errorf("expected fn called once, got %d", calls)
	}
	if first != second {
		t.Errorf("expected cached result %v, got %v", first, second)
	}

	// empty key bypasses the cache
	b.Do(ctx, "", fn, nil)
	if calls != 2 {
		t.Errorf("expected empty key to bypass cache, calls=%d", calls)
	}

	st := b.Stats()
	if st.CacheHits != 1 || st.CacheMisses != 1 {
		t.Errorf("expected 1 hit and 1 miss, got %+v", st.Bucket)
	}
	if st.Fires != 3 || st.Successes != 2 {
		t.Errorf("expected 3 fires and 2 successes, got %+v", st.Bucket)
	}
}

func TestDoCapacity(t *testing.T) {
	b := newTestBreaker(t, config.CircuitBreakerConfig{Capacity: 1}, nil)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		b.Do(ctx, "", func(context.Context) (any, error) {
			close(started)
			<-release
			return nil, nil
		}, nil)
	}()
	<-started

	_, err := b.Do(ctx, "", func(context.Context) (any, error) { return nil, nil }, nil)
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Errorf("expected ErrCapacityExceeded, got %v", err)
	}

	close(release)
	<-finished

	st := b.Stats()
	if st.SemaphoreRejections != 1 {
		t.Errorf("expected 1 semaphore rejection, got %d", st.SemaphoreRejections)
	}
	if st.Failures != 0 {
		t.Errorf("capacity rejections should not count as failures, got %d", st.Failures)
	}
	if b.State() != "closed" {
		t.Errorf("capacity rejection should not trip the breaker, got %s", b.State())
	}
}

func TestDoRecordsSpan(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	defer tp.Shutdown(context.Background())

	b, err := NewBreaker("traced", testConfig(config.CircuitBreakerConfig{VolumeThreshold: 10}), nil,
		WithLogger(zap.NewNop()), WithTracerProvider(tp))
	if err != nil {
		t.Fatal(err)
	}
	defer b.Shutdown()

	b.Do(context.Background(), "", func(context.Context) (any, error) { return nil, errBackend }, nil)

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != "circuitbreaker.do" {
		t.Errorf("expected span circuitbreaker.do, got %s", span.Name)
	}
	if span.Status.Code != codes.Error {
		t.Errorf("expected error status, got %v", span.Status.Code)
	}

	attrs := map[string]string{}
	for _, kv := range span.Attributes {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs["breaker.name"] != "traced" {
		t.Errorf("expected breaker.name=traced, got %v", attrs)
	}
	if attrs["breaker.outcome"] != "failure" {
		t.Errorf("expected breaker.outcome=failure, got %v", attrs)
	}
}

func TestSubscribeReceivesSnapshots(t *testing.T) {
	cfg := testConfig(config.CircuitBreakerConfig{})
	cfg.Stats.RollingCountBuckets = 2
	cfg.Stats.RollingCountTimeout = 40 * time.Millisecond

	b, err := NewBreaker("fast", cfg, nil, WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatal(err)
	}
	defer b.Shutdown()

	got := make(chan stats.Stats, 16)
	b.Subscribe(stats.ListenerFunc(func(s stats.Stats) {
		select {
		case got <- s:
		default:
		}
	}))

	done, _ := b.Allow()
	done(nil)

	select {
	case s := <-got:
		if len(s.Percentiles) == 0 {
			t.Error("expected percentiles in snapshot")
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot within 1s")
	}
}
