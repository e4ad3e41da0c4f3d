// Package stats keeps rolling-window outcome counters and latency
// percentiles for a circuit breaker.
//
// A Status owns a fixed ring of N buckets. Bucket 0 is the current time
// slice and receives every recorded event; a background ticker rotates the
// ring every Timeout/N, evicting the oldest bucket. A second ticker at the
// same cadence publishes the aggregate to registered listeners.
package stats

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wudi/breakerstats/internal/logging"
	"go.uber.org/zap"
)

// Construction errors.
var (
	ErrInvalidBuckets = errors.New("rolling count buckets must be positive")
	ErrInvalidTimeout = errors.New("rolling count timeout must be at least 1ms")
	ErrBucketTooSmall = errors.New("rolling count buckets exceed timeout in milliseconds")
)

// Config sizes the rolling window.
type Config struct {
	// Buckets is the number of time slices in the window.
	Buckets int
	// Timeout is the total trailing duration covered by the window.
	Timeout time.Duration
	// PercentilesEnabled turns on latency pooling, mean and percentile computation.
	PercentilesEnabled bool
}

// BucketDuration returns Timeout/Buckets truncated to whole milliseconds.
func (c Config) BucketDuration() time.Duration {
	if c.Buckets <= 0 {
		return 0
	}
	return time.Duration(c.Timeout.Milliseconds()/int64(c.Buckets)) * time.Millisecond
}

// Validate reports the first sizing problem in c.
func (c Config) Validate() error {
	if c.Buckets <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidBuckets, c.Buckets)
	}
	if c.Timeout < time.Millisecond {
		return fmt.Errorf("%w: got %s", ErrInvalidTimeout, c.Timeout)
	}
	if c.BucketDuration() <= 0 {
		return fmt.Errorf("%w: %d buckets over %s", ErrBucketTooSmall, c.Buckets, c.Timeout)
	}
	return nil
}

// Option customises a Status.
type Option func(*Status)

// WithLogger sets the logger used for lifecycle and listener failures.
func WithLogger(l *zap.Logger) Option {
	return func(s *Status) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithName labels the Status in logs. Defaults to a random UUID.
func WithName(name string) Option {
	return func(s *Status) {
		if name != "" {
			s.name = name
		}
	}
}

// Status is the rolling window for one breaker. All methods are safe for
// concurrent use.
type Status struct {
	name      string
	cfg       Config
	bucketDur time.Duration
	logger    *zap.Logger

	mu      sync.RWMutex
	buckets []*Bucket

	listeners listeners

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New validates cfg, primes N empty buckets and starts the rotation and
// snapshot tickers.
func New(cfg Config, opts ...Option) (*Status, error) {
	s, err := newStatus(cfg, opts...)
	if err != nil {
		return nil, err
	}
	s.wg.Add(2)
	go s.runRotator()
	go s.runNotifier()

	s.logger.Debug("rolling window started",
		zap.Int("buckets", cfg.Buckets),
		zap.Duration("bucket_duration", s.bucketDur),
		zap.Bool("percentiles", cfg.PercentilesEnabled),
	)
	return s, nil
}

// newStatus builds a Status without starting its tickers.
func newStatus(cfg Config, opts ...Option) (*Status, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Status{
		name:      uuid.NewString(),
		cfg:       cfg,
		bucketDur: cfg.BucketDuration(),
		logger:    logging.Global(),
		buckets:   make([]*Bucket, cfg.Buckets),
		stopCh:    make(chan struct{}),
	}
	for i := range s.buckets {
		s.buckets[i] = newBucket()
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("status", s.name))
	return s, nil
}

// Name returns the label given with WithName.
func (s *Status) Name() string {
	return s.name
}

// Increment adds one to kind in the current bucket. Latency-carrying kinds
// record a 0ms sample.
func (s *Status) Increment(kind EventKind) {
	s.Observe(kind, 0)
}

// Observe adds one to kind in the current bucket and, for successes,
// failures and timeouts, records latency when percentiles are enabled.
func (s *Status) Observe(kind EventKind, latency time.Duration) {
	s.mu.Lock()
	cur := s.buckets[0]
	c := cur.counter(kind)
	if c == nil {
		s.mu.Unlock()
		s.logger.Debug("ignoring unknown event", zap.String("event", string(kind)))
		return
	}
	*c++
	if s.cfg.PercentilesEnabled && kind.carriesLatency() {
		cur.LatencyTimes = append(cur.LatencyTimes, float64(latency)/float64(time.Millisecond))
	}
	s.mu.Unlock()
}

// Open marks the breaker as open in the current bucket.
func (s *Status) Open() {
	s.setOpen(true)
}

// Close marks the breaker as closed in the current bucket.
func (s *Status) Close() {
	s.setOpen(false)
}

func (s *Status) setOpen(open bool) {
	s.mu.Lock()
	s.buckets[0].IsCircuitBreakerOpen = open
	s.mu.Unlock()
}

// Stats reduces the whole window into a fresh aggregate.
func (s *Status) Stats() Stats {
	s.mu.RLock()
	acc := accumulate(s.buckets, s.cfg.PercentilesEnabled)
	s.mu.RUnlock()
	return finalize(acc, s.cfg.PercentilesEnabled)
}

// Counts sums the counters across the window without pooling latencies.
func (s *Status) Counts() Bucket {
	var acc Bucket
	s.mu.RLock()
	for _, b := range s.buckets {
		if b != nil {
			acc.addCounts(b)
		}
	}
	acc.IsCircuitBreakerOpen = s.buckets[0].IsCircuitBreakerOpen
	s.mu.RUnlock()
	acc.LatencyTimes = []float64{}
	return acc
}

// Window returns a deep copy of the buckets, newest first.
func (s *Status) Window() []Bucket {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Bucket, len(s.buckets))
	for i, b := range s.buckets {
		out[i] = b.clone()
	}
	return out
}

// Subscribe registers l for snapshot notifications and returns a function
// that removes it. Listeners run on the notifier goroutine and each receives
// its own copy of the Stats. They must not call Shutdown synchronously.
func (s *Status) Subscribe(l Listener) (unsubscribe func()) {
	return s.listeners.add(l)
}

// Shutdown stops both tickers, drops all listeners and waits for any
// in-flight tick to finish. Safe to call more than once.
func (s *Status) Shutdown() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.listeners.close()
		s.wg.Wait()
		s.logger.Debug("rolling window stopped")
	})
}

func (s *Status) runRotator() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.bucketDur)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if s.stopped() {
				return
			}
			s.rotate()
		}
	}
}

func (s *Status) runNotifier() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.bucketDur)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if s.stopped() {
				return
			}
			s.listeners.notify(s.Stats(), s.logger)
		}
	}
}

func (s *Status) stopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// rotate evicts the oldest bucket and pushes a fresh one at index 0.
func (s *Status) rotate() {
	s.mu.Lock()
	copy(s.buckets[1:], s.buckets[:len(s.buckets)-1])
	s.buckets[0] = newBucket()
	s.mu.Unlock()
}
