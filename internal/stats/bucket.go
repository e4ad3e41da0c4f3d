package stats

// Bucket holds the counters recorded during one time slice of the window.
type Bucket struct {
	Fires               int64 `json:"fires"`
	Successes           int64 `json:"successes"`
	Failures            int64 `json:"failures"`
	Timeouts            int64 `json:"timeouts"`
	Fallbacks           int64 `json:"fallbacks"`
	Rejects             int64 `json:"rejects"`
	CacheHits           int64 `json:"cacheHits"`
	CacheMisses         int64 `json:"cacheMisses"`
	SemaphoreRejections int64 `json:"semaphoreRejections"`

	IsCircuitBreakerOpen bool `json:"isCircuitBreakerOpen"`

	// LatencyTimes are latency samples in milliseconds, in arrival order.
	LatencyTimes []float64 `json:"latencyTimes"`
}

func newBucket() *Bucket {
	return &Bucket{LatencyTimes: []float64{}}
}

// counter returns a pointer to the field backing kind, or nil for an unknown kind.
func (b *Bucket) counter(kind EventKind) *int64 {
	switch kind {
	case Fires:
		return &b.Fires
	case Successes:
		return &b.Successes
	case Failures:
		return &b.Failures
	case Timeouts:
		return &b.Timeouts
	case Fallbacks:
		return &b.Fallbacks
	case Rejects:
		return &b.Rejects
	case CacheHits:
		return &b.CacheHits
	case CacheMisses:
		return &b.CacheMisses
	case SemaphoreRejections:
		return &b.SemaphoreRejections
	}
	return nil
}

// Count returns the value of the counter named by kind.
func (b Bucket) Count(kind EventKind) int64 {
	if c := (&b).counter(kind); c != nil {
		return *c
	}
	return 0
}

// addCounts adds every counter of o into b. Latency samples and the open flag are untouched.
func (b *Bucket) addCounts(o *Bucket) {
	b.Fires += o.Fires
	b.Successes += o.Successes
	b.Failures += o.Failures
	b.Timeouts += o.Timeouts
	b.Fallbacks += o.Fallbacks
	b.Rejects += o.Rejects
	b.CacheHits += o.CacheHits
	b.CacheMisses += o.CacheMisses
	b.SemaphoreRejections += o.SemaphoreRejections
}

func (b *Bucket) clone() Bucket {
	c := *b
	c.LatencyTimes = make([]float64, len(b.LatencyTimes))
	copy(c.LatencyTimes, b.LatencyTimes)
	return c
}
