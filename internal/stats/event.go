package stats

import (
	"errors"
	"fmt"
)

// EventKind names one of the per-bucket counters.
type EventKind string

const (
	Fires               EventKind = "fires"
	Successes           EventKind = "successes"
	Failures            EventKind = "failures"
	Timeouts            EventKind = "timeouts"
	Fallbacks           EventKind = "fallbacks"
	Rejects             EventKind = "rejects"
	CacheHits           EventKind = "cacheHits"
	CacheMisses         EventKind = "cacheMisses"
	SemaphoreRejections EventKind = "semaphoreRejections"
)

// ErrUnknownEvent is returned by ParseEventKind for names outside the counter set.
var ErrUnknownEvent = errors.New("unknown event kind")

var eventKinds = []EventKind{
	Fires, Successes, Failures, Timeouts, Fallbacks,
	Rejects, CacheHits, CacheMisses, SemaphoreRejections,
}

// EventKinds returns every counter name in bucket field order.
func EventKinds() []EventKind {
	out := make([]EventKind, len(eventKinds))
	copy(out, eventKinds)
	return out
}

// ParseEventKind maps a counter name to its EventKind.
func ParseEventKind(name string) (EventKind, error) {
	for _, k := range eventKinds {
		if string(k) == name {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEvent, name)
}

func (k EventKind) String() string {
	return string(k)
}

// carriesLatency reports whether events of this kind contribute a latency sample.
func (k EventKind) carriesLatency() bool {
	switch k {
	case Successes, Failures, Timeouts:
		return true
	default:
		return false
	}
}
