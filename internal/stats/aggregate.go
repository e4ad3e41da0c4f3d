package stats

import (
	"encoding/json"
	"maps"
	"math"
	"slices"
	"strconv"
)

// Quantiles are the percentile ranks computed for every aggregate.
var Quantiles = []float64{0.0, 0.25, 0.5, 0.75, 0.9, 0.95, 0.99, 0.995, 1.0}

// notComputed marks latency figures when percentile tracking is disabled.
const notComputed = -1

// Percentiles maps a quantile in [0, 1] to a latency in milliseconds.
type Percentiles map[float64]float64

// MarshalJSON renders quantile keys in their shortest decimal form ("0.5", "0.995").
func (p Percentiles) MarshalJSON() ([]byte, error) {
	out := make(map[string]float64, len(p))
	for q, v := range p {
		out[strconv.FormatFloat(q, 'f', -1, 64)] = v
	}
	return json.Marshal(out)
}

// Stats is the cumulative view over every bucket in the window.
type Stats struct {
	Bucket

	LatencyMean float64     `json:"latencyMean"`
	Percentiles Percentiles `json:"percentiles"`
}

// Percentile returns the value computed for quantile p, and false when p is not one of Quantiles.
func (s Stats) Percentile(p float64) (float64, bool) {
	v, ok := s.Percentiles[p]
	return v, ok
}

// clone returns a copy that shares no memory with s.
func (s Stats) clone() Stats {
	c := s
	c.LatencyTimes = slices.Clone(s.LatencyTimes)
	c.Percentiles = maps.Clone(s.Percentiles)
	return c
}

// ErrorPercentage returns (failures+timeouts)/fires as a percentage, 0 when nothing fired.
func (s Stats) ErrorPercentage() float64 {
	return errorPercentage(&s.Bucket)
}

func errorPercentage(b *Bucket) float64 {
	if b.Fires == 0 {
		return 0
	}
	return float64(b.Failures+b.Timeouts) / float64(b.Fires) * 100
}

// accumulate sums counters across buckets and pools latency samples into
// freshly allocated memory. The result shares nothing with the buckets.
func accumulate(buckets []*Bucket, percentilesEnabled bool) Stats {
	var acc Stats
	total := 0
	for _, b := range buckets {
		if b != nil {
			total += len(b.LatencyTimes)
		}
	}
	if percentilesEnabled {
		acc.LatencyTimes = make([]float64, 0, total)
	} else {
		acc.LatencyTimes = []float64{}
	}

	for _, b := range buckets {
		if b == nil {
			continue
		}
		acc.addCounts(b)
		if percentilesEnabled {
			acc.LatencyTimes = append(acc.LatencyTimes, b.LatencyTimes...)
		}
	}
	if len(buckets) > 0 && buckets[0] != nil {
		acc.IsCircuitBreakerOpen = buckets[0].IsCircuitBreakerOpen
	}
	return acc
}

// finalize sorts the pooled latencies and fills the mean and percentile table.
func finalize(acc Stats, percentilesEnabled bool) Stats {
	acc.Percentiles = make(Percentiles, len(Quantiles))
	if !percentilesEnabled {
		acc.LatencyMean = notComputed
		for _, q := range Quantiles {
			acc.Percentiles[q] = notComputed
		}
		return acc
	}

	slices.Sort(acc.LatencyTimes)
	acc.LatencyMean = mean(acc.LatencyTimes)
	for _, q := range Quantiles {
		acc.Percentiles[q] = percentile(acc.LatencyTimes, q)
	}
	return acc
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// percentile returns the nearest-rank value for p from an ascending slice.
// p == 0 yields the minimum; an empty slice yields 0.
func percentile(sorted []float64, p float64) float64 {
	if p == 0 {
		if len(sorted) == 0 {
			return 0
		}
		return sorted[0]
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 || idx >= len(sorted) {
		return 0
	}
	return sorted[idx]
}
