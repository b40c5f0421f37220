package registry

import (
	"errors"
	"sync"
	"time"

	"funding-arb-bot/internal/gateway"
)

var (
	ErrUnknownMarket     = errors.New("no funding data for venue/instrument")
	ErrInsufficientData  = errors.New("insufficient funding history")
	errNonPositiveWindow = errors.New("lookback must be positive")
)

// Registry stores funding-rate samples per (venue, instrument) bucket.
// Each bucket carries its own lock so feed writers on one market never
// block readers of another.
type Registry struct {
	retention  time.Duration
	minSamples int

	mu      sync.RWMutex
	buckets map[key]*bucket
}

type key struct {
	venue      string
	instrument string
}

type bucket struct {
	mu      sync.RWMutex
	samples []gateway.FundingRateSample
}

func New(retention time.Duration, minSamples int) *Registry {
	if minSamples < 1 {
		minSamples = 1
	}
	return &Registry{
		retention:  retention,
		minSamples: minSamples,
		buckets:    make(map[key]*bucket),
	}
}

// Record appends a sample and prunes entries older than the retention
// window. Samples are assumed to arrive roughly in time order.
func (r *Registry) Record(sample gateway.FundingRateSample) {
	b := r.bucketFor(sample.Venue, sample.Instrument)
	cutoff := sample.ObservedAt.Add(-r.retention)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.samples = append(b.samples, sample)
	if r.retention <= 0 {
		return
	}
	drop := 0
	for drop < len(b.samples) && b.samples[drop].ObservedAt.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		b.samples = append(b.samples[:0], b.samples[drop:]...)
	}
}

// Current returns the most recent sample for the market, if any.
func (r *Registry) Current(venue, instrument string) (gateway.FundingRateSample, bool) {
	b, ok := r.lookup(venue, instrument)
	if !ok {
		return gateway.FundingRateSample{}, false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.samples) == 0 {
		return gateway.FundingRateSample{}, false
	}
	return b.samples[len(b.samples)-1], true
}

// Average returns the arithmetic mean of hourly rates observed within
// the trailing lookback window. ErrInsufficientData is returned when
// fewer than the configured minimum number of samples fall inside it.
func (r *Registry) Average(venue, instrument string, lookback time.Duration) (float64, error) {
	if lookback <= 0 {
		return 0, errNonPositiveWindow
	}
	b, ok := r.lookup(venue, instrument)
	if !ok {
		return 0, ErrUnknownMarket
	}
	cutoff := time.Now().UTC().Add(-lookback)
	b.mu.RLock()
	defer b.mu.RUnlock()
	var sum float64
	count := 0
	for _, sample := range b.samples {
		if sample.ObservedAt.Before(cutoff) {
			continue
		}
		sum += sample.HourlyRate
		count++
	}
	if count < r.minSamples {
		return 0, ErrInsufficientData
	}
	return sum / float64(count), nil
}

// SampleCount reports how many samples the market bucket holds.
func (r *Registry) SampleCount(venue, instrument string) int {
	b, ok := r.lookup(venue, instrument)
	if !ok {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.samples)
}

func (r *Registry) bucketFor(venue, instrument string) *bucket {
	k := key{venue: venue, instrument: instrument}
	r.mu.RLock()
	b, ok := r.buckets[k]
	r.mu.RUnlock()
	if ok {
		return b
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.buckets[k]; ok {
		return b
	}
	b = &bucket{}
	r.buckets[k] = b
	return b
}

func (r *Registry) lookup(venue, instrument string) (*bucket, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.buckets[key{venue: venue, instrument: instrument}]
	return b, ok
}
