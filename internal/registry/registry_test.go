package registry

import (
	"errors"
	"math"
	"testing"
	"time"

	"funding-arb-bot/internal/gateway"
)

func sampleAt(venue, instrument string, rate float64, at time.Time) gateway.FundingRateSample {
	return gateway.FundingRateSample{
		Venue:      venue,
		Instrument: instrument,
		HourlyRate: rate,
		ObservedAt: at,
	}
}

func TestCurrentReturnsLatestSample(t *testing.T) {
	reg := New(24*time.Hour, 1)
	now := time.Now().UTC()
	reg.Record(sampleAt("alpha", "BTC-PERP", 0.0001, now.Add(-2*time.Minute)))
	reg.Record(sampleAt("alpha", "BTC-PERP", 0.0003, now.Add(-time.Minute)))

	sample, ok := reg.Current("alpha", "BTC-PERP")
	if !ok {
		t.Fatalf("expected current sample")
	}
	if sample.HourlyRate != 0.0003 {
		t.Fatalf("expected latest rate 0.0003, got %v", sample.HourlyRate)
	}
	if _, ok := reg.Current("alpha", "ETH-PERP"); ok {
		t.Fatalf("expected no sample for unknown instrument")
	}
}

func TestAverageOverLookback(t *testing.T) {
	reg := New(24*time.Hour, 2)
	now := time.Now().UTC()
	reg.Record(sampleAt("alpha", "BTC-PERP", 0.0005, now.Add(-10*time.Hour)))
	reg.Record(sampleAt("alpha", "BTC-PERP", 0.0001, now.Add(-2*time.Hour)))
	reg.Record(sampleAt("alpha", "BTC-PERP", 0.0003, now.Add(-time.Hour)))

	avg, err := reg.Average("alpha", "BTC-PERP", 3*time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(avg-0.0002) > 1e-12 {
		t.Fatalf("expected average 0.0002 over window, got %v", avg)
	}
}

func TestAverageInsufficientData(t *testing.T) {
	reg := New(24*time.Hour, 3)
	now := time.Now().UTC()
	reg.Record(sampleAt("alpha", "BTC-PERP", 0.0001, now.Add(-time.Hour)))
	reg.Record(sampleAt("alpha", "BTC-PERP", 0.0002, now.Add(-30*time.Minute)))

	if _, err := reg.Average("alpha", "BTC-PERP", 2*time.Hour); !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
}

func TestAverageUnknownMarket(t *testing.T) {
	reg := New(24*time.Hour, 1)
	if _, err := reg.Average("alpha", "BTC-PERP", time.Hour); !errors.Is(err, ErrUnknownMarket) {
		t.Fatalf("expected ErrUnknownMarket, got %v", err)
	}
}

func TestAverageRejectsNonPositiveLookback(t *testing.T) {
	reg := New(24*time.Hour, 1)
	if _, err := reg.Average("alpha", "BTC-PERP", 0); err == nil {
		t.Fatalf("expected error for zero lookback")
	}
}

func TestRetentionPrunesOldSamples(t *testing.T) {
	reg := New(time.Hour, 1)
	now := time.Now().UTC()
	reg.Record(sampleAt("alpha", "BTC-PERP", 0.0001, now.Add(-3*time.Hour)))
	reg.Record(sampleAt("alpha", "BTC-PERP", 0.0002, now.Add(-2*time.Hour)))
	reg.Record(sampleAt("alpha", "BTC-PERP", 0.0003, now))

	if got := reg.SampleCount("alpha", "BTC-PERP"); got != 1 {
		t.Fatalf("expected 1 sample after pruning, got %d", got)
	}
	sample, ok := reg.Current("alpha", "BTC-PERP")
	if !ok || sample.HourlyRate != 0.0003 {
		t.Fatalf("expected newest sample to survive, got %+v ok=%v", sample, ok)
	}
}

func TestBucketsAreIndependent(t *testing.T) {
	reg := New(24*time.Hour, 1)
	now := time.Now().UTC()
	reg.Record(sampleAt("alpha", "BTC-PERP", 0.0001, now))
	reg.Record(sampleAt("beta", "BTC-PERP", 0.0002, now))
	reg.Record(sampleAt("alpha", "ETH-PERP", 0.0003, now))

	if got := reg.SampleCount("alpha", "BTC-PERP"); got != 1 {
		t.Fatalf("expected 1 sample for alpha/BTC-PERP, got %d", got)
	}
	sample, _ := reg.Current("beta", "BTC-PERP")
	if sample.HourlyRate != 0.0002 {
		t.Fatalf("expected beta rate untouched, got %v", sample.HourlyRate)
	}
}
