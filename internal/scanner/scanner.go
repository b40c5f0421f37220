package scanner

import (
	"sort"
	"sync"
	"time"

	"funding-arb-bot/internal/config"
	"funding-arb-bot/internal/registry"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const hoursPerYear = 24 * 365

type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusFailed  Status = "failed"
)

// Opportunity is a qualifying long/short funding spread between two
// venues. Recomputed each scan; the (instrument, longVenue, shortVenue)
// triple identifies it across scans.
type Opportunity struct {
	ID             string
	Instrument     string
	LongVenue      string
	ShortVenue     string
	LongRate       float64
	ShortRate      float64
	NetHourlyRate  float64
	AnnualizedRate float64
	Confidence     float64
	DetectedAt     time.Time
	Status         Status
}

type tripleKey struct {
	instrument string
	longVenue  string
	shortVenue string
}

// Scanner derives opportunities from registry rates. Pending entries
// are upserted in place so repeat scans with unchanged data keep the
// same id.
type Scanner struct {
	cfg      config.EngineConfig
	registry *registry.Registry
	log      *zap.Logger

	mu      sync.Mutex
	pending map[tripleKey]*Opportunity

	now func() time.Time
}

func New(cfg config.EngineConfig, reg *registry.Registry, log *zap.Logger) *Scanner {
	return &Scanner{
		cfg:      cfg,
		registry: reg,
		log:      log,
		pending:  make(map[tripleKey]*Opportunity),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Scan evaluates every ordered venue pair for the instrument. The
// result is sorted best-first: highest annualized rate, then highest
// confidence. Markets with no current rate are skipped for this cycle.
func (s *Scanner) Scan(instrument string) []Opportunity {
	rates := make(map[string]float64, len(s.cfg.TargetVenues))
	for _, venue := range s.cfg.TargetVenues {
		sample, ok := s.registry.Current(venue, instrument)
		if !ok {
			if s.log != nil {
				s.log.Debug("no funding rate, skipping venue", zap.String("venue", venue), zap.String("instrument", instrument))
			}
			continue
		}
		rates[venue] = sample.HourlyRate
	}

	now := s.now()
	var found []Opportunity
	for _, longVenue := range s.cfg.TargetVenues {
		longRate, ok := rates[longVenue]
		if !ok {
			continue
		}
		for _, shortVenue := range s.cfg.TargetVenues {
			if shortVenue == longVenue {
				continue
			}
			shortRate, ok := rates[shortVenue]
			if !ok {
				continue
			}
			netRate := longRate - shortRate
			annualized := netRate * hoursPerYear
			if netRate < s.cfg.MinNetHourlyRate || annualized < s.cfg.MinAnnualizedRate {
				continue
			}
			opp := s.upsert(tripleKey{instrument, longVenue, shortVenue}, Opportunity{
				Instrument:     instrument,
				LongVenue:      longVenue,
				ShortVenue:     shortVenue,
				LongRate:       longRate,
				ShortRate:      shortRate,
				NetHourlyRate:  netRate,
				AnnualizedRate: annualized,
				Confidence:     s.confidence(instrument, longVenue, shortVenue, netRate),
				DetectedAt:     now,
				Status:         StatusPending,
			})
			found = append(found, opp)
		}
	}

	sort.Slice(found, func(i, j int) bool {
		if found[i].AnnualizedRate != found[j].AnnualizedRate {
			return found[i].AnnualizedRate > found[j].AnnualizedRate
		}
		return found[i].Confidence > found[j].Confidence
	})
	return found
}

// confidence starts at the configured base and is adjusted by the
// historical average net rate over the lookback window: boosted when
// history agrees in direction and covers at least 80% of the current
// spread, penalized when history is non-positive. Missing history
// leaves the base untouched.
func (s *Scanner) confidence(instrument, longVenue, shortVenue string, netRate float64) float64 {
	conf := s.cfg.BaseConfidence
	lookback := time.Duration(s.cfg.MinHistoricalDataHours) * time.Hour
	longAvg, errLong := s.registry.Average(longVenue, instrument, lookback)
	shortAvg, errShort := s.registry.Average(shortVenue, instrument, lookback)
	if errLong != nil || errShort != nil {
		return clampConfidence(conf)
	}
	histNet := longAvg - shortAvg
	switch {
	case histNet > 0 && histNet >= 0.8*netRate:
		conf += s.cfg.ConfidenceAdjustment
	case histNet <= 0:
		conf -= s.cfg.ConfidenceAdjustment
	}
	return clampConfidence(conf)
}

func clampConfidence(conf float64) float64 {
	if conf < 0.05 {
		return 0.05
	}
	if conf > 0.99 {
		return 0.99
	}
	return conf
}

func (s *Scanner) upsert(k tripleKey, next Opportunity) Opportunity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.pending[k]; ok && existing.Status == StatusPending {
		next.ID = existing.ID
		next.DetectedAt = existing.DetectedAt
		*existing = next
		return next
	}
	next.ID = uuid.NewString()
	s.pending[k] = &next
	return next
}

// Pending returns a snapshot of all tracked opportunities.
func (s *Scanner) Pending() []Opportunity {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Opportunity, 0, len(s.pending))
	for _, opp := range s.pending {
		out = append(out, *opp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out
}

// MarkActive flips a pending opportunity to active once a position is
// opened against it.
func (s *Scanner) MarkActive(id string) {
	s.setStatus(id, StatusActive)
}

// MarkFailed records that acting on the opportunity failed.
func (s *Scanner) MarkFailed(id string) {
	s.setStatus(id, StatusFailed)
}

func (s *Scanner) setStatus(id string, status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, opp := range s.pending {
		if opp.ID == id {
			opp.Status = status
			return
		}
	}
}

// ExpireStale moves pending opportunities past the TTL to expired and
// drops terminal entries from tracking.
func (s *Scanner) ExpireStale() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, opp := range s.pending {
		if opp.Status == StatusPending && now.Sub(opp.DetectedAt) > s.cfg.OpportunityTTL {
			opp.Status = StatusExpired
		}
		if opp.Status == StatusExpired || opp.Status == StatusFailed {
			delete(s.pending, k)
		}
	}
}
