package state

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

const ActivePositionsKey = "engine:active_positions"

// LegSnapshot and PositionSnapshot are the persisted form of positions
// the engine could not close during shutdown. They carry enough to
// resume monitoring after a restart; live PnL is re-derived from the
// gateway.
type LegSnapshot struct {
	Venue      string  `json:"venue"`
	Side       string  `json:"side"`
	Quantity   float64 `json:"quantity"`
	EntryPrice float64 `json:"entry_price"`
	OrderRef   string  `json:"order_ref"`
}

type PositionSnapshot struct {
	ID                  string      `json:"id"`
	OpportunityID       string      `json:"opportunity_id"`
	Instrument          string      `json:"instrument"`
	LongLeg             LegSnapshot `json:"long_leg"`
	ShortLeg            LegSnapshot `json:"short_leg"`
	TargetNotionalUSD   float64     `json:"target_notional_usd"`
	FundingCollectedUSD float64     `json:"funding_collected_usd"`
	OpenedAt            time.Time   `json:"opened_at"`
	SavedAt             time.Time   `json:"saved_at"`
}

func LoadActivePositions(ctx context.Context, store Store) ([]PositionSnapshot, error) {
	if store == nil {
		return nil, nil
	}
	raw, ok, err := store.Get(ctx, ActivePositionsKey)
	if err != nil {
		return nil, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var snapshots []PositionSnapshot
	if err := json.Unmarshal([]byte(raw), &snapshots); err != nil {
		return nil, err
	}
	return snapshots, nil
}

func SaveActivePositions(ctx context.Context, store Store, snapshots []PositionSnapshot) error {
	if store == nil {
		return nil
	}
	if len(snapshots) == 0 {
		return store.Delete(ctx, ActivePositionsKey)
	}
	payload, err := json.Marshal(snapshots)
	if err != nil {
		return err
	}
	return store.Set(ctx, ActivePositionsKey, string(payload))
}
