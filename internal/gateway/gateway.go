package gateway

import (
	"context"
	"time"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

type OrderType string

const OrderTypeMarket OrderType = "market"

// FundingRateSample is one observation of a venue's hourly funding rate
// for an instrument. Immutable once recorded.
type FundingRateSample struct {
	Venue            string
	Instrument       string
	HourlyRate       float64
	ObservedAt       time.Time
	NextSettlementAt time.Time
}

type FundingPayment struct {
	Timestamp time.Time
	Amount    float64
}

type OrderRequest struct {
	Venue         string
	Instrument    string
	Type          OrderType
	Side          Side
	Quantity      float64
	ClientOrderID string
}

type OrderResult struct {
	ID          string
	FilledPrice float64
}

// Client is the engine's only view of venue connectivity. Every call
// carries a deadline through ctx; implementations must not retry
// internally, the executor owns retry policy.
type Client interface {
	FundingRate(ctx context.Context, venue, instrument string) (FundingRateSample, error)
	HistoricalFundingRates(ctx context.Context, venue, instrument string, hours int) ([]FundingRateSample, error)
	Price(ctx context.Context, venue, instrument string) (float64, error)
	CreateOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	FundingPayments(ctx context.Context, venue, instrument string, since time.Time) ([]FundingPayment, error)
}
