package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"funding-arb-bot/internal/config"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type venueEndpoint struct {
	baseURL string
	limiter *rate.Limiter
}

// RESTClient implements Client against per-venue HTTP APIs. Each venue
// gets its own rate limiter so one venue's backpressure cannot starve
// the others.
type RESTClient struct {
	venues  map[string]venueEndpoint
	http    *http.Client
	timeout time.Duration
	log     *zap.Logger
}

func NewRESTClient(cfg config.GatewayConfig, log *zap.Logger) *RESTClient {
	venues := make(map[string]venueEndpoint, len(cfg.Venues))
	for _, venue := range cfg.Venues {
		venues[venue.Name] = venueEndpoint{
			baseURL: venue.BaseURL,
			limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.RequestBurst),
		}
	}
	return &RESTClient{
		venues:  venues,
		http:    &http.Client{Timeout: cfg.Timeout},
		timeout: cfg.Timeout,
		log:     log,
	}
}

func (c *RESTClient) FundingRate(ctx context.Context, venue, instrument string) (FundingRateSample, error) {
	var payload struct {
		HourlyRate       float64 `json:"hourlyRate"`
		ObservedAtMS     int64   `json:"observedAtMs"`
		NextSettlementMS int64   `json:"nextSettlementMs"`
	}
	query := url.Values{"instrument": {instrument}}
	if err := c.get(ctx, venue, "/funding/current", query, &payload); err != nil {
		return FundingRateSample{}, err
	}
	sample := FundingRateSample{
		Venue:      venue,
		Instrument: instrument,
		HourlyRate: payload.HourlyRate,
		ObservedAt: time.UnixMilli(payload.ObservedAtMS).UTC(),
	}
	if sample.ObservedAt.Unix() <= 0 {
		sample.ObservedAt = time.Now().UTC()
	}
	if payload.NextSettlementMS > 0 {
		sample.NextSettlementAt = time.UnixMilli(payload.NextSettlementMS).UTC()
	}
	return sample, nil
}

func (c *RESTClient) HistoricalFundingRates(ctx context.Context, venue, instrument string, hours int) ([]FundingRateSample, error) {
	var payload []struct {
		HourlyRate   float64 `json:"hourlyRate"`
		ObservedAtMS int64   `json:"observedAtMs"`
	}
	query := url.Values{
		"instrument": {instrument},
		"hours":      {strconv.Itoa(hours)},
	}
	if err := c.get(ctx, venue, "/funding/history", query, &payload); err != nil {
		return nil, err
	}
	out := make([]FundingRateSample, 0, len(payload))
	for _, entry := range payload {
		out = append(out, FundingRateSample{
			Venue:      venue,
			Instrument: instrument,
			HourlyRate: entry.HourlyRate,
			ObservedAt: time.UnixMilli(entry.ObservedAtMS).UTC(),
		})
	}
	return out, nil
}

func (c *RESTClient) Price(ctx context.Context, venue, instrument string) (float64, error) {
	var payload struct {
		Price float64 `json:"price"`
	}
	query := url.Values{"instrument": {instrument}}
	if err := c.get(ctx, venue, "/price", query, &payload); err != nil {
		return 0, err
	}
	if payload.Price <= 0 {
		return 0, fmt.Errorf("%w: %s price on %s", ErrDataUnavailable, instrument, venue)
	}
	return payload.Price, nil
}

func (c *RESTClient) CreateOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	body := map[string]any{
		"instrument": req.Instrument,
		"type":       string(req.Type),
		"side":       string(req.Side),
		"quantity":   req.Quantity,
	}
	if req.ClientOrderID != "" {
		body["clientOrderId"] = req.ClientOrderID
	}
	var payload struct {
		ID          string  `json:"id"`
		FilledPrice float64 `json:"filledPrice"`
	}
	if err := c.post(ctx, req.Venue, "/orders", body, &payload); err != nil {
		return OrderResult{}, err
	}
	if payload.ID == "" {
		return OrderResult{}, Permanent(errors.New("order response missing id"))
	}
	return OrderResult{ID: payload.ID, FilledPrice: payload.FilledPrice}, nil
}

func (c *RESTClient) FundingPayments(ctx context.Context, venue, instrument string, since time.Time) ([]FundingPayment, error) {
	var payload []struct {
		TimestampMS int64   `json:"timestampMs"`
		Amount      float64 `json:"amount"`
	}
	query := url.Values{
		"instrument": {instrument},
		"since":      {strconv.FormatInt(since.UnixMilli(), 10)},
	}
	if err := c.get(ctx, venue, "/funding/payments", query, &payload); err != nil {
		return nil, err
	}
	out := make([]FundingPayment, 0, len(payload))
	for _, entry := range payload {
		out = append(out, FundingPayment{
			Timestamp: time.UnixMilli(entry.TimestampMS).UTC(),
			Amount:    entry.Amount,
		})
	}
	return out, nil
}

func (c *RESTClient) get(ctx context.Context, venue, path string, query url.Values, out any) error {
	endpoint, err := c.endpoint(venue)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := endpoint.limiter.Wait(ctx); err != nil {
		return Transient(err)
	}
	target := endpoint.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Permanent(err)
	}
	return c.do(req, out)
}

func (c *RESTClient) post(ctx context.Context, venue, path string, body, out any) error {
	endpoint, err := c.endpoint(venue)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := endpoint.limiter.Wait(ctx); err != nil {
		return Transient(err)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *RESTClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return Transient(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		httpErr := fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return Transient(httpErr)
		}
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %v", ErrDataUnavailable, httpErr)
		}
		return Permanent(httpErr)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return Permanent(err)
	}
	return nil
}

func (c *RESTClient) endpoint(venue string) (venueEndpoint, error) {
	endpoint, ok := c.venues[venue]
	if !ok {
		return venueEndpoint{}, Permanent(fmt.Errorf("unknown venue %s", venue))
	}
	return endpoint, nil
}
