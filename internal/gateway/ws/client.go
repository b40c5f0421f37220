package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"funding-arb-bot/internal/gateway"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Client maintains one websocket connection to a venue's feed and
// delivers fundingRateUpdate events to a handler. Reconnects with the
// configured delay and replays subscriptions.
type Client struct {
	venue          string
	url            string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	log            *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	subs []any
}

func New(venue, url string, reconnectDelay, pingInterval time.Duration, log *zap.Logger) *Client {
	return &Client{venue: venue, url: url, reconnectDelay: reconnectDelay, pingInterval: pingInterval, log: log}
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return err
	}
	c.conn = conn
	return nil
}

// SubscribeFunding registers interest in funding updates for an
// instrument. The subscription is replayed after every reconnect.
func (c *Client) SubscribeFunding(ctx context.Context, instrument string) error {
	sub := map[string]any{
		"method":     "subscribe",
		"channel":    "fundingRateUpdate",
		"instrument": instrument,
	}
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("ws not connected")
	}
	return writeJSON(ctx, conn, sub)
}

type fundingUpdate struct {
	Channel          string  `json:"channel"`
	Instrument       string  `json:"instrument"`
	HourlyRate       float64 `json:"hourlyRate"`
	ObservedAtMS     int64   `json:"observedAtMs"`
	NextSettlementMS int64   `json:"nextSettlementMs"`
}

// Run reads until ctx is cancelled, invoking handler for each funding
// update. Non-funding frames are ignored.
func (c *Client) Run(ctx context.Context, handler func(gateway.FundingRateSample)) error {
	for {
		if err := c.ensureConnected(ctx); err != nil {
			return err
		}
		pingCtx, cancel := context.WithCancel(ctx)
		pingDone := make(chan struct{})
		go func() {
			defer close(pingDone)
			c.pingLoop(pingCtx)
		}()
		err := c.readLoop(ctx, handler)
		cancel()
		<-pingDone
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logReadLoopError(err)
			c.resetConn()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.reconnectDelay):
			}
			continue
		}
	}
}

func (c *Client) ensureConnected(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	subs := append([]any(nil), c.subs...)
	c.mu.Unlock()
	for _, sub := range subs {
		if err := writeJSON(ctx, conn, sub); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, handler func(gateway.FundingRateSample)) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("ws not connected")
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if handler == nil {
			continue
		}
		var update fundingUpdate
		if err := json.Unmarshal(data, &update); err != nil {
			continue
		}
		if update.Channel != "fundingRateUpdate" || update.Instrument == "" {
			continue
		}
		sample := gateway.FundingRateSample{
			Venue:      c.venue,
			Instrument: update.Instrument,
			HourlyRate: update.HourlyRate,
			ObservedAt: time.UnixMilli(update.ObservedAtMS).UTC(),
		}
		if update.ObservedAtMS <= 0 {
			sample.ObservedAt = time.Now().UTC()
		}
		if update.NextSettlementMS > 0 {
			sample.NextSettlementAt = time.UnixMilli(update.NextSettlementMS).UTC()
		}
		handler(sample)
	}
}

func (c *Client) pingLoop(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	interval := c.pingInterval
	c.mu.Unlock()
	if conn == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writeJSON(ctx, conn, pingMessage); err != nil {
				return
			}
		}
	}
}

func (c *Client) logReadLoopError(err error) {
	if c.log == nil {
		return
	}
	status := websocket.CloseStatus(err)
	if status == websocket.StatusNormalClosure {
		c.log.Info("feed read loop ended", zap.String("venue", c.venue), zap.Error(err))
		return
	}
	c.log.Warn("feed read loop ended", zap.String("venue", c.venue), zap.Error(err))
}

func (c *Client) resetConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "reset")
		c.conn = nil
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

var pingMessage = map[string]any{"method": "ping"}
