package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Engine    EngineConfig    `yaml:"engine"`
	State     StateConfig     `yaml:"state"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Timescale TimescaleConfig `yaml:"timescale"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type VenueConfig struct {
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
	WSURL   string `yaml:"ws_url"`
}

type GatewayConfig struct {
	Venues         []VenueConfig `yaml:"venues"`
	Timeout        time.Duration `yaml:"timeout"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	RequestsPerSec float64       `yaml:"requests_per_sec"`
	RequestBurst   int           `yaml:"request_burst"`
}

type EngineConfig struct {
	TargetInstruments []string `yaml:"target_instruments"`
	TargetVenues      []string `yaml:"target_venues"`

	MinNetHourlyRate  float64 `yaml:"min_net_hourly_rate"`
	MinAnnualizedRate float64 `yaml:"min_annualized_rate"`

	MaxPositionSizeUSD        float64 `yaml:"max_position_size_usd"`
	MinPositionSizeUSD        float64 `yaml:"min_position_size_usd"`
	MaxTotalExposureUSD       float64 `yaml:"max_total_exposure_usd"`
	MaxPositionsPerInstrument int     `yaml:"max_positions_per_instrument"`
	MaxTotalPositions         int     `yaml:"max_total_positions"`
	BalanceFraction           float64 `yaml:"balance_fraction"`

	ScanInterval        time.Duration `yaml:"scan_interval"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	ShutdownGrace       time.Duration `yaml:"shutdown_grace"`

	RebalanceThresholdPct      float64 `yaml:"rebalance_threshold_pct"`
	EmergencyCloseThresholdPct float64 `yaml:"emergency_close_threshold_pct"`
	HedgeRatioTolerance        float64 `yaml:"hedge_ratio_tolerance"`

	MinHistoricalDataHours int           `yaml:"min_historical_data_hours"`
	MinHistorySamples      int           `yaml:"min_history_samples"`
	RetentionWindow        time.Duration `yaml:"retention_window"`
	OpportunityTTL         time.Duration `yaml:"opportunity_ttl"`

	BaseConfidence       float64 `yaml:"base_confidence"`
	ConfidenceAdjustment float64 `yaml:"confidence_adjustment"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Gateway.Timeout == 0 {
		cfg.Gateway.Timeout = 10 * time.Second
	}
	if cfg.Gateway.ReconnectDelay == 0 {
		cfg.Gateway.ReconnectDelay = 3 * time.Second
	}
	if cfg.Gateway.PingInterval == 0 {
		cfg.Gateway.PingInterval = 30 * time.Second
	}
	if cfg.Gateway.RequestsPerSec == 0 {
		cfg.Gateway.RequestsPerSec = 10
	}
	if cfg.Gateway.RequestBurst == 0 {
		cfg.Gateway.RequestBurst = 20
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/funding-arb-bot.db"
	}
	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = ":9090"
	}
	eng := &cfg.Engine
	if eng.MinNetHourlyRate == 0 {
		eng.MinNetHourlyRate = 0.0001
	}
	if eng.MinAnnualizedRate == 0 {
		eng.MinAnnualizedRate = 0.05
	}
	if eng.MaxPositionSizeUSD == 0 {
		eng.MaxPositionSizeUSD = 10000
	}
	if eng.MinPositionSizeUSD == 0 {
		eng.MinPositionSizeUSD = 100
	}
	if eng.MaxTotalExposureUSD == 0 {
		eng.MaxTotalExposureUSD = 50000
	}
	if eng.MaxPositionsPerInstrument == 0 {
		eng.MaxPositionsPerInstrument = 1
	}
	if eng.MaxTotalPositions == 0 {
		eng.MaxTotalPositions = 5
	}
	if eng.BalanceFraction == 0 {
		eng.BalanceFraction = 0.1
	}
	if eng.ScanInterval == 0 {
		eng.ScanInterval = 5 * time.Minute
	}
	if eng.HealthCheckInterval == 0 {
		eng.HealthCheckInterval = time.Minute
	}
	if eng.ShutdownGrace == 0 {
		eng.ShutdownGrace = 30 * time.Second
	}
	if eng.RebalanceThresholdPct == 0 {
		eng.RebalanceThresholdPct = 2
	}
	if eng.EmergencyCloseThresholdPct == 0 {
		eng.EmergencyCloseThresholdPct = 5
	}
	if eng.HedgeRatioTolerance == 0 {
		eng.HedgeRatioTolerance = 0.02
	}
	if eng.MinHistoricalDataHours == 0 {
		eng.MinHistoricalDataHours = 168
	}
	if eng.MinHistorySamples == 0 {
		eng.MinHistorySamples = 10
	}
	if eng.RetentionWindow == 0 {
		eng.RetentionWindow = 30 * 24 * time.Hour
	}
	if eng.OpportunityTTL == 0 {
		eng.OpportunityTTL = 15 * time.Minute
	}
	if eng.BaseConfidence == 0 {
		eng.BaseConfidence = 0.5
	}
	if eng.ConfidenceAdjustment == 0 {
		eng.ConfidenceAdjustment = 0.25
	}
}

func validate(cfg *Config) error {
	if len(cfg.Engine.TargetInstruments) == 0 {
		return errors.New("engine.target_instruments is required")
	}
	if len(cfg.Engine.TargetVenues) < 2 {
		return errors.New("engine.target_venues requires at least two venues")
	}
	if len(cfg.Gateway.Venues) == 0 {
		return errors.New("gateway.venues is required")
	}
	known := make(map[string]struct{}, len(cfg.Gateway.Venues))
	for _, venue := range cfg.Gateway.Venues {
		if venue.Name == "" || venue.BaseURL == "" {
			return errors.New("gateway venue name and base_url are required")
		}
		known[venue.Name] = struct{}{}
	}
	for _, name := range cfg.Engine.TargetVenues {
		if _, ok := known[name]; !ok {
			return fmt.Errorf("target venue %s has no gateway configuration", name)
		}
	}
	if cfg.Engine.MinPositionSizeUSD > cfg.Engine.MaxPositionSizeUSD {
		return errors.New("engine.min_position_size_usd exceeds engine.max_position_size_usd")
	}
	if cfg.Engine.EmergencyCloseThresholdPct < cfg.Engine.RebalanceThresholdPct {
		return errors.New("engine.emergency_close_threshold_pct must be >= engine.rebalance_threshold_pct")
	}
	if cfg.Engine.BalanceFraction <= 0 || cfg.Engine.BalanceFraction > 1 {
		return errors.New("engine.balance_fraction must be in (0, 1]")
	}
	return nil
}
