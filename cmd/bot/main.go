package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"funding-arb-bot/internal/config"
	"funding-arb-bot/internal/engine"
	"funding-arb-bot/internal/logging"
	"funding-arb-bot/internal/metrics"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	accountID := flag.String("account", "", "trading account id (falls back to ARB_ACCOUNT_ID)")
	balance := flag.Float64("balance", 0, "starting balance in USD (falls back to ARB_ACCOUNT_BALANCE_USD)")
	flag.Parse()

	if err := config.LoadEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}
	log := logging.New(cfg.Log)
	log.Info("config loaded", zap.String("path", *configPath))

	account := strings.TrimSpace(*accountID)
	if account == "" {
		account = strings.TrimSpace(os.Getenv("ARB_ACCOUNT_ID"))
	}
	if account == "" {
		log.Error("account id is required (-account or ARB_ACCOUNT_ID)")
		os.Exit(1)
	}
	balanceUSD := *balance
	if balanceUSD <= 0 {
		if raw := strings.TrimSpace(os.Getenv("ARB_ACCOUNT_BALANCE_USD")); raw != "" {
			parsed, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				log.Error("invalid ARB_ACCOUNT_BALANCE_USD", zap.Error(err))
				os.Exit(1)
			}
			balanceUSD = parsed
		}
	}
	if balanceUSD <= 0 {
		log.Error("starting balance is required (-balance or ARB_ACCOUNT_BALANCE_USD)")
		os.Exit(1)
	}

	eng, err := engine.New(cfg, log)
	if err != nil {
		log.Error("failed to initialize engine", zap.Error(err))
		os.Exit(1)
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		prom := metrics.NewPrometheus()
		eng.UseMetrics(prom.Metrics)
		mux := http.NewServeMux()
		mux.Handle("/metrics", prom.Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn("metrics server stopped", zap.Error(err))
			}
		}()
		log.Info("metrics listening", zap.String("addr", cfg.Metrics.ListenAddr))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx, account, balanceUSD); err != nil {
		log.Error("engine start failed", zap.Error(err))
		os.Exit(1)
	}
	<-ctx.Done()
	log.Info("shutdown signal received")

	if err := eng.Stop(); err != nil {
		log.Error("engine shutdown failed", zap.Error(err))
	}
	if metricsSrv != nil {
		_ = metricsSrv.Close()
	}
	stats := eng.Statistics()
	log.Info("final statistics",
		zap.Int("completed_positions", stats.CompletedPositions),
		zap.Int("failed_positions", stats.FailedPositions),
		zap.Float64("total_pnl_usd", stats.TotalPnlUSD),
		zap.Float64("funding_collected_usd", stats.FundingCollectedUSD),
	)
}
