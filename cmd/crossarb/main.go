package main

import (
	"context"
	"flag"
	"os"

	"github.com/you/crossarb/internal/bot"
	"github.com/you/crossarb/internal/config"
	"github.com/you/crossarb/internal/metrics"
	"go.uber.org/zap"
)

func main() {
	cfgPath := flag.String("config", "./config.yaml", "path to config file")
	flag.Parse()

	logger, err := bot.NewLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics.Serve(ctx, cfg.Metrics.ListenAddr, nil, logger)

	logger.Info("crossarb starting",
		zap.String("asset", cfg.Asset),
		zap.String("network", cfg.Network),
		zap.Bool("dry_run", cfg.DryRun),
		zap.Float64("input_usdt", cfg.Trade.InputUSDT),
		zap.Float64("min_spread_bps", cfg.Trade.MinSpreadBps))

	if err := bot.New(cfg, logger).Run(ctx); err != nil {
		logger.Error("bot stopped with error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("crossarb finished")
}
