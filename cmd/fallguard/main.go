package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"fallguard/internal/config"
	"fallguard/internal/logging"
	"fallguard/internal/web"
)

const serviceName = "fallguard"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "evaluate" {
		if err := runEvaluate(os.Args[2:], os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "evaluate: %v\n", err)
			os.Exit(1)
		}
		return
	}

	var configPath string
	flag.StringVar(&configPath, "config", "./fallguard.yaml", "Path to YAML config")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	logs := web.NewLogBuffer(cfg.Web.LogLines)
	logger := logging.New(cfg.Log.Level, cfg.Log.Format, serviceName, logs)
	defer func() { _ = logger.Sync() }()
	for _, w := range cfg.Warnings {
		logger.Warn("config value replaced by default", zap.String("warning", w))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	svc, err := newService(ctx, cfg, configPath, logs, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}

	logger.Info("fallguard starting",
		zap.String("device_id", cfg.DeviceID),
		zap.String("source", cfg.Source.Kind),
		zap.Bool("enabled", cfg.Detector.IsEnabled()),
		zap.String("sensitivity", cfg.Detector.Sensitivity),
		zap.String("listen", cfg.Web.Listen),
	)
	if err := svc.Run(ctx); err != nil {
		logger.Error("fallguard stopped with error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	logger.Info("fallguard stopped")
}
