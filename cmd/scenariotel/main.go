// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"github.com/antimetal/scenariotel/internal/config"
	"github.com/antimetal/scenariotel/internal/orchestrator"
)

var (
	configPath            string
	verbose               bool
	databasePath          string
	sampleIntervalSeconds float64
)

func init() {
	flag.StringVar(&configPath, "config", "",
		"Path to a JSON scenario configuration file. Flag overrides below take "+
			"precedence over file values through config.Merge.")
	flag.BoolVar(&verbose, "verbose", false, "Enable debug-level logging")
	flag.StringVar(&databasePath, "database-path", "", "Path to the capture store (empty for in-memory)")
	flag.Float64Var(&sampleIntervalSeconds, "sample-interval-seconds", 0, "System sample interval override, in seconds")
}

func main() {
	flag.Parse()

	zapLevel := zap.NewAtomicLevelAt(zap.InfoLevel)
	if verbose {
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zapLevel
	zapLog, err := zapCfg.Build()
	if err != nil {
		os.Exit(1)
	}
	defer func() { _ = zapLog.Sync() }()
	logger := zapr.NewLogger(zapLog).WithName("scenariotel")

	cfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error(err, "unable to load configuration")
		os.Exit(1)
	}
	cfg = config.Merge(cfg, config.Config{
		DatabasePath:          databasePath,
		SampleIntervalSeconds: sampleIntervalSeconds,
	})
	cfg.ApplyDefaults()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	o, err := orchestrator.New(logger, cfg)
	if err != nil {
		logger.Error(err, "unable to construct orchestrator")
		os.Exit(1)
	}
	defer func() {
		if err := o.Close(); err != nil {
			logger.Error(err, "failed to close store")
		}
	}()

	logger.Info("starting capture core")
	if err := o.Run(ctx); err != nil {
		logger.Error(err, "capture run ended with an error")
		os.Exit(1)
	}
	logger.Info("capture run complete")
}

// loadConfig layers an optional JSON file's contents over config.Default,
// the same "defaults, then override, then merge" shape the teacher's
// cmd/main.go uses for its CLI flags (here the only external collaborator
// is the config file, per the config package's own doc comment).
func loadConfig(path string) (config.Config, error) {
	base := config.Default()
	if path == "" {
		return base, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return config.Config{}, err
	}
	defer f.Close()

	var fromFile config.Config
	if err := json.NewDecoder(f).Decode(&fromFile); err != nil {
		return config.Config{}, err
	}

	return config.Merge(base, fromFile), nil
}
