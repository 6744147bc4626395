// Package main provides the entry point for the bar-driven paper
// trading engine: it wires the Store, MarketData, Order/Risk/
// Position/Exchange/Broker components into an engine.Processor (no
// portfolio is attached), plus the admin HTTP/WebSocket/metrics surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/atlas-quant/barengine/internal/broker"
	"github.com/atlas-quant/barengine/internal/engine"
	"github.com/atlas-quant/barengine/internal/events"
	"github.com/atlas-quant/barengine/internal/exchange"
	"github.com/atlas-quant/barengine/internal/marketdata"
	"github.com/atlas-quant/barengine/internal/order"
	"github.com/atlas-quant/barengine/internal/position"
	"github.com/atlas-quant/barengine/internal/risk"
	"github.com/atlas-quant/barengine/internal/store"
	"github.com/atlas-quant/barengine/pkg/types"

	"github.com/atlas-quant/barengine/internal/api"
)

func main() {
	host := flag.String("host", "localhost", "admin server host")
	port := flag.Int("port", 8090, "admin server port")
	dbPath := flag.String("db", "./data/engine.db", "sqlite store path")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	simulation := flag.Bool("simulation", true, "run against the in-process paper exchange")
	sourceID := flag.String("source-id", "engine", "persistence source id")
	configFile := flag.String("config", "", "optional YAML config file (risk/commission/exchange overrides)")
	flag.Parse()

	cfg := loadConfig(*configFile, *dbPath, *host, *port)

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	logger.Info("starting bar engine",
		zap.String("host", *host), zap.Int("port", *port),
		zap.String("db", *dbPath), zap.Bool("simulation", *simulation),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()

	md := marketdata.New(logger)
	om := order.NewManager(logger, st, *sourceID)
	validator := risk.New(logger, om, cfg.Risk)
	pm := position.New(logger, st, md, om, *sourceID, cfg.LiveFrequency)

	var exch *exchange.Exchange
	if *simulation {
		exch = exchange.New(logger, cfg.Exchange)
	}
	commission := broker.StockCommission{FeePerShare: cfg.Commission.FeePerShare}
	br := broker.New(logger, om, exch, commission)

	bus := events.NewBus(logger, events.DefaultConfig())
	defer bus.Stop()

	proc := engine.New(logger, md, om, validator, pm, exch, br, bus, *simulation)

	admin := api.NewServer(logger, cfg.Server, om, pm, bus)
	go func() {
		if err := admin.Start(); err != nil {
			logger.Error("admin server error", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("bar engine ready",
		zap.String("http", fmt.Sprintf("http://%s:%d/api/v1", *host, *port)),
		zap.String("ws", fmt.Sprintf("ws://%s:%d/ws", *host, *port)),
	)

	// proc is fully wired and ready for an embedding application to drive
	// via proc.Run(ctx, bars) once strategies are attached and md is
	// seeded; this binary exposes only the admin surface on its own.
	logger.Debug("engine processor wired", zap.Bool("simulation", *simulation))
	_ = proc

	<-sigChan
	logger.Info("shutdown signal received")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := admin.Stop(shutdownCtx); err != nil {
		logger.Error("error during admin server shutdown", zap.Error(err))
	}

	logger.Info("bar engine stopped")
}

func loadConfig(configFile, dbPath, host string, port int) types.EngineConfig {
	cfg := types.Default()
	cfg.Store.Path = dbPath
	cfg.Server.Host = host
	cfg.Server.Port = port

	v := viper.New()
	v.SetEnvPrefix("BARENGINE")
	v.AutomaticEnv()
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err == nil {
			v.Unmarshal(&cfg)
		}
	}
	return cfg
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
