// Package main is the entry point for the options trade lifecycle
// engine: flag parsing, logger setup, component wiring in dependency
// order, crash recovery, and signal-driven graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kingtrader/optionsengine/internal/api"
	"github.com/kingtrader/optionsengine/internal/broker"
	"github.com/kingtrader/optionsengine/internal/config"
	"github.com/kingtrader/optionsengine/internal/engine"
	"github.com/kingtrader/optionsengine/internal/events"
	"github.com/kingtrader/optionsengine/internal/metrics"
	"github.com/kingtrader/optionsengine/internal/store"
	"github.com/kingtrader/optionsengine/pkg/types"
)

func main() {
	configPath := flag.String("config", "", "Optional YAML config overlay")
	host := flag.String("host", "", "Control-plane host (overrides config)")
	port := flag.Int("port", 0, "Control-plane port (overrides config)")
	dataDir := flag.String("data", "", "Data directory (overrides config)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	startValue := flag.String("start-value", "60000", "Account starting value")
	flag.Parse()

	opCfg, err := config.LoadOperationalConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if *host != "" {
		opCfg.Host = *host
	}
	if *port != 0 {
		opCfg.Port = *port
	}
	if *dataDir != "" {
		opCfg.DataDir = *dataDir
	}
	if *logLevel != "" {
		opCfg.LogLevel = *logLevel
	}

	logger := setupLogger(opCfg.LogLevel)
	defer logger.Sync()

	account, err := decimal.NewFromString(*startValue)
	if err != nil || !account.IsPositive() {
		logger.Fatal("invalid start value", zap.String("value", *startValue))
	}

	logger.Info("starting options trade lifecycle engine",
		zap.String("host", opCfg.Host),
		zap.Int("port", opCfg.Port),
		zap.String("dataDir", opCfg.DataDir),
		zap.Bool("paperTrade", opCfg.PaperTrade),
	)

	st, err := store.New(logger, opCfg.DataDir)
	if err != nil {
		logger.Fatal("failed to initialize durable store", zap.Error(err))
	}

	constants := config.Default()
	bus := events.NewBus(logger, events.DefaultConfig())
	reg := metrics.New()

	paper := broker.NewPaperAdapter(logger, broker.PaperConfig{
		Fee: commissionFee(constants),
	})

	ec := &engine.Context{
		Log:       logger,
		Constants: constants,
		Broker:    broker.NewRetryAdapter(logger, paper),
		Store:     st,
		Bus:       bus,
		Metrics:   reg,
		Blackout:  engine.NoopBlackout{},
	}

	eng := engine.New(ec, account)

	// Feed each bar's quotes into the paper broker before the engine
	// trades against them.
	eng.PreBar = func(bar types.Bar) {
		for key, q := range bar.Prices {
			paper.SetQuote(key, q)
		}
		for _, chain := range bar.Chains {
			for _, oc := range chain.Contracts {
				paper.SetQuote(oc.Instrument.Key, types.Quote{
					Price: oc.Last, Bid: oc.Bid, Ask: oc.Ask, Timestamp: chain.QuotesAt,
				})
			}
		}
		paper.Tick()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Recover(ctx); err != nil {
		logger.Fatal("crash recovery failed", zap.Error(err))
	}

	serverConfig := &types.ServerConfig{
		Host:           opCfg.Host,
		Port:           opCfg.Port,
		WebSocketPath:  "/ws",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxConnections: 100,
		EnableMetrics:  true,
	}
	server := api.NewServer(logger, serverConfig, eng, bus, reg)

	// Mirror every reporting-sink event into the structured log as a
	// line-oriented record.
	bus.SubscribeAll(func(ev events.Event) {
		logger.Named("sink").Info(ev.Message,
			zap.String("component", ev.Component),
			zap.String("severity", string(ev.Severity)),
			zap.Time("eventTime", ev.Timestamp),
			zap.Any("payload", ev.Payload))
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("server error", zap.Error(err))
		}
	}()

	eng.Start()
	logger.Info("engine running",
		zap.String("http", fmt.Sprintf("http://%s:%d/api/v1", opCfg.Host, opCfg.Port)),
		zap.String("ws", fmt.Sprintf("ws://%s:%d/ws", opCfg.Host, opCfg.Port)),
	)

	<-sigChan
	logger.Info("shutdown signal received")

	eng.Pause()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("error during server shutdown", zap.Error(err))
	}

	bus.Close()
	logger.Info("engine stopped")
}

// commissionFee builds the per-fill fee function from the frozen
// commission schedule.
func commissionFee(c *config.Constants) broker.FeeFunc {
	return func(instrument types.Instrument, qty int, price decimal.Decimal) decimal.Decimal {
		n := qty
		if n < 0 {
			n = -n
		}
		per := c.Commission.OptionOpen
		if instrument.Kind == types.InstrumentFutureOption {
			per = c.Commission.FuturesOptionFlat
		}
		fee := per.Mul(decimal.NewFromInt(int64(n)))
		if !c.Commission.OptionMaxPerLeg.IsZero() && fee.GreaterThan(c.Commission.OptionMaxPerLeg) {
			fee = c.Commission.OptionMaxPerLeg
		}
		return fee
	}
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
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

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
