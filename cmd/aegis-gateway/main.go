package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aegis-ai/aegis/internal/api"
	"github.com/aegis-ai/aegis/internal/audit"
	"github.com/aegis-ai/aegis/internal/connector"
	"github.com/aegis-ai/aegis/internal/llm"
	"github.com/aegis-ai/aegis/internal/orchestrator"
	"github.com/aegis-ai/aegis/internal/queryplan"
	"github.com/aegis-ai/aegis/internal/risk"
	"github.com/aegis-ai/aegis/internal/vault"
)

func main() {
	// Logger
	logger := mustBuildLogger(envOrDefault("AEGIS_LOG_LEVEL", "info"))
	defer logger.Sync() //nolint:errcheck // best-effort flush

	// Config from env
	httpPort := envOrDefault("AEGIS_HTTP_PORT", "8080")
	mode := risk.ParseMode(envOrDefault("AEGIS_DEFAULT_MODE", "balanced"))
	budgetMs := envOrDefaultInt("AEGIS_REQUEST_BUDGET_MS", 30_000)
	vaultKey := os.Getenv("AEGIS_VAULT_KEY")
	vaultPath := envOrDefault("AEGIS_VAULT_PATH", "aegis-vault.db")
	providerKey := os.Getenv("AEGIS_PROVIDER_API_KEY")
	providerURL := os.Getenv("AEGIS_PROVIDER_BASE_URL")
	model := envOrDefault("AEGIS_MODEL", "llama-3.3-70b-versatile")
	sourcesPath := os.Getenv("AEGIS_SOURCES_CONFIG")
	clickhouseDSN := os.Getenv("CLICKHOUSE_DSN")

	logger.Info("starting aegis gateway",
		zap.String("http_port", httpPort),
		zap.String("mode", string(mode)),
		zap.Int("request_budget_ms", budgetMs),
		zap.String("model", model),
	)

	// Token vault — SQLite-backed encrypted placeholder store
	if vaultKey == "" {
		logger.Fatal("AEGIS_VAULT_KEY is required")
	}
	vaultStore, err := vault.NewSQLiteStore(vaultPath)
	if err != nil {
		logger.Fatal("failed to open vault store", zap.Error(err))
	}
	remapper, err := vault.NewRemapper(vaultStore, []byte(vaultKey), vault.WithLogger(logger))
	if err != nil {
		logger.Fatal("failed to build remapper", zap.Error(err))
	}
	defer func() { _ = remapper.Close() }()

	// Risk agent — mode defaults with env threshold overrides
	cfg := risk.ConfigForMode(mode)
	if v := envOrDefaultFloat("AEGIS_PII_CONFIDENCE", 0); v > 0 {
		cfg.PIIConfidenceThreshold = v
	}
	if v := envOrDefaultFloat("AEGIS_BIAS_CONFIDENCE", 0); v > 0 {
		cfg.BiasConfidenceThreshold = v
	}
	if v := envOrDefaultFloat("AEGIS_MAX_RISK_SCORE", 0); v > 0 {
		cfg.MaxRiskScore = v
	}
	if v := envOrDefaultInt("AEGIS_DETECTOR_TIMEOUT_MS", 0); v > 0 {
		cfg.DetectorTimeout = time.Duration(v) * time.Millisecond
	}
	agent := risk.NewAgent(remapper, cfg, logger)

	// LLM provider
	if providerKey == "" {
		logger.Fatal("AEGIS_PROVIDER_API_KEY is required")
	}
	var clientOpts []llm.ClientOption
	if providerURL != "" {
		clientOpts = append(clientOpts, llm.WithBaseURL(providerURL))
	}
	provider := llm.NewClient(providerKey, model, logger, clientOpts...)

	// Query planner — the provider doubles as the constrained query writer
	generator := queryplan.NewGenerator(provider, logger)

	// Connector — sources declared in YAML, credentials resolved by handle
	conn := connector.New(agent, logger)
	defer func() { _ = conn.Close() }()
	if sourcesPath != "" {
		configs, err := connector.LoadConfigs(sourcesPath)
		if err != nil {
			logger.Fatal("failed to load source configs", zap.Error(err))
		}
		for _, sc := range configs {
			adapter, err := connector.NewAdapter(sc, os.Getenv(sc.CredentialsRef))
			if err != nil {
				logger.Fatal("failed to build adapter", zap.String("source", sc.Name), zap.Error(err))
			}
			if err := conn.Register(sc, adapter); err != nil {
				logger.Fatal("failed to register source", zap.String("source", sc.Name), zap.Error(err))
			}
			logger.Info("data source registered",
				zap.String("source", sc.Name),
				zap.String("kind", string(sc.Kind)),
			)
		}
	}

	// Audit — ClickHouse or log sink fallback
	var sink audit.Sink
	if clickhouseDSN != "" {
		chSink, err := audit.NewClickHouseSink(clickhouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log sink", zap.Error(err))
			sink = audit.NewLogSink(logger)
		} else {
			sink = chSink
			logger.Info("clickhouse audit sink connected")
		}
	} else {
		sink = audit.NewLogSink(logger)
		logger.Info("no CLICKHOUSE_DSN set, using log sink")
	}
	defer sink.Close()

	// Audit reader (for the audit HTTP endpoints)
	var auditReader *audit.Reader
	if clickhouseDSN != "" {
		auditReader, err = audit.NewReader(clickhouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse reader connection failed", zap.Error(err))
			auditReader = nil
		} else {
			defer func() { _ = auditReader.Close() }()
		}
	}

	// Orchestrator
	pipeline := orchestrator.New(agent, provider, generator, conn, audit.NewReporter(sink), logger)

	// HTTP API server
	deps := &api.Dependencies{
		Pipeline:     pipeline,
		Agent:        agent,
		Sources:      conn,
		Logger:       logger,
		Audit:        auditReader,
		APIKeys:      splitKeys(os.Getenv("AEGIS_API_KEYS")),
		DefaultModel: model,
		DefaultMode:  mode,
		Budget:       time.Duration(budgetMs) * time.Millisecond,
	}
	httpServer := &http.Server{
		Addr:         ":" + httpPort,
		Handler:      api.NewRouter(deps),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: time.Duration(budgetMs)*time.Millisecond + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	// Block until shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}

	logger.Info("aegis gateway stopped")
}

func mustBuildLogger(level string) *zap.Logger {
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
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}

func splitKeys(raw string) []string {
	if raw == "" {
		return nil
	}
	var keys []string
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envOrDefaultFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
