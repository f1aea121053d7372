package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/af-corp/rudder/internal/admission"
	"github.com/af-corp/rudder/internal/config"
	"github.com/af-corp/rudder/internal/gateway"
	"github.com/af-corp/rudder/internal/policy"
	"github.com/af-corp/rudder/internal/provider"
	"github.com/af-corp/rudder/internal/ratelimit"
	"github.com/af-corp/rudder/internal/routing"
	"github.com/af-corp/rudder/internal/telemetry"
	"github.com/af-corp/rudder/internal/tenant"
	"github.com/af-corp/rudder/internal/types"
)

var version = "dev"

func main() {
	configDir := flag.String("config", "configs", "path to configuration directory")
	flag.Parse()

	// Bootstrap logger until the configured one is built.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	loader := config.NewLoader(*configDir, logger)
	if err := loader.Load(); err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	cfg := loader.Config()

	logger = buildLogger(cfg.Telemetry)
	slog.SetDefault(logger)

	if err := loader.Watch(); err != nil {
		logger.Warn("failed to start config watcher", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to PostgreSQL
	dbPool, err := pgxpool.New(context.Background(), cfg.Database.DSN())
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	if err := dbPool.Ping(context.Background()); err != nil {
		logger.Warn("database not reachable (routerd will start but auth will fail)", "error", err)
	} else {
		logger.Info("database connected")
	}

	// Connect to Redis
	var rdb *redis.Client
	if len(cfg.Redis.Addresses) > 0 && cfg.Redis.Addresses[0] != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addresses[0],
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			logger.Warn("redis not reachable (key cache and rate limits disabled)", "error", err)
			rdb = nil
		} else {
			logger.Info("redis connected")
		}
	}

	metrics := telemetry.NewMetrics()

	// Policy store
	source, err := buildPolicySource(ctx, *configDir, cfg.Policy, logger)
	if err != nil {
		logger.Error("failed to build policy source", "error", err)
		os.Exit(1)
	}
	store := policy.NewStore(source, logger)
	store.OnSwap(func(snap *policy.Snapshot) {
		metrics.ObserveSnapshot(snap.Version(), snap.LoadedAt)
	})

	loadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = store.Load(loadCtx)
	cancel()
	if err != nil {
		logger.Error("failed to load initial policy snapshot", "error", err)
		os.Exit(1)
	}

	if cfg.Policy.Watch && cfg.Policy.Source == "local" {
		if err := store.Watch(ctx); err != nil {
			logger.Warn("policy watch unavailable, falling back to periodic refresh", "error", err)
			store.StartRefresh(ctx, cfg.Policy.RefreshInterval)
		}
	} else if cfg.Policy.RefreshInterval > 0 {
		store.StartRefresh(ctx, cfg.Policy.RefreshInterval)
	}

	// Provider registry
	registry := provider.BuildFromConfig(ctx, loader.Providers(), logger)
	loader.OnReload(func() {
		registry.Adopt(provider.BuildFromConfig(ctx, loader.Providers(), logger))
		logger.Info("provider registry reloaded")
	})

	// Selection and dispatch pipeline
	extractor := routing.NewExtractor(cfg.Extractor, nil)
	dispatcher := routing.NewDispatcher(cfg.Dispatch, logger)
	dispatcher.OnAttempt = func(rec routing.AttemptRecord) {
		metrics.RecordAttempt(rec.ModelID, string(rec.Outcome))
	}
	dispatcher.OnBackoff = metrics.ObserveBackoff

	router := routing.NewRouter(store, extractor, dispatcher, registry, logger)
	router.OnDecision = func(ruleID, modelID string, task types.TaskType, elapsed time.Duration) {
		metrics.RecordDecision(ruleID, modelID)
		metrics.ObserveSelection(string(task), elapsed)
	}

	// Admission control
	adm := admission.NewEvaluator(func() config.AdmissionConfig {
		return loader.Config().Admission
	})
	if cfg.Admission.Enabled {
		if err := adm.Load(); err != nil {
			logger.Error("failed to load admission policies", "error", err)
			os.Exit(1)
		}
	}
	loader.OnReload(func() {
		if !loader.Config().Admission.Enabled {
			return
		}
		if err := adm.Load(); err != nil {
			logger.Error("failed to reload admission policies, keeping previous set", "error", err)
		}
	})

	keyStore := tenant.NewCachedKeyStore(dbPool, rdb)
	limiter := ratelimit.NewLimiter(rdb)
	quota := ratelimit.NewQuotaTracker(rdb)
	handler := gateway.NewHandler(router, store, adm, metrics)

	// HTTP surface
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)

	r.Get("/internal/health", handler.Health)

	r.Group(func(r chi.Router) {
		r.Use(tenant.Middleware(keyStore))
		r.Use(ratelimit.Middleware(limiter, quota, metrics))
		r.Post("/v1/chat/completions", handler.ChatCompletions)
		r.Post("/v1/embeddings", handler.Embeddings)
		r.Get("/v1/models", handler.ListModels)
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Telemetry.MetricsPort),
		Handler: metricsMux(),
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("routerd starting", "addr", addr, "version", version)
		errCh <- srv.ListenAndServe()
	}()
	go func() {
		logger.Info("metrics listener starting", "addr", metricsSrv.Addr)
		errCh <- metricsSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
	metricsSrv.Shutdown(shutdownCtx)
	logger.Info("routerd stopped")
}

func buildLogger(cfg config.TelemetryConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.LogFormat) == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// buildPolicySource resolves the configured policy backend. Relative local
// paths are taken relative to the config directory.
func buildPolicySource(ctx context.Context, configDir string, cfg config.PolicyConfig, logger *slog.Logger) (policy.Source, error) {
	switch cfg.Source {
	case "", "local":
		catalogPath := cfg.CatalogLocation
		if !filepath.IsAbs(catalogPath) {
			catalogPath = filepath.Join(configDir, catalogPath)
		}
		rulesPath := cfg.RulesetLocation
		if !filepath.IsAbs(rulesPath) {
			rulesPath = filepath.Join(configDir, rulesPath)
		}
		return policy.NewLocalSource(catalogPath, rulesPath, logger), nil
	case "remote", "s3":
		return policy.NewS3Source(ctx, cfg.Bucket, cfg.Region, cfg.CatalogLocation, cfg.RulesetLocation)
	default:
		return nil, fmt.Errorf("unknown policy source %q", cfg.Source)
	}
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = generateRequestID()
		}
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r)
	})
}

func generateRequestID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return fmt.Sprintf("req_%d_%s", time.Now().UnixMilli(), hex.EncodeToString(b))
}
