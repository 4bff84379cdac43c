// Package main is the entry point for the PDS (Personal Data Server) repository
// host: the XRPC service exposing com.atproto.repo.* and com.atproto.sync.*
// over a signed, Merkle-Search-Tree-backed repository per DID.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/subcults/pds/internal/api"
	"github.com/subcults/pds/internal/blockstore"
	"github.com/subcults/pds/internal/config"
	"github.com/subcults/pds/internal/cryptoutil"
	"github.com/subcults/pds/internal/db"
	"github.com/subcults/pds/internal/firehose"
	"github.com/subcults/pds/internal/health"
	"github.com/subcults/pds/internal/keystore"
	"github.com/subcults/pds/internal/middleware"
	"github.com/subcults/pds/internal/relay"
	"github.com/subcults/pds/internal/repo"
	"github.com/subcults/pds/internal/repolock"
	"github.com/subcults/pds/internal/session"
	"github.com/subcults/pds/internal/tracing"
	"github.com/subcults/pds/internal/upload"
)

func main() {
	help := flag.Bool("help", false, "display help message")
	flag.Parse()

	if *help {
		fmt.Println("PDS repository host")
		fmt.Println()
		fmt.Println("Usage: pds [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, configErrs := config.Load("")
	if len(configErrs) > 0 {
		for _, err := range configErrs {
			fmt.Fprintln(os.Stderr, "config error:", err)
		}
		os.Exit(1)
	}

	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)
	logger.Info("configuration loaded", "summary", cfg.LogSummary())

	var tracerProvider *tracing.Provider
	if cfg.TracingEnabled {
		tracingConfig := tracing.Config{
			ServiceName:  "pds",
			Enabled:      true,
			Environment:  cfg.Env,
			ExporterType: cfg.TracingExporterType,
			OTLPEndpoint: cfg.TracingOTLPEndpoint,
			SamplingRate: cfg.TracingSampleRate,
			InsecureMode: cfg.TracingInsecure,
		}

		var err error
		tracerProvider, err = tracing.NewProvider(tracingConfig)
		if err != nil {
			logger.Error("failed to initialize tracing", "error", err)
			os.Exit(1)
		}
		logger.Info("tracing initialized",
			"exporter", cfg.TracingExporterType,
			"endpoint", cfg.TracingOTLPEndpoint,
			"sample_rate", cfg.TracingSampleRate,
		)
	} else {
		logger.Info("tracing disabled")
	}

	ctx, cancelOpen := context.WithTimeout(context.Background(), 30*time.Second)
	sqlDB, err := db.Open(ctx, cfg.DatabaseURL)
	cancelOpen()
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	logger.Info("database connection established")

	blocks := blockstore.NewPostgresStore(sqlDB, logger)
	keys := keystore.NewPostgresStore(sqlDB, logger)
	states := repo.NewPostgresStateStore(sqlDB, logger)
	cursors := relay.NewPostgresCursorTracker(sqlDB, logger)

	// Prometheus metrics
	promRegistry := prometheus.NewRegistry()
	metrics := middleware.NewMetrics()
	if err := metrics.Register(promRegistry); err != nil {
		logger.Error("failed to register metrics", "error", err)
		os.Exit(1)
	}
	logger.Info("metrics registered")

	// Redis backs the distributed per-DID write lock and, when configured,
	// rate limiting. Without it a single process falls back to in-memory
	// equivalents of both, which do not coordinate across replicas.
	var redisClient *redis.Client
	var repoLock repolock.Lock
	var rateLimitStore middleware.RateLimitStore
	var redisHealthChecker api.HealthChecker // stays a nil interface without Redis
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("failed to parse Redis URL", "error", err)
			os.Exit(1)
		}
		redisClient = redis.NewClient(opt)

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}

		repoLock = repolock.NewRedisLock(redisClient, 10*time.Second, 50*time.Millisecond)
		rateLimitStore = middleware.NewRedisRateLimitStoreWithMetrics(redisClient, metrics)
		redisHealthChecker = health.NewRedisChecker(redisClient)
		logger.Info("Redis backend initialized (write lock and rate limiting)")
	} else {
		repoLock = repolock.NewMemoryLock()
		inMemStore := middleware.NewInMemoryRateLimitStore()
		rateLimitStore = inMemStore

		go func() {
			ticker := time.NewTicker(5 * time.Minute)
			defer ticker.Stop()
			for range ticker.C {
				inMemStore.Cleanup()
			}
		}()

		logger.Warn("Redis not configured: write lock and rate limiting are process-local, unsuitable for multi-replica deployment")
	}

	// Blob store: S3-compatible if credentials are present, in-memory
	// otherwise (uploadBlob-equivalent writes still round trip, but
	// nothing survives a restart).
	var blobStore upload.BlobStore
	var blobStoreHealthChecker *health.BlobStoreChecker
	if cfg.S3BucketName != "" {
		s3Store, err := upload.NewS3BlobStore(upload.Config{
			BucketName:      cfg.S3BucketName,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			Endpoint:        cfg.S3Endpoint,
			Region:          cfg.S3Region,
			MaxSizeMB:       cfg.S3MaxUploadSizeMB,
		})
		if err != nil {
			logger.Error("failed to initialize blob store", "error", err)
			os.Exit(1)
		}
		blobStore = s3Store
		blobStoreHealthChecker = health.NewBlobStoreChecker(blobStore)
		logger.Info("S3-compatible blob store initialized", "bucket", cfg.S3BucketName)
	} else {
		blobStore = upload.NewMemoryBlobStore()
		blobStoreHealthChecker = health.NewBlobStoreChecker(blobStore)
		logger.Warn("S3 credentials not configured, blob store is in-memory only")
	}
	curve := cryptoutil.P256
	if cfg.SigningCurve == "k256" {
		curve = cryptoutil.K256
	}

	hub := firehose.NewHub(logger)
	engine := repo.NewEngine(blocks, states, keys, repoLock, hub, curve, logger)

	sessionCurrent, sessionPrevious := cfg.GetJWTSecrets()
	sessions := session.NewService(sessionCurrent, sessionPrevious)

	rpcHandlers := api.NewRPCHandlers(engine, sessions, hub, cursors)

	dbHealthChecker := health.NewDBChecker(sqlDB)
	healthHandlers := api.NewHealthHandlers(api.HealthHandlersConfig{
		DBChecker:        dbHealthChecker,
		RedisChecker:     redisHealthChecker,
		BlobStoreChecker: blobStoreHealthChecker,
		MetricsEnabled:   true,
	})

	generalLimit := middleware.DefaultGlobalLimit()

	mux := http.NewServeMux()
	mux.HandleFunc("/xrpc/com.atproto.repo.createRecord", rpcHandlers.CreateRecord)
	mux.HandleFunc("/xrpc/com.atproto.repo.putRecord", rpcHandlers.PutRecord)
	mux.HandleFunc("/xrpc/com.atproto.repo.deleteRecord", rpcHandlers.DeleteRecord)
	mux.HandleFunc("/xrpc/com.atproto.repo.getRecord", rpcHandlers.GetRecord)
	mux.HandleFunc("/xrpc/com.atproto.sync.getRepo", rpcHandlers.SyncGetRepo)
	mux.HandleFunc("/xrpc/com.atproto.sync.getBlocks", rpcHandlers.SyncGetBlocks)
	mux.HandleFunc("/xrpc/com.atproto.sync.subscribeRepos", rpcHandlers.SubscribeRepos)

	mux.HandleFunc("/health", healthHandlers.Health)
	mux.HandleFunc("/ready", healthHandlers.Ready)
	mux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			ctx := middleware.SetErrorCode(r.Context(), api.ErrCodeNotFound)
			api.WriteError(w, ctx, http.StatusNotFound, api.ErrCodeNotFound, "the requested resource was not found")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(`{"service":"pds"}`)); err != nil {
			logger.Error("failed to write response", "error", err)
		}
	})

	// Apply middleware in reverse order of execution: the last one applied
	// here is the first one a request passes through.
	var handler http.Handler = mux
	handler = middleware.Logging(logger)(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.HTTPMetrics(metrics)(handler)
	handler = middleware.RateLimiter(rateLimitStore, generalLimit, middleware.IPKeyFunc(), metrics)(handler)

	if cfg.CORSAllowedOrigins != "" {
		origins := splitAndTrim(cfg.CORSAllowedOrigins)
		methods := splitAndTrim(cfg.CORSAllowedMethods)
		headers := splitAndTrim(cfg.CORSAllowedHeaders)

		handler = middleware.CORS(middleware.CORSConfig{
			AllowedOrigins:   origins,
			AllowedMethods:   methods,
			AllowedHeaders:   headers,
			AllowCredentials: cfg.CORSAllowCredentials,
			MaxAge:           cfg.CORSMaxAge,
		})(handler)

		logger.Info("CORS enabled", "origins", origins, "allow_credentials", cfg.CORSAllowCredentials)
	} else {
		logger.Info("CORS disabled - no origins configured")
	}

	if cfg.TracingEnabled {
		handler = middleware.Tracing("pds")(handler)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting server", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if tracerProvider != nil {
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown tracer provider", "error", err)
		}
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Error("failed to close Redis client", "error", err)
		}
	}

	if err := sqlDB.Close(); err != nil {
		logger.Error("failed to close database connection", "error", err)
	}

	logger.Info("server stopped")
}

// splitAndTrim splits a comma-separated config value into a trimmed slice.
func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}
