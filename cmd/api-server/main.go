package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/hackgods/rural-health-scheduling/internal/api"
	"github.com/hackgods/rural-health-scheduling/internal/appointment"
	"github.com/hackgods/rural-health-scheduling/internal/config"
	"github.com/hackgods/rural-health-scheduling/internal/db"
	"github.com/hackgods/rural-health-scheduling/internal/documents"
	"github.com/hackgods/rural-health-scheduling/internal/logger"
	"github.com/hackgods/rural-health-scheduling/internal/metrics"
	"github.com/hackgods/rural-health-scheduling/internal/notify"
	redisclient "github.com/hackgods/rural-health-scheduling/internal/redis"
	"github.com/hackgods/rural-health-scheduling/internal/triage"
)

const version = "1.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	zl, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	zl.Info("api-server starting up", zap.String("env", cfg.Env), zap.String("http_port", cfg.HTTPPort))

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{})
	if err == nil {
		err = db.Migrate(pgCtx, pgPool)
	}
	cancelPg()
	if err != nil {
		zl.Fatal("postgres setup error", zap.Error(err))
	}
	defer pgPool.Close()
	zl.Info("connected to Postgres")

	rdb, err := redisclient.NewRedisClient(rootCtx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		zl.Fatal("redis connection error", zap.Error(err))
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			zl.Warn("error closing redis", zap.Error(err))
		}
	}()
	zl.Info("connected to Redis")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	rules, err := appointment.RulesFromConfig(cfg)
	if err != nil {
		zl.Fatal("invalid scheduling rules", zap.Error(err))
	}

	repo := appointment.NewPgRepository(pgPool)
	locker := redisclient.NewRedisLocker(rdb, cfg.LockTTL)

	notifier, closeNotifier := notify.FromConfig(cfg, repo, zl.Named("notify"))
	defer closeNotifier()

	svc := appointment.NewService(repo, locker,
		appointment.WithRules(rules),
		appointment.WithClassifier(buildClassifier(cfg, zl)),
		appointment.WithNotifier(notifier),
		appointment.WithLogger(zl.Named("appointment")),
		appointment.WithMetrics(m),
	)

	routerCfg := api.RouterConfig{
		Service:      svc,
		PgPool:       pgPool,
		Redis:        rdb,
		Gatherer:     reg,
		Log:          zl.Named("http"),
		RateLimitRPS: cfg.RateLimitRPS,
		Env:          cfg.Env,
		Version:      version,
	}
	if store := buildDocumentStore(rootCtx, cfg, zl); store != nil {
		routerCfg.Documents = store
	}

	srv := &http.Server{
		Addr:              net.JoinHostPort("", cfg.HTTPPort),
		Handler:           api.NewRouter(routerCfg),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		zl.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-rootCtx.Done()
	zl.Info("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildClassifier(cfg config.Config, zl *zap.Logger) appointment.UrgencyClassifier {
	if cfg.ClassifierURL == "" {
		zl.Info("using keyword urgency classifier")
		return triage.KeywordClassifier{}
	}
	zl.Info("using remote urgency classifier", zap.String("model", cfg.ClassifierModel))
	return triage.NewLLMClassifier(triage.LLMConfig{
		URL:     cfg.ClassifierURL,
		APIKey:  cfg.ClassifierAPIKey,
		Model:   cfg.ClassifierModel,
		Timeout: cfg.ClassifierTimeout,
		RPS:     cfg.ClassifierRPS,
	}, nil)
}

func buildDocumentStore(ctx context.Context, cfg config.Config, zl *zap.Logger) documents.Store {
	if cfg.MinioEndpoint == "" {
		zl.Info("document uploads disabled")
		return nil
	}
	client, err := documents.NewMinioClient(documents.MinioConfig{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
	})
	if err != nil {
		zl.Warn("minio client error, document uploads disabled", zap.Error(err))
		return nil
	}
	store := documents.NewMinioStore(client, cfg.MinioBucket)

	bucketCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := store.EnsureBucket(bucketCtx); err != nil {
		zl.Warn("minio bucket unavailable, document uploads disabled", zap.Error(err))
		return nil
	}
	zl.Info("document uploads enabled", zap.String("bucket", cfg.MinioBucket))
	return store
}
