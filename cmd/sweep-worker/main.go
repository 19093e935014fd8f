package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/hackgods/rural-health-scheduling/internal/appointment"
	"github.com/hackgods/rural-health-scheduling/internal/config"
	"github.com/hackgods/rural-health-scheduling/internal/db"
	"github.com/hackgods/rural-health-scheduling/internal/logger"
	"github.com/hackgods/rural-health-scheduling/internal/metrics"
	"github.com/hackgods/rural-health-scheduling/internal/notify"
	redisclient "github.com/hackgods/rural-health-scheduling/internal/redis"
)

func main() {
	once := flag.Bool("once", false, "run a single sweep and exit")
	flag.Parse()

	// Deferred first so it runs after every cleanup below.
	exitCode := 0
	defer func() {
		if exitCode != 0 {
			os.Exit(exitCode)
		}
	}()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	zl, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	zl.Info("sweep-worker starting up",
		zap.String("env", cfg.Env),
		zap.String("spec", cfg.SweepCron),
		zap.Duration("grace_window", cfg.SweepGraceWindow),
		zap.Bool("once", *once),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{MaxConns: 4})
	cancelPg()
	if err != nil {
		zl.Fatal("postgres connection error", zap.Error(err))
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

	rules, err := appointment.RulesFromConfig(cfg)
	if err != nil {
		zl.Fatal("invalid scheduling rules", zap.Error(err))
	}

	repo := appointment.NewPgRepository(pgPool)
	notifier, closeNotifier := notify.FromConfig(cfg, repo, zl.Named("notify"))
	defer closeNotifier()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Sweeps only cancel, so no slot lock is needed.
	svc := appointment.NewService(repo, redisclient.NoopLocker{},
		appointment.WithRules(rules),
		appointment.WithNotifier(notifier),
		appointment.WithLogger(zl.Named("sweep")),
		appointment.WithMetrics(metrics.New(reg)),
	)

	// The leader lock lives as long as one run may take.
	leader := redisclient.NewRedisLocker(rdb, cfg.SweepTimeout)
	scheduler := appointment.NewSweepScheduler(svc, leader, cfg.SweepCron, cfg.SweepTimeout, zl)

	if *once {
		n, err := scheduler.RunOnce(rootCtx)
		switch {
		case errors.Is(err, redisclient.ErrLockNotAcquired):
			zl.Warn("another instance holds the sweep leader lock, nothing done")
			exitCode = 2
		case err != nil:
			zl.Error("sweep failed", zap.Error(err))
			exitCode = 1
		default:
			zl.Info("sweep complete", zap.Int("cancelled", n))
		}
		return
	}

	if cfg.MetricsPort != "" {
		metricsSrv := metrics.NewServer(":"+cfg.MetricsPort, reg)
		go func() {
			zl.Info("metrics listening", zap.String("addr", metricsSrv.Addr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				zl.Error("metrics server error", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	if err := scheduler.Start(rootCtx); err != nil {
		zl.Fatal("scheduler start error", zap.Error(err))
	}

	<-rootCtx.Done()
	zl.Info("shutdown signal received, stopping sweep worker")
	scheduler.Stop()
}
