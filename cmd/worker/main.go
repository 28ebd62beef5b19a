package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/askarbek/pulse/config"
	"github.com/askarbek/pulse/internal/health"
	"github.com/askarbek/pulse/internal/infrastructure/postgres"
	ctxlog "github.com/askarbek/pulse/internal/log"
	"github.com/askarbek/pulse/internal/metrics"
	"github.com/askarbek/pulse/internal/notification"
	"github.com/askarbek/pulse/internal/scheduler"
	httptransport "github.com/askarbek/pulse/internal/transport/http"
	"github.com/askarbek/pulse/internal/transport/http/handler"
)

func main() {
	runJobID := flag.String("run-job", "", "execute a single claimed job and exit (fork-mode child entry)")
	demo := flag.Bool("demo", false, "register demo job definitions")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := newLogger(cfg.Env, cfg.SlogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer pool.Close()

	logger.Info("db connected")

	repo := postgres.NewJobRepository(pool)
	if err := repo.EnsureSchema(ctx); err != nil {
		log.Fatalf("schema: %v", err)
	}

	var channel notification.Channel
	if cfg.Notifications {
		channel = postgres.NewNotifier(pool, logger)
	}

	engine := scheduler.New(repo, scheduler.Options{
		Name:                cfg.WorkerName,
		ProcessEvery:        cfg.ProcessEvery(),
		DefaultConcurrency:  cfg.DefaultConcurrency,
		MaxConcurrency:      cfg.MaxConcurrency,
		LockLimit:           cfg.LockLimit,
		DefaultLockLifetime: cfg.LockLifetime(),
		Logger:              logger,
		Channel:             channel,
	})

	if *demo {
		registerDemoJobs(engine, logger)
	}

	if *runJobID != "" {
		// Fork-mode child: run the single job and report via exit code.
		if err := engine.RunJob(ctx, *runJobID); err != nil {
			logger.Error("run job", "job_id", *runJobID, "error", err)
			os.Exit(1)
		}
		return
	}

	metrics.Register()
	metrics.WorkerStartTime.Set(float64(time.Now().Unix()))
	checker := health.NewChecker(pool, channel, logger, prometheus.DefaultRegisterer)

	if err := engine.Start(ctx); err != nil {
		log.Fatalf("scheduler: %v", err)
	}

	metricsSrv := metrics.NewServer(":" + cfg.MetricsPort)
	go func() {
		logger.Info("metrics server started", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()

	jobHandler := handler.NewJobHandler(engine, logger)
	adminSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httptransport.NewRouter(jobHandler, checker, logger),
	}
	go func() {
		logger.Info("admin server started", "port", cfg.Port)
		if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("admin server", "error", err)
		}
	}()

	<-ctx.Done()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()

	if err := engine.Drain(shutdownCtx, cfg.ShutdownTimeout()); err != nil {
		logger.Error("drain", "error", err)
	}
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin server shutdown", "error", err)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", "error", err)
	}

	logger.Info("worker shut down")
}

func registerDemoJobs(engine *scheduler.Scheduler, logger *slog.Logger) {
	_ = engine.Define("heartbeat", func(ctx context.Context, j *scheduler.Job) error {
		logger.InfoContext(ctx, "heartbeat", "data", j.Data())
		return nil
	})
	_ = engine.Define("slow-report", func(ctx context.Context, j *scheduler.Job) error {
		for i := 0; i <= 100; i += 20 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			if err := j.Touch(ctx, float64(i)); err != nil {
				return err
			}
		}
		return nil
	}, scheduler.DefineOpts{Concurrency: 1})
}

func newLogger(env string, level slog.Level) *slog.Logger {
	var inner slog.Handler
	if env == "local" {
		inner = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	} else {
		inner = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}
	return slog.New(ctxlog.NewContextHandler(inner))
}
