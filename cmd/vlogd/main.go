package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"vlog-backend/config"
	"vlog-backend/internal/api"
	"vlog-backend/internal/clock"
	"vlog-backend/internal/db"
	"vlog-backend/internal/dispatch"
	"vlog-backend/internal/livestream"
	"vlog-backend/internal/logging"
	"vlog-backend/internal/notification"
	"vlog-backend/internal/pool"
	"vlog-backend/internal/runner"
	"vlog-backend/internal/scheduler"
	"vlog-backend/internal/session"
	"vlog-backend/internal/store"
	"vlog-backend/internal/supervisor"
)

func main() {
	// A missing .env is fine; real deployments set the environment directly.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
		os.Exit(1)
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml" // Default path for local development
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration from %s: %v\n", configPath, err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Log)
	logger.Info().Str("path", configPath).Msg("configuration loaded")

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("vlogd stopped with error")
	}
	logger.Info().Msg("vlogd gracefully stopped")
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	webpushOptions := webpush.Options{
		VAPIDPublicKey:  cfg.Push.PublicKey,
		VAPIDPrivateKey: cfg.Push.PrivateKey,
		Subscriber:      cfg.Push.Subject,
		TTL:             cfg.Push.TTL,
	}

	gormDB, err := db.Init(&cfg.Database, logger)
	if err != nil {
		return err
	}

	clk := clock.Real{}
	appStore := store.NewGormStore(gormDB, clk)
	directory := store.NewUserDirectory(gormDB, store.SchedulingDefaults{
		DailyRequestLimit: cfg.Scheduler.DailyRequestLimit,
		WindowStartMinute: cfg.Scheduler.WindowStartMinute,
		WindowEndMinute:   cfg.Scheduler.WindowEndMinute,
	})

	vendor := livestream.NewBreaker(livestream.NewWowzaClient(cfg.Livestream), cfg.Livestream, logger)
	livestreams := pool.NewManager(appStore, vendor, clk, pool.Config{
		MaxPoolSize:               cfg.Pool.MaxPoolSize,
		MaxCreateRequestsPerCycle: cfg.Pool.MaxCreateRequestsPerCycle,
		CreateConcurrency:         cfg.Pool.CreateConcurrency,
	}, logger)
	sessions := session.NewManager(appStore, appStore, vendor, livestreams, clk, session.Config{
		ResponseTimeout: cfg.Scheduler.ResponseTimeout,
		ConnectTimeout:  cfg.Scheduler.ConnectTimeout,
	}, logger)

	worker := dispatch.NewWorker(dispatch.Deps{
		Requests:    appStore,
		Livestreams: appStore,
		Pool:        livestreams,
		Sessions:    sessions,
		Vendor:      vendor,
		Sender:      notification.NewWebPushSender(appStore, &webpushOptions, logger),
		Clock:       clk,
	}, cfg.Scheduler.ResponseTimeout, logger)

	jobs := runner.New(worker, runner.Config{
		Size:          cfg.WorkerPool.Size,
		QueueSize:     cfg.WorkerPool.QueueSize,
		MaxAttempts:   cfg.WorkerPool.MaxAttempts,
		RetryDelay:    cfg.WorkerPool.RetryDelay,
		ShutdownGrace: cfg.WorkerPool.ShutdownGrace,
	}, logger)

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(api.NewHandler(appStore, worker, livestreams, &webpushOptions, logger), cfg.Server)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	tree := supervisor.NewTree(logger, supervisor.TreeConfig{
		ShutdownTimeout: cfg.WorkerPool.ShutdownGrace + 5*time.Second,
	})
	tree.AddCoreService("runner", jobs)
	tree.AddCoreService("sessions", sessions)
	if cfg.Scheduler.Enabled {
		sched := scheduler.New(directory, appStore, jobs, scheduler.Config{CleanupAfter: cfg.Pool.CleanupAfter}, logger)
		tree.AddCoreService("ticker", scheduler.NewTicker(sched, clk, logger))
	} else {
		logger.Warn().Msg("scheduler disabled, no vlog requests will be issued")
	}
	tree.AddAPIService("http", supervisor.NewHTTPService(server, 5*time.Second))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().Int("port", cfg.Server.Port).Msg("vlogd starting")
	err = tree.Serve(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if report, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		logger.Warn().Int("count", len(report)).Msg("services did not stop within the shutdown timeout")
	}
	return err
}
