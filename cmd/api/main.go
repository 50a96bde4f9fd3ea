package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"streamsight/internal/core/ports"
	"streamsight/internal/core/services"
	httphandlers "streamsight/internal/handlers/http"
	"streamsight/internal/infrastructure/backup"
	"streamsight/internal/infrastructure/capture"
	distributedinfra "streamsight/internal/infrastructure/distributed"
	"streamsight/internal/infrastructure/middleware"
	"streamsight/internal/infrastructure/monitoring"
	"streamsight/internal/infrastructure/reliability"
	"streamsight/internal/infrastructure/repositories"
	pkgbackup "streamsight/pkg/backup"
	"streamsight/pkg/config"
	"streamsight/pkg/distributed"
	"streamsight/pkg/logger"
	"streamsight/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const backupVersion = "1"

func main() {
	startTime := time.Now()

	configPath := flag.String("config", "configs/config.yaml", "path to the YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tracingCfg := tracing.DefaultConfig()
	tracingCfg.Enabled = cfg.Tracing.Enabled
	tracingCfg.JaegerURL = cfg.Tracing.JaegerURL
	tracingCfg.Environment = cfg.Tracing.Environment
	tracingCfg.SampleRate = cfg.Tracing.SampleRate
	tp, err := tracing.Init(tracingCfg)
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	collector := monitoring.NewPrometheusCollector(nil)

	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to open report store", "error", err)
	}
	reportRepo := reliability.NewFromConfig(repoFactory.CreateReportRepository(), repoFactory.Backend(), cfg, log)

	var snapshots *backup.Scheduler
	if cfg.Backup.Enabled {
		snapshots = startBackups(cfg, reportRepo, repoFactory.RedisClient(), log)
	}

	analysisService := services.NewAnalysisService(cfg.Analysis, collector, log)
	reportService := services.NewCachedReportService(
		services.NewReportService(analysisService, reportRepo, collector, log),
		cfg.Cache.ReportTTL,
	)

	// instances sharing a Redis store keep their caches coherent over pub/sub
	var eventBus *distributedinfra.EventBus
	if client := repoFactory.RedisClient(); client != nil {
		eventBus = distributedinfra.NewEventBus(client, uuid.NewString(), log)
		reportService.WithEvents(eventBus)
		go func() {
			err := eventBus.Subscribe(context.Background(), func(e *distributedinfra.Event) error {
				reportService.Invalidate(e.ReportID)
				return nil
			})
			if err != nil {
				log.Warnw("Event subscription ended", "error", err)
			}
		}()
	}

	healthChecker := monitoring.NewHealthChecker()
	healthChecker.AddRepositoryCheck(reportRepo, 30*time.Second, 2*time.Second)
	if client := repoFactory.RedisClient(); client != nil {
		healthChecker.AddRedisCheck(client, 15*time.Second, 2*time.Second)
	}
	checksCtx, stopChecks := context.WithCancel(context.Background())
	defer stopChecks()
	healthChecker.StartBackgroundChecks(checksCtx, func(name string, err error) {
		log.Warnw("Health check failed", "check", name, "error", err)
	})

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RequestIDMiddleware(),
		middleware.RecoveryMiddleware(log),
		middleware.AccessLogMiddleware(zapLogger),
		middleware.TracingMiddleware("/health", "/ready"),
		middleware.NewHTTPRateLimitMiddleware(cfg),
		middleware.ErrorHandlerMiddleware(log),
	)

	reportHandler := httphandlers.NewReportHandler(
		reportService,
		capture.UploadOpener(cfg.Analysis),
		cfg.Server.MaxUploadBytes,
		log,
	)
	if cfg.Auth.Enabled {
		authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
		reportHandler.WithWriteGuard(middleware.AuthMiddleware(authService))
	} else {
		log.Warnw("Auth disabled, report creation and deletion are open")
	}
	reportHandler.SetupRoutes(router)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now(),
			"uptime":    time.Since(startTime).String(),
			"store":     repoFactory.Backend(),
			"breaker":   reportRepo.CircuitBreakerStats(),
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		status := healthChecker.GetReadinessStatus(ctx)
		code := http.StatusOK
		if status.Status == monitoring.StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

	var metricsSrv *http.Server
	if cfg.Monitoring.PrometheusEnabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Monitoring.PrometheusPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Infow("Serving Prometheus metrics", "port", cfg.Monitoring.PrometheusPort)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorw("Metrics server failed", "error", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting StreamSight API on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down StreamSight API...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	} else {
		log.Info("Server shutdown gracefully")
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			log.Warnw("Error shutting down metrics server", "error", err)
		}
	}

	stopChecks()
	if eventBus != nil {
		if err := eventBus.Close(); err != nil {
			log.Warnw("Error closing event bus", "error", err)
		}
	}
	reportService.Stop()

	if snapshots != nil {
		snapshots.Stop()
		if _, err := snapshots.RunOnce(shutdownCtx); err != nil {
			log.Errorw("Final backup failed", "error", err)
		}
	}

	if err := repoFactory.Close(); err != nil {
		log.Errorw("Error closing repository factory", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("Error flushing traces", "error", err)
	}

	log.Info("StreamSight API stopped")
}

// startBackups restores the latest snapshot when configured and starts the
// periodic snapshot loop.
func startBackups(cfg *config.Config, repo ports.ReportRepository, client redis.UniversalClient, log *zap.SugaredLogger) *backup.Scheduler {
	storage, err := pkgbackup.NewFileStorage(cfg.Backup.Path)
	if err != nil {
		log.Fatalw("failed to open backup storage", "path", cfg.Backup.Path, "error", err)
	}
	backupService := pkgbackup.NewBackupService(storage, backupVersion)

	if cfg.Backup.RestoreOnStart {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		n, err := backup.NewRestoreService(backupService, repo, log).RestoreLatest(ctx, backup.RestoreOptions{})
		cancel()
		if err != nil {
			log.Errorw("Restore from backup failed", "error", err)
		} else if n > 0 {
			log.Infow("Reports restored from backup", "count", n)
		}
	}

	schedCfg := backup.Config{
		Interval:   cfg.Backup.Interval,
		Retention:  cfg.Backup.Retention,
		MaxBackups: cfg.Backup.MaxBackups,
	}
	if client != nil {
		schedCfg.Lock = distributed.NewLockManager(client, "streamsight:lock:").AcquireLock("backup", time.Minute)
	}
	scheduler := backup.NewScheduler(backupService, repo, schedCfg, log)
	go scheduler.Start(context.Background())
	return scheduler
}
