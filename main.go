package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"fleet-orchestrator/internal/allocator"
	"fleet-orchestrator/internal/backup"
	"fleet-orchestrator/internal/certs"
	"fleet-orchestrator/internal/command"
	"fleet-orchestrator/internal/config"
	"fleet-orchestrator/internal/events"
	"fleet-orchestrator/internal/handlers"
	"fleet-orchestrator/internal/metrics"
	"fleet-orchestrator/internal/middleware"
	"fleet-orchestrator/internal/models"
	"fleet-orchestrator/internal/monitoring"
	"fleet-orchestrator/internal/provisioning"
	"fleet-orchestrator/internal/proxy"
	redisclient "fleet-orchestrator/internal/redis"
	"fleet-orchestrator/internal/repository"
	containerruntime "fleet-orchestrator/internal/runtime"
	"fleet-orchestrator/internal/services"
	"fleet-orchestrator/internal/snapshot"
	"fleet-orchestrator/internal/staging"
	"fleet-orchestrator/internal/workers"
)

func main() {
	cfg := config.New()

	setupLogging(cfg)

	if cfg.Sentry.DSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.Sentry.DSN,
			Environment: cfg.App.Environment,
		}); err != nil {
			logrus.WithError(err).Warn("Failed to initialize Sentry")
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	db, err := initDatabase(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize database")
	}

	if err := autoMigrate(db); err != nil {
		logrus.WithError(err).Fatal("Failed to migrate database")
	}

	// Redis is optional; without it alert cooldowns fall back to process
	// memory and health snapshots are not cached
	var redisClient *redisclient.Client
	redisClient, err = redisclient.NewClient(cfg.Redis)
	if err != nil {
		logrus.WithError(err).Warn("Failed to connect to Redis, using in-process alert cooldowns")
		redisClient = nil
	}

	// NATS is optional; without it events are dropped
	var sink events.Sink = events.NopSink{}
	publisher, err := events.NewPublisher(cfg.NATS)
	if err != nil {
		logrus.WithError(err).Warn("Failed to connect to NATS, event publishing disabled")
		publisher = nil
	} else {
		sink = publisher
		defer publisher.Close()
	}

	collector := metrics.New(prometheus.DefaultRegisterer)

	// External tooling clients share one command runner
	runner := command.NewExecRunner(30 * time.Minute)
	runtimeClient := containerruntime.NewClient(runner)
	proxyClient := proxy.NewClient(cfg.Fleet.ProxyConfigDir, cfg.Fleet.ProxyReloadCmd, runner)
	certClient := certs.NewClient(cfg.Fleet.CertEmail, runner)
	snapshotStore := snapshot.NewResticStore(cfg.Backup.Repository, cfg.Backup.PasswordFile, runner)

	// Repositories
	serverRepo := repository.NewServerRepository(db)
	customerRepo := repository.NewCustomerRepository(db)
	jobRepo := repository.NewJobRepository(db)
	stagingRepo := repository.NewStagingRepository(db)
	backupRepo := repository.NewBackupRepository(db)
	monitoringRepo := repository.NewMonitoringRepository(db)

	// Services
	portAllocator := allocator.New(allocator.NewGormBackend(db))
	customerService := services.NewCustomerService(customerRepo, jobRepo)
	provisioningService := provisioning.NewService(customerRepo, jobRepo, portAllocator)
	lifecycle := provisioning.NewLifecycle(customerRepo, runtimeClient, proxyClient,
		portAllocator, cfg.Fleet.TenantRoot, cfg.Fleet.BaseDomain)
	stagingEngine := staging.NewEngine(cfg.Staging, cfg.Fleet, stagingRepo,
		customerRepo, runtimeClient, snapshotStore, runner, sink, collector)
	backupOrchestrator := backup.NewOrchestrator(cfg.Backup, cfg.Fleet, backupRepo,
		customerRepo, snapshotStore, runtimeClient, runner, sink, collector)

	var cooldown monitoring.CooldownKeeper = monitoring.NewMemoryCooldown()
	if redisClient != nil {
		cooldown = redisClient
	}
	monitoringEngine := monitoring.NewEngine(cfg.Monitoring, cfg.Fleet, monitoringRepo,
		runtimeClient, cooldown, sink, collector)

	// Background workers
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	provisioningWorker := provisioning.NewWorker(cfg.Provisioning, cfg.Fleet,
		customerRepo, jobRepo, runtimeClient, proxyClient, certClient, sink, collector)
	provisioningWorker.Start(workerCtx)

	var healthCache workers.HealthCache
	if redisClient != nil {
		healthCache = redisClient
	}
	monitorWorker := workers.NewMonitorWorker(cfg.Monitoring, monitoringEngine, customerRepo, monitoringRepo, healthCache)
	go monitorWorker.Start(workerCtx)

	backupWorker := workers.NewBackupWorker(cfg.Backup, backupOrchestrator, customerRepo)
	go backupWorker.Start(workerCtx)

	reaper := workers.NewReaperWorker(cfg.Fleet, serverRepo, collector)
	go reaper.Start(workerCtx)

	// Handlers
	healthHandler := handlers.NewHealthHandler(db, publisher, redisClient)
	customerHandler := handlers.NewCustomerHandler(customerService, provisioningService, lifecycle, customerRepo)
	jobHandler := handlers.NewJobHandler(provisioningService, jobRepo)
	serverHandler := handlers.NewServerHandler(serverRepo)
	stagingHandler := handlers.NewStagingHandler(stagingEngine, stagingRepo)
	backupHandler := handlers.NewBackupHandler(backupOrchestrator, backupRepo)
	var healthReader handlers.HealthReader
	if redisClient != nil {
		healthReader = redisClient
	}
	monitoringHandler := handlers.NewMonitoringHandler(monitoringEngine, customerRepo, monitoringRepo, healthReader)

	router := setupRouter(cfg, collector,
		healthHandler, customerHandler, jobHandler, serverHandler,
		stagingHandler, backupHandler, monitoringHandler)

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logrus.WithField("addr", server.Addr).Info("Starting fleet-orchestrator")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logrus.Info("Shutting down...")

	stopWorkers()
	provisioningWorker.Stop()
	monitorWorker.Stop()
	backupWorker.Stop()
	reaper.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logrus.WithError(err).Error("Server forced to shutdown")
	}

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logrus.WithError(err).Warn("Error closing Redis connection")
		}
	}

	logrus.Info("Server exited")
}

func setupLogging(cfg *config.Config) {
	level, err := logrus.ParseLevel(cfg.App.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if cfg.App.Environment == "production" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
}

func initDatabase(cfg *config.Config) (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.Database.Host, cfg.Database.Port, cfg.Database.User,
		cfg.Database.Password, cfg.Database.Name, cfg.Database.SSLMode)

	logLevel := gormlogger.Warn
	if cfg.Server.Mode == gin.DebugMode {
		logLevel = gormlogger.Info
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(logLevel),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return db, nil
}

func autoMigrate(db *gorm.DB) error {
	if err := db.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp"`).Error; err != nil {
		logrus.WithError(err).Warn("Could not ensure uuid-ossp extension")
	}

	if err := db.AutoMigrate(
		&models.Server{},
		&models.Customer{},
		&models.ProvisioningJob{},
		&models.StagingEnvironment{},
		&models.StagingSyncRecord{},
		&models.BackupJob{},
		&models.MonitoringStatus{},
		&models.ProbeSample{},
		&models.Alert{},
	); err != nil {
		return err
	}

	// Partial unique indexes backing the one-active-slot guarantees. The
	// repositories map violations to the already-active errors, so two
	// racing requests cannot both claim a slot.
	for _, stmt := range []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_provisioning_jobs_one_active
			ON provisioning_jobs (customer_id) WHERE status IN ('queued', 'running')`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_staging_sync_records_one_running
			ON staging_sync_records (staging_environment_id) WHERE status = 'running'`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_backup_jobs_one_running
			ON backup_jobs (customer_id) WHERE status = 'running'`,
	} {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

func setupRouter(
	cfg *config.Config,
	collector *metrics.Metrics,
	healthHandler *handlers.HealthHandler,
	customerHandler *handlers.CustomerHandler,
	jobHandler *handlers.JobHandler,
	serverHandler *handlers.ServerHandler,
	stagingHandler *handlers.StagingHandler,
	backupHandler *handlers.BackupHandler,
	monitoringHandler *handlers.MonitoringHandler,
) *gin.Engine {
	if cfg.Server.Mode == gin.ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = []string{
		"http://localhost:3000",
		"https://admin.storehost.app",
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Request-ID"}
	corsConfig.AllowCredentials = true

	router.Use(cors.New(corsConfig))
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.StructuredLogger())
	router.Use(collector.Middleware())

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/health", healthHandler.Health)
	router.GET("/ready", healthHandler.Ready)

	v1 := router.Group("/api/v1")
	{
		servers := v1.Group("/servers")
		{
			servers.POST("", serverHandler.Register)
			servers.GET("", serverHandler.List)
			servers.GET("/:id", serverHandler.Get)
			servers.POST("/:id/heartbeat", serverHandler.Heartbeat)
			servers.PUT("/:id/status", serverHandler.SetStatus)
		}

		customers := v1.Group("/customers")
		{
			customers.POST("", customerHandler.Signup)
			customers.GET("", customerHandler.List)
			customers.GET("/:id", customerHandler.Get)
			customers.DELETE("/:id", customerHandler.Delete)
			customers.POST("/:id/provision", customerHandler.Provision)
			customers.POST("/:id/retry", customerHandler.Provision)
			customers.POST("/:id/suspend", customerHandler.Suspend)
			customers.POST("/:id/resume", customerHandler.Resume)

			customers.GET("/:id/jobs", jobHandler.ListByCustomer)

			customers.POST("/:id/staging", stagingHandler.Create)
			customers.GET("/:id/staging", stagingHandler.Get)
			customers.POST("/:id/staging/sync", stagingHandler.Sync)

			customers.POST("/:id/backups", backupHandler.Create)
			customers.GET("/:id/backups", backupHandler.List)
			customers.GET("/:id/snapshots", backupHandler.Snapshots)
			customers.POST("/:id/restore", backupHandler.Restore)

			customers.GET("/:id/monitoring", monitoringHandler.Status)
			customers.POST("/:id/monitoring/check", monitoringHandler.Check)
		}

		jobs := v1.Group("/jobs")
		{
			jobs.GET("/:id", jobHandler.Get)
			jobs.POST("/:id/cancel", jobHandler.Cancel)
		}

		backups := v1.Group("/backups")
		{
			backups.GET("/:id", backupHandler.Get)
		}

		alerts := v1.Group("/alerts")
		{
			alerts.GET("", monitoringHandler.ListAlerts)
			alerts.POST("/:id/ack", monitoringHandler.AcknowledgeAlert)
		}
	}

	return router
}
