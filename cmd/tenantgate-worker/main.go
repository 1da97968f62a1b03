package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/tenantgate/pkg/audit"
	"github.com/platinummonkey/tenantgate/pkg/auth"
	"github.com/platinummonkey/tenantgate/pkg/config"
	"github.com/platinummonkey/tenantgate/pkg/observability"
	"github.com/platinummonkey/tenantgate/pkg/sso"
	"github.com/platinummonkey/tenantgate/pkg/storage"
	"github.com/platinummonkey/tenantgate/pkg/storage/postgres"
)

func main() {
	_ = godotenv.Load()

	runOnce := flag.Bool("run-once", false, "Run every job once and exit")
	logLevel := flag.String("log-level", getEnv("TENANTGATE_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	flag.Parse()

	log := setupLogger(*logLevel)

	cfg, err := config.LoadConfig()
	if err != nil {
		log.WithError(err).Fatal("Invalid configuration")
	}

	// Components log through the structured logger; the worker's own
	// lifecycle goes through logrus.
	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).WithField("service", "tenantgate-worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conns, err := postgres.NewConnectionManager(cfg.Storage, logger)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to database")
	}
	defer conns.Close()

	retention, err := newRetention(ctx, cfg, conns, logger)
	if err != nil {
		log.WithError(err).Fatal("Failed to set up audit retention")
	}

	reconciler, closeRedis, err := newReconciler(cfg, conns, logger)
	if err != nil {
		log.WithError(err).Fatal("Failed to set up directory sync")
	}
	defer closeRedis()

	jobs := map[string]func(){
		"audit-retention": func() { runRetention(ctx, log, retention) },
	}
	if cfg.SSO.SyncSchedule != "" {
		jobs["directory-sync"] = func() { runSync(ctx, log, reconciler) }
	}

	if *runOnce {
		for name, job := range jobs {
			log.WithField("job", name).Info("Running job")
			job()
		}
		return
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(cfg.Audit.RetentionSchedule, jobs["audit-retention"]); err != nil {
		log.WithError(err).Fatal("Invalid audit retention schedule")
	}
	if job, ok := jobs["directory-sync"]; ok {
		if _, err := c.AddFunc(cfg.SSO.SyncSchedule, job); err != nil {
			log.WithError(err).Fatal("Invalid directory sync schedule")
		}
	}

	log.WithFields(logrus.Fields{
		"retention_schedule": cfg.Audit.RetentionSchedule,
		"sync_schedule":      cfg.SSO.SyncSchedule,
	}).Info("Worker started")
	c.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down worker")
	cancel()
	<-c.Stop().Done()
}

func setupLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return log
}

func newRetention(ctx context.Context, cfg *config.Config, conns *postgres.ConnectionManager, logger *observability.Logger) (*audit.Retention, error) {
	var objects audit.ObjectWriter
	switch {
	case cfg.Storage.ObjectStoreEnabled():
		s3Client, err := postgres.NewS3Client(ctx, cfg.Storage)
		if err != nil {
			return nil, err
		}
		objects = s3Client
	case cfg.Storage.ArchiveDir != "":
		fs, err := storage.NewFileSystemObjects(cfg.Storage.ArchiveDir)
		if err != nil {
			return nil, err
		}
		objects = fs
	}

	var archiver audit.Archiver
	if objects != nil {
		archiver = audit.NewObjectArchiver(objects, cfg.Audit.ArchivePrefix)
	}
	return audit.NewRetention(audit.NewDBStore(conns.Primary()), cfg.Audit.RetentionDays, archiver, logger), nil
}

func newReconciler(cfg *config.Config, conns *postgres.ConnectionManager, logger *observability.Logger) (*sso.Reconciler, func(), error) {
	db := conns.Primary()
	// Config.Validate rejects a sync schedule without Redis, so the local lock
	// only ever guards this process.
	var lock sso.RunLock = sso.NewLocalRunLock()
	var status sso.StatusStore = sso.NewMemoryStatusStore()
	closeFn := func() {}

	if cfg.Storage.RedisEnabled() {
		client, err := postgres.NewRedisClient(cfg.Storage)
		if err != nil {
			return nil, nil, err
		}
		lock = sso.NewRedisRunLock(client.Client(), "", sso.DefaultLockTTL)
		status = sso.NewRedisStatusStore(client.Client(), "")
		closeFn = func() { _ = client.Close() }
	}

	reconciler := sso.NewReconciler(
		sso.NewStorage(db),
		sso.NewProviderCache(sso.HTTPClient(cfg.SSO.HTTPTimeout)),
		auth.NewStore(db),
		lock, status,
		sso.ReconcilerConfig{Concurrency: cfg.SSO.SyncConcurrency, DirectoryRPS: cfg.SSO.DirectoryRPS},
		nil, logger,
	)
	return reconciler, closeFn, nil
}

func runRetention(ctx context.Context, log *logrus.Logger, retention *audit.Retention) {
	start := time.Now()
	removed, err := retention.Cleanup(ctx, start)
	if err != nil {
		log.WithError(err).WithField("removed", removed).Error("Audit retention failed")
		return
	}
	log.WithFields(logrus.Fields{
		"removed":  removed,
		"cutoff":   retention.Cutoff(start).Format(time.RFC3339),
		"duration": time.Since(start).String(),
	}).Info("Audit retention completed")
}

func runSync(ctx context.Context, log *logrus.Logger, reconciler *sso.Reconciler) {
	result, err := reconciler.Run(ctx)
	if err != nil {
		log.WithError(err).Error("Directory sync failed")
		return
	}
	log.WithFields(logrus.Fields{
		"created":     result.Created,
		"updated":     result.Updated,
		"deactivated": result.Deactivated,
		"errors":      result.Errors,
		"total":       result.Total,
	}).Info("Directory sync completed")
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
