// Package observability provides structured logging, Prometheus metrics,
// health probes, graceful shutdown, and OpenTelemetry tracing.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("tenant_id", id).Info("tenant provisioned")
//
// Request-scoped loggers travel in the context:
//
//	observability.FromContext(ctx).WithError(err).Warn("group fetch failed")
//
// # Prometheus Metrics
//
//	metrics := observability.NewMetrics(registry)
//	metrics.ObserveLogin("local", "success")
//
// All Observe* helpers accept a nil receiver.
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient, version)
//	observability.RegisterHealthRoutes(router, checker)
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, cfg, logger)
//	handler = observability.WrapHandler(handler, providers, "tenantgate")
package observability
