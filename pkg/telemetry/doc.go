// Package telemetry provides observability instrumentation for metahook.
//
// The telemetry package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry) and metrics (Prometheus) behind a single Telemetry value.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
//	logger := tel.Logger.NewComponentLogger("delegation")
//	logger.WithField("module_id", 12).Debug("Dependency set computed")
//
// Library packages accept a zerolog.Logger; pass tel.Logger.Zerolog() to them.
//
// # Metrics
//
// The Metrics type owns a private Prometheus registry. All recording methods are safe
// on a disabled or nil *Metrics, so callers never need to check configuration:
//
//	tel.Metrics.RecordCacheHit()
//	tel.Metrics.RecordDelegation("resolve_one", "hit", elapsed)
//
// Set MetricsConfig.ListenAddress to serve the registry over HTTP at MetricsConfig.Path.
//
// # Distributed Tracing
//
// Delegated lookups run inside spans named delegation.resolve_one and
// delegation.resolve_all, carrying the module.id and resource.name attributes.
package telemetry
