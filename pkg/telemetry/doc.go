// Package telemetry provides the observability stack of the orchestrator.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry), Prometheus metrics and an in-process event publisher
// behind a single Telemetry value.
//
// # Usage
//
// Initialize telemetry at startup and attach it to the context:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// Tests and library callers without configuration use NewNop, which
// discards logs, spans and metrics but still delivers events synchronously.
//
// # Operations
//
// Every orchestrator operation runs inside an InstrumentedContext that owns
// a span tagged with the target source and a logger carrying the trace IDs:
//
//	ic := tel.StartOperation(ctx, "confirm_targets", id)
//	ic.Logger.Info("targets confirmed")
//	ic.End(err)
//
// Provider calls are wrapped with RecordProviderOperation, which records a
// provider span, call latency and provider errors:
//
//	err := telemetry.RecordProviderOperation(ctx, "AWS", "discover", func(ctx context.Context) error {
//	    return discover(ctx)
//	})
//
// # Metrics
//
// Metrics cover scans, approval decisions, installation checks, connection
// tests, stage transitions, provider calls, classified errors and served
// HTTP requests. A disabled Metrics value accepts every call and records
// nothing. Handler exposes the registry for scraping.
//
// # Events
//
// The EventPublisher fans out lifecycle events such as scan.completed or
// stage.changed to subscribers. Subscribers may filter by type, level or
// target source:
//
//	unsubscribe := tel.Events.Subscribe(func(e telemetry.Event) {
//	    notify(e)
//	}, telemetry.All(
//	    telemetry.FilterByTargetSource(id),
//	    telemetry.FilterByType(telemetry.EventTypeScanCompleted),
//	))
//	defer unsubscribe()
//
// Asynchronous delivery is buffered; a full buffer drops the event and
// Publish reports the drop. Subscribers must not block.
//
// # Configuration
//
// DefaultConfig, DevelopmentConfig and ProductionConfig cover the usual
// environments. ProductionConfig switches to JSON logs and OTLP export with
// reduced sampling.
package telemetry
