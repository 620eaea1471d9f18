// Package telemetry provides observability for pie runs.
//
// It integrates structured logging (zerolog), tracing (OpenTelemetry),
// metrics (Prometheus), and an event bus into one Telemetry value that the
// engine uses as its Instrumenter and EventPublisher.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	cfg.Metrics.TextfilePath = "/var/lib/node_exporter/pie.prom"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	tel.Events.Subscribe("ledger", func(ctx context.Context, e *engine.Event) error {
//	    return recorder.Publish(ctx, e)
//	}, nil)
//
//	sched := engine.NewScheduler(runner, tel, recorder).WithInstrumenter(tel)
//
// # Spans
//
// Each run gets a "run.<kind>" span, each target a "target.execute" child,
// and each step a "step.execute" grandchild. Tracing is disabled by default;
// the stdout exporter is useful locally and otlp sends to a collector.
//
// # Metrics
//
// A CLI process is short-lived, so metrics are usually written to a textfile
// on Shutdown for node_exporter. A long-running `pie watch` can serve them on
// ListenAddress instead.
//
// # Events
//
// The EventBus delivers engine events to subscribers in publish order. In
// async mode a single goroutine drains the queue, and Shutdown waits for it.
package telemetry
