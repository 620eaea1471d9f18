package telemetry

import (
	"context"
	"errors"

	"github.com/openedx/pie/pkg/engine"
)

// Telemetry combines logging, tracing, metrics, and the event bus. It
// implements engine.Instrumenter and engine.EventPublisher.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventBus
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	return newTelemetry(cfg, logger)
}

// NewTelemetryWithLogger creates a telemetry instance around an existing logger.
func NewTelemetryWithLogger(cfg *Config, logger *Logger) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newTelemetry(cfg, logger)
}

func newTelemetry(cfg *Config, logger *Logger) (*Telemetry, error) {
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events := NewEventBus(cfg.Events, logger)
	events.Subscribe("log", LogSubscriber(logger.NewComponentLogger("engine")), nil)

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// WithContext adds the telemetry instance and its logger to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry instance from the context,
// or nil when there is none.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Publish implements engine.EventPublisher by forwarding to the event bus.
func (t *Telemetry) Publish(ctx context.Context, event *engine.Event) error {
	return t.Events.Publish(ctx, event)
}

// Shutdown drains the event bus, flushes spans, writes the metrics textfile,
// and closes the log file. All steps run; their errors are joined.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error

	if err := t.Events.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	if err := t.Tracer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	if err := t.Metrics.WriteTextfile(t.Config.Metrics.TextfilePath); err != nil {
		errs = append(errs, err)
	}

	if err := t.Logger.Close(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// StartRun implements engine.Instrumenter.
func (t *Telemetry) StartRun(ctx context.Context, run *engine.Run) (context.Context, func(*engine.Run)) {
	ctx, span := t.Tracer.StartRunSpan(ctx, run.ID, run.Kind)

	logger := t.Logger.WithRunID(run.ID)
	ctx = logger.WithContext(ctx)

	t.Metrics.RecordRunStarted(run.Kind)
	logger.Zerolog().Debug().
		Str("kind", run.Kind).
		Strs("targets", run.Targets).
		Bool("dry_run", run.DryRun).
		Msg("run started")

	return ctx, func(run *engine.Run) {
		span.SetAttributes(AttrRunStatus.String(string(run.Status)))
		if run.Status == engine.RunStatusSucceeded {
			RecordSuccess(span)
		} else if run.Error != "" {
			RecordError(span, errors.New(run.Error))
		}
		span.End()

		t.Metrics.RecordRunCompleted(run.Kind, string(run.Status), run.Duration)
		logger.Zerolog().Info().
			Str("status", string(run.Status)).
			Dur("duration", run.Duration).
			Str("summary", run.Summary.String()).
			Msg("run finished")
	}
}

// StartTarget implements engine.Instrumenter.
func (t *Telemetry) StartTarget(ctx context.Context, runID, target string) (context.Context, func(*engine.TargetResult)) {
	ctx, span := t.Tracer.StartTargetSpan(ctx, runID, target)

	logger := FromContext(ctx).WithTarget(target)
	ctx = logger.WithContext(ctx)
	logger.Debug("target started")

	return ctx, func(result *engine.TargetResult) {
		span.SetAttributes(AttrTargetStatus.String(string(result.Status)))
		if result.Error != nil {
			span.SetAttributes(
				AttrErrorClass.String(string(result.Error.Class)),
				AttrErrorCode.String(result.Error.Code),
			)
			RecordError(span, result.Error)
			t.Metrics.RecordError(string(result.Error.Class), result.Error.Code)
		} else {
			RecordSuccess(span)
		}
		span.End()

		t.Metrics.RecordTargetExecution(target, string(result.Status), result.Duration)
		logger.Zerolog().Debug().
			Str("status", string(result.Status)).
			Dur("duration", result.Duration).
			Msg("target finished")
	}
}

// StartStep implements engine.Instrumenter.
func (t *Telemetry) StartStep(ctx context.Context, target string, index int, description string) (context.Context, func(*engine.StepResult)) {
	ctx, span := t.Tracer.StartStepSpan(ctx, target, index, description)

	return ctx, func(result *engine.StepResult) {
		span.SetAttributes(
			AttrStepCommand.String(result.Command),
			AttrStepExitCode.Int(result.ExitCode),
			AttrStepAttempts.Int(result.Attempts),
		)
		if result.Error != "" {
			RecordError(span, errors.New(result.Error))
		} else {
			RecordSuccess(span)
		}
		span.End()

		t.Metrics.RecordStepExecution(target, string(result.Status), result.Attempts)
	}
}
