package engine

import "context"

// EventPublisher receives timeline events from the scheduler.
type EventPublisher interface {
	// Publish delivers an event. Errors are logged and never fail a run.
	Publish(ctx context.Context, event *Event) error
}

// RunRecorder persists runs and step results.
type RunRecorder interface {
	// SaveRun creates or updates a run record.
	SaveRun(ctx context.Context, run *Run) error

	// SaveStepResult records the outcome of one step of a run.
	SaveStepResult(ctx context.Context, runID string, result *StepResult) error
}

// Instrumenter wraps runs, targets, and steps with tracing and metrics.
// Each Start method returns a derived context and a function that must be
// called exactly once with the final result.
type Instrumenter interface {
	StartRun(ctx context.Context, run *Run) (context.Context, func(*Run))
	StartTarget(ctx context.Context, runID, target string) (context.Context, func(*TargetResult))
	StartStep(ctx context.Context, target string, index int, description string) (context.Context, func(*StepResult))
}

// noopInstrumenter is used when no Instrumenter is configured.
type noopInstrumenter struct{}

func (noopInstrumenter) StartRun(ctx context.Context, _ *Run) (context.Context, func(*Run)) {
	return ctx, func(*Run) {}
}

func (noopInstrumenter) StartTarget(ctx context.Context, _, _ string) (context.Context, func(*TargetResult)) {
	return ctx, func(*TargetResult) {}
}

func (noopInstrumenter) StartStep(ctx context.Context, _ string, _ int, _ string) (context.Context, func(*StepResult)) {
	return ctx, func(*StepResult) {}
}

type runIDKey struct{}

// WithRunID returns a context carrying the ID of the run in progress.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunIDFromContext returns the run ID set by the scheduler, or "".
// Step actions use it to tag what they record.
func RunIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}
