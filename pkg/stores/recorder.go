package stores

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openedx/pie/pkg/engine"
)

// Recorder adapts a Store to engine.RunRecorder and engine.EventPublisher.
type Recorder struct {
	store Store
}

// NewRecorder returns a recorder writing to store.
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store}
}

// SaveRun implements engine.RunRecorder.
func (r *Recorder) SaveRun(ctx context.Context, run *engine.Run) error {
	targets, err := json.Marshal(run.Targets)
	if err != nil {
		return fmt.Errorf("failed to encode targets: %w", err)
	}
	summary, err := json.Marshal(run.Summary)
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}

	rec := &Run{
		ID:          run.ID,
		Kind:        run.Kind,
		Targets:     string(targets),
		Status:      string(run.Status),
		DryRun:      run.DryRun,
		StartedAt:   run.StartedAt.UTC(),
		CompletedAt: run.CompletedAt,
		DurationMS:  run.Duration.Milliseconds(),
		Summary:     string(summary),
	}
	if run.Error != "" {
		msg := run.Error
		rec.Error = &msg
	}

	return r.store.UpsertRun(ctx, rec)
}

// SaveStepResult implements engine.RunRecorder.
func (r *Recorder) SaveStepResult(ctx context.Context, runID string, result *engine.StepResult) error {
	rec := &StepResult{
		RunID:       runID,
		Target:      result.Target,
		StepIndex:   result.Index,
		Description: result.Description,
		Command:     result.Command,
		Status:      string(result.Status),
		Ignored:     result.Ignored,
		ExitCode:    result.ExitCode,
		Stdout:      result.Stdout,
		Stderr:      result.Stderr,
		Attempts:    result.Attempts,
		StartedAt:   result.StartedAt.UTC(),
		DurationMS:  result.Duration.Milliseconds(),
	}
	if result.Error != "" {
		msg := result.Error
		rec.Error = &msg
	}

	return r.store.CreateStepResult(ctx, rec)
}

// Publish implements engine.EventPublisher.
func (r *Recorder) Publish(ctx context.Context, event *engine.Event) error {
	rec := &Event{
		EventID:   event.ID,
		Type:      string(event.Type),
		Level:     EventLevel(event.Level),
		Message:   event.Message,
		Timestamp: event.Timestamp.UTC(),
	}
	if event.RunID != "" {
		runID := event.RunID
		rec.RunID = &runID
	}
	if event.Target != "" {
		target := event.Target
		rec.Target = &target
	}
	if len(event.Data) > 0 {
		details, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to encode event details: %w", err)
		}
		s := string(details)
		rec.Details = &s
	}

	return r.store.AppendEvent(ctx, rec)
}

// Audit records an audit entry. details is encoded as JSON when non-nil.
func (r *Recorder) Audit(ctx context.Context, action, actor, targetID string, details map[string]interface{}) error {
	entry := &AuditEntry{Action: action, Actor: actor}
	if targetID != "" {
		entry.TargetID = &targetID
	}
	if details != nil {
		b, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("failed to encode audit details: %w", err)
		}
		s := string(b)
		entry.Details = &s
	}
	return r.store.CreateAuditEntry(ctx, entry)
}
