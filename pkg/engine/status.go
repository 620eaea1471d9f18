package engine

import (
	"encoding/json"
	"fmt"
)

// RunStatus represents the overall status of a run.
type RunStatus string

const (
	// RunStatusPending indicates the run is created but not yet started.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every target completed successfully.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates the run failed with errors.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the run was interrupted.
	RunStatusCancelled RunStatus = "cancelled"

	// RunStatusPartial indicates some targets succeeded and others failed or were skipped.
	RunStatusPartial RunStatus = "partial"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed ||
		s == RunStatusCancelled || s == RunStatusPartial
}

// IsActive returns true if the run is currently active (pending or running).
func (s RunStatus) IsActive() bool {
	return s == RunStatusPending || s == RunStatusRunning
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded,
		RunStatusFailed, RunStatusCancelled, RunStatusPartial:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}

// TargetStatus represents the status of a target or of one of its steps.
type TargetStatus string

const (
	// TargetStatusPending indicates the target is waiting to execute.
	TargetStatusPending TargetStatus = "pending"

	// TargetStatusRunning indicates the target is currently executing.
	TargetStatusRunning TargetStatus = "running"

	// TargetStatusSucceeded indicates the target completed successfully.
	TargetStatusSucceeded TargetStatus = "succeeded"

	// TargetStatusFailed indicates the target failed.
	TargetStatusFailed TargetStatus = "failed"

	// TargetStatusSkipped indicates the target was not run because a
	// prerequisite failed or the run stopped early.
	TargetStatusSkipped TargetStatus = "skipped"

	// TargetStatusCancelled indicates the target was cancelled.
	TargetStatusCancelled TargetStatus = "cancelled"
)

// IsTerminal returns true if the status represents a final state.
func (s TargetStatus) IsTerminal() bool {
	return s == TargetStatusSucceeded || s == TargetStatusFailed ||
		s == TargetStatusSkipped || s == TargetStatusCancelled
}

// IsActive returns true if the target is pending or running.
func (s TargetStatus) IsActive() bool {
	return s == TargetStatusPending || s == TargetStatusRunning
}

// Validate checks if the target status is valid.
func (s TargetStatus) Validate() error {
	switch s {
	case TargetStatusPending, TargetStatusRunning, TargetStatusSucceeded,
		TargetStatusFailed, TargetStatusSkipped, TargetStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid target status: %s", s)
	}
}

// EventType represents the type of event in the execution timeline.
type EventType string

const (
	EventTypeRunStarted      EventType = "run_started"
	EventTypeRunCompleted    EventType = "run_completed"
	EventTypeRunFailed       EventType = "run_failed"
	EventTypeTargetStarted   EventType = "target_started"
	EventTypeTargetCompleted EventType = "target_completed"
	EventTypeTargetFailed    EventType = "target_failed"
	EventTypeTargetSkipped   EventType = "target_skipped"
	EventTypeStepStarted     EventType = "step_started"
	EventTypeStepCompleted   EventType = "step_completed"
	EventTypeStepFailed      EventType = "step_failed"
	EventTypeWarning         EventType = "warning"
	EventTypeInfo            EventType = "info"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypeRunFailed, EventTypeTargetFailed, EventTypeStepFailed:
		return "error"
	case EventTypeWarning, EventTypeTargetSkipped:
		return "warning"
	default:
		return "info"
	}
}
