package stores

import (
	"context"
	"database/sql"
	"time"
)

// EventLevel represents the severity level of an event
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Run represents a target or provisioning run
type Run struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`    // run, provision, wait-db
	Targets     string     `json:"targets"` // JSON array of requested targets
	Status      string     `json:"status"`
	DryRun      bool       `json:"dry_run"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMS  int64      `json:"duration_ms"`
	Summary     string     `json:"summary"` // JSON blob
	Error       *string    `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// StepResult represents the recorded outcome of one step
type StepResult struct {
	ID          int64     `json:"id"`
	RunID       string    `json:"run_id"`
	Target      string    `json:"target"`
	StepIndex   int       `json:"step_index"`
	Description string    `json:"description"`
	Command     string    `json:"command"` // display form, env values and stdin hidden
	Status      string    `json:"status"`
	Ignored     bool      `json:"ignored"`
	ExitCode    int       `json:"exit_code"`
	Stdout      string    `json:"stdout"`
	Stderr      string    `json:"stderr"`
	Attempts    int       `json:"attempts"`
	StartedAt   time.Time `json:"started_at"`
	DurationMS  int64     `json:"duration_ms"`
	Error       *string   `json:"error,omitempty"`
}

// Event represents an append-only log event
type Event struct {
	ID        int64      `json:"id"`
	EventID   string     `json:"event_id"`
	RunID     *string    `json:"run_id,omitempty"`
	Target    *string    `json:"target,omitempty"`
	Type      string     `json:"type"`
	Level     EventLevel `json:"level"`
	Message   string     `json:"message"`
	Details   *string    `json:"details,omitempty"` // JSON blob
	Timestamp time.Time  `json:"timestamp"`
}

// OAuthApplication records a DOT application registered against the LMS.
// Only a fingerprint of the client secret is kept.
type OAuthApplication struct {
	Name              string    `json:"name"`
	ClientID          string    `json:"client_id"`
	SecretFingerprint string    `json:"secret_fingerprint"`
	GrantType         string    `json:"grant_type"`
	RedirectURIs      string    `json:"redirect_uris"` // JSON array
	Scopes            string    `json:"scopes"`        // JSON array
	SkipAuthorization bool      `json:"skip_authorization"`
	User              string    `json:"user"`
	LastRunID         *string   `json:"last_run_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// AuditEntry represents an audit trail entry
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`              // e.g., "provision.started", "oauth.registered"
	Actor     string    `json:"actor"`               // user or system identifier
	TargetID  *string   `json:"target_id,omitempty"` // run, target, or application name
	Details   *string   `json:"details,omitempty"`   // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	UpsertRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRunStatus(ctx context.Context, id string, status string, err *string) error
	ListRuns(ctx context.Context, kind *string, limit, offset int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Step result operations
	CreateStepResult(ctx context.Context, result *StepResult) error
	ListStepResults(ctx context.Context, runID string) ([]*StepResult, error)

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID *string, target *string, level *EventLevel, limit, offset int) ([]*Event, error)

	// OAuth application operations
	UpsertApplications(ctx context.Context, apps []*OAuthApplication) error
	GetApplication(ctx context.Context, name string) (*OAuthApplication, error)
	ListApplications(ctx context.Context) ([]*OAuthApplication, error)

	// Audit operations
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
