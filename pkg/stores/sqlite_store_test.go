package stores

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openedx/pie/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func strPtr(s string) *string { return &s }

func TestNewSQLiteStore_RequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Fatal("health check should fail before Init")
	}

	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tables := []string{"runs", "step_results", "events", "oauth_applications", "audit"}
	for _, table := range tables {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// Running migrations twice is a no-op
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("second Migrate() error = %v", err)
	}
}

func TestStoreFileDatabase(t *testing.T) {
	path := t.TempDir() + "/pie.db"

	store, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if err := store.CreateRun(ctx, &Run{ID: "r1", Kind: "run", Targets: "[]", Status: "running", StartedAt: time.Now(), Summary: "{}"}); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}
	_ = store.Close()

	reopened, _ := NewSQLiteStore(Config{Path: path})
	if err := reopened.Init(ctx); err != nil {
		t.Fatalf("reopen Init() error = %v", err)
	}
	defer reopened.Close()

	if _, err := reopened.GetRun(ctx, "r1"); err != nil {
		t.Errorf("run should persist across connections: %v", err)
	}
}

// TestRunCRUD tests Run CRUD operations
func TestRunCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run := &Run{
		ID:        "run-001",
		Kind:      "run",
		Targets:   `["validate"]`,
		Status:    "running",
		StartedAt: time.Now().UTC(),
		Summary:   `{"total":5}`,
	}

	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}

	got, err := store.GetRun(ctx, "run-001")
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.Kind != "run" || got.Targets != `["validate"]` || got.Status != "running" {
		t.Errorf("unexpected run: %+v", got)
	}
	if got.CompletedAt != nil {
		t.Error("CompletedAt should be nil for a running run")
	}

	if err := store.UpdateRunStatus(ctx, "run-001", "failed", strPtr("pytest exited 1")); err != nil {
		t.Fatalf("UpdateRunStatus() error = %v", err)
	}

	got, _ = store.GetRun(ctx, "run-001")
	if got.Status != "failed" || got.Error == nil || *got.Error != "pytest exited 1" {
		t.Errorf("status not updated: %+v", got)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt should be set for a terminal status")
	}

	if err := store.UpdateRunStatus(ctx, "missing", "failed", nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := store.DeleteRun(ctx, "run-001"); err != nil {
		t.Fatalf("DeleteRun() error = %v", err)
	}
	if _, err := store.GetRun(ctx, "run-001"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestUpsertRun(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run := &Run{ID: "run-002", Kind: "provision", Targets: `["dev.provision"]`, Status: "running", StartedAt: time.Now().UTC(), Summary: "{}"}
	if err := store.UpsertRun(ctx, run); err != nil {
		t.Fatalf("UpsertRun() error = %v", err)
	}

	done := time.Now().UTC()
	run.Status = "succeeded"
	run.CompletedAt = &done
	run.DurationMS = 1500
	if err := store.UpsertRun(ctx, run); err != nil {
		t.Fatalf("UpsertRun() update error = %v", err)
	}

	got, err := store.GetRun(ctx, "run-002")
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.Status != "succeeded" || got.DurationMS != 1500 || got.CompletedAt == nil {
		t.Errorf("upsert did not update: %+v", got)
	}
}

func TestListRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, kind := range []string{"run", "provision", "run"} {
		run := &Run{
			ID:        string(rune('a' + i)),
			Kind:      kind,
			Targets:   "[]",
			Status:    "succeeded",
			StartedAt: base.Add(time.Duration(i) * time.Minute),
			Summary:   "{}",
		}
		if err := store.CreateRun(ctx, run); err != nil {
			t.Fatalf("CreateRun() error = %v", err)
		}
	}

	all, err := store.ListRuns(ctx, nil, 10, 0)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(all) != 3 || all[0].ID != "c" {
		t.Errorf("expected newest first, got %d runs starting with %q", len(all), all[0].ID)
	}

	provisions, err := store.ListRuns(ctx, strPtr("provision"), 10, 0)
	if err != nil {
		t.Fatalf("ListRuns(kind) error = %v", err)
	}
	if len(provisions) != 1 || provisions[0].ID != "b" {
		t.Errorf("kind filter failed: %+v", provisions)
	}

	page, _ := store.ListRuns(ctx, nil, 1, 1)
	if len(page) != 1 || page[0].ID != "b" {
		t.Errorf("pagination failed: %+v", page)
	}
}

func TestStepResults(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.CreateRun(ctx, &Run{ID: "run-003", Kind: "run", Targets: "[]", Status: "running", StartedAt: time.Now(), Summary: "{}"}); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}

	results := []*StepResult{
		{RunID: "run-003", Target: "clean", StepIndex: 0, Command: "coverage erase", Status: "succeeded", Attempts: 1, StartedAt: time.Now()},
		{RunID: "run-003", Target: "test", StepIndex: 0, Command: "pytest", Status: "failed", ExitCode: 1, Stderr: "1 failed", Attempts: 1, StartedAt: time.Now(), Error: strPtr("exit status 1")},
	}
	for _, r := range results {
		if err := store.CreateStepResult(ctx, r); err != nil {
			t.Fatalf("CreateStepResult() error = %v", err)
		}
		if r.ID == 0 {
			t.Error("expected generated ID")
		}
	}

	got, err := store.ListStepResults(ctx, "run-003")
	if err != nil {
		t.Fatalf("ListStepResults() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 step results, got %d", len(got))
	}
	if got[1].Target != "test" || got[1].ExitCode != 1 || got[1].Error == nil {
		t.Errorf("unexpected step result: %+v", got[1])
	}

	// Step results require an existing run
	orphan := &StepResult{RunID: "nope", Target: "x", Status: "succeeded", StartedAt: time.Now()}
	if err := store.CreateStepResult(ctx, orphan); err == nil {
		t.Error("expected foreign key violation for unknown run")
	}

	// Deleting the run cascades
	if err := store.DeleteRun(ctx, "run-003"); err != nil {
		t.Fatalf("DeleteRun() error = %v", err)
	}
	got, _ = store.ListStepResults(ctx, "run-003")
	if len(got) != 0 {
		t.Errorf("expected cascade delete, %d step results remain", len(got))
	}
}

func TestEvents(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	events := []*Event{
		{RunID: strPtr("r1"), Type: "run_started", Level: EventLevelInfo, Message: "Run started", Timestamp: time.Now()},
		{RunID: strPtr("r1"), Target: strPtr("test"), Type: "target_failed", Level: EventLevelError, Message: "Failed test", Timestamp: time.Now()},
		{RunID: strPtr("r2"), Type: "run_started", Level: EventLevelInfo, Message: "Run started", Timestamp: time.Now()},
	}
	for _, e := range events {
		if err := store.AppendEvent(ctx, e); err != nil {
			t.Fatalf("AppendEvent() error = %v", err)
		}
	}

	got, err := store.GetEvents(ctx, strPtr("r1"), nil, nil, 10, 0)
	if err != nil {
		t.Fatalf("GetEvents() error = %v", err)
	}
	if len(got) != 2 || got[0].Type != "run_started" {
		t.Errorf("unexpected events for r1: %d", len(got))
	}

	level := EventLevelError
	errorsOnly, _ := store.GetEvents(ctx, nil, nil, &level, 10, 0)
	if len(errorsOnly) != 1 || *errorsOnly[0].Target != "test" {
		t.Errorf("level filter failed: %+v", errorsOnly)
	}
}

func TestApplications(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	apps := []*OAuthApplication{
		{
			Name:              "program-intent-engagement-sso",
			ClientID:          "program-intent-engagement-sso-key",
			SecretFingerprint: "abc123",
			GrantType:         "authorization-code",
			RedirectURIs:      `["http://localhost:18781/complete/edx-oauth2/"]`,
			Scopes:            `["user_id"]`,
			SkipAuthorization: true,
			User:              "program_intent_engagement_worker",
		},
		{
			Name:              "program-intent-engagement-backend-service",
			ClientID:          "program-intent-engagement-backend-service-key",
			SecretFingerprint: "def456",
			GrantType:         "client-credentials",
			RedirectURIs:      `[]`,
			Scopes:            `[]`,
			User:              "program_intent_engagement_worker",
		},
	}
	if err := store.UpsertApplications(ctx, apps); err != nil {
		t.Fatalf("UpsertApplications() error = %v", err)
	}

	// Re-registering updates in place
	apps[0].SecretFingerprint = "rotated"
	apps[0].LastRunID = strPtr("run-009")
	if err := store.UpsertApplications(ctx, apps[:1]); err != nil {
		t.Fatalf("UpsertApplications() update error = %v", err)
	}

	list, err := store.ListApplications(ctx)
	if err != nil {
		t.Fatalf("ListApplications() error = %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 applications, got %d", len(list))
	}

	sso, err := store.GetApplication(ctx, "program-intent-engagement-sso")
	if err != nil {
		t.Fatalf("GetApplication() error = %v", err)
	}
	if sso.SecretFingerprint != "rotated" || !sso.SkipAuthorization || sso.LastRunID == nil {
		t.Errorf("unexpected application: %+v", sso)
	}

	if _, err := store.GetApplication(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAuditEntries(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, action := range []string{"provision.started", "oauth.registered", "provision.completed"} {
		if err := store.CreateAuditEntry(ctx, &AuditEntry{Action: action, Actor: "edx", TargetID: strPtr("run-1")}); err != nil {
			t.Fatalf("CreateAuditEntry() error = %v", err)
		}
	}

	all, err := store.ListAuditEntries(ctx, nil, nil, 10, 0)
	if err != nil {
		t.Fatalf("ListAuditEntries() error = %v", err)
	}
	if len(all) != 3 || all[0].Action != "provision.completed" {
		t.Errorf("expected newest first, got %+v", all)
	}

	filtered, _ := store.ListAuditEntries(ctx, strPtr("oauth.registered"), strPtr("edx"), 10, 0)
	if len(filtered) != 1 {
		t.Errorf("expected 1 filtered entry, got %d", len(filtered))
	}
}

func TestRecorder(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	rec := NewRecorder(store)

	started := time.Now()
	run := &engine.Run{
		ID:        "run-rec",
		Kind:      "run",
		Targets:   []string{"quality"},
		Status:    engine.RunStatusRunning,
		StartedAt: started,
	}
	if err := rec.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun() error = %v", err)
	}

	if err := rec.SaveStepResult(ctx, run.ID, &engine.StepResult{
		Target:    "quality",
		Index:     0,
		Command:   "isort --check-only --diff",
		Status:    engine.TargetStatusSucceeded,
		Attempts:  1,
		StartedAt: started,
		Duration:  250 * time.Millisecond,
	}); err != nil {
		t.Fatalf("SaveStepResult() error = %v", err)
	}

	if err := rec.Publish(ctx, &engine.Event{
		ID:        "evt-1",
		Type:      engine.EventTypeTargetCompleted,
		Timestamp: time.Now(),
		RunID:     run.ID,
		Target:    "quality",
		Message:   "Completed quality",
		Level:     "info",
		Data:      map[string]interface{}{"duration_ms": 250},
	}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	done := time.Now()
	run.Status = engine.RunStatusSucceeded
	run.CompletedAt = &done
	run.Summary = engine.RunSummary{Total: 1, Succeeded: 1}
	if err := rec.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun() final error = %v", err)
	}

	got, err := store.GetRun(ctx, "run-rec")
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.Status != "succeeded" || got.Targets != `["quality"]` {
		t.Errorf("unexpected run: %+v", got)
	}

	steps, _ := store.ListStepResults(ctx, "run-rec")
	if len(steps) != 1 || steps[0].DurationMS != 250 {
		t.Errorf("unexpected steps: %+v", steps)
	}

	events, _ := store.GetEvents(ctx, strPtr("run-rec"), nil, nil, 10, 0)
	if len(events) != 1 || events[0].Details == nil || *events[0].Details != `{"duration_ms":250}` {
		t.Errorf("unexpected events: %+v", events)
	}

	if err := rec.Audit(ctx, "run.completed", "ci", run.ID, map[string]interface{}{"status": "succeeded"}); err != nil {
		t.Fatalf("Audit() error = %v", err)
	}
}
