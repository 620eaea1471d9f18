package policy

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openedx/pie/pkg/engine"
	"github.com/openedx/pie/pkg/oauth"
)

var testService = oauth.Service{Name: "program_intent_engagement", Port: 18781}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	expected := []string{"client-secret", "grant-shape", "loopback-redirects", "skip-authorization", "sso-scope"}
	if len(policies) != len(expected) {
		t.Fatalf("Expected %d built-in policies, got %d", len(expected), len(policies))
	}
	for i, name := range expected {
		if policies[i].Name != name {
			t.Errorf("Policy %d: expected %s, got %s", i, name, policies[i].Name)
		}
	}
}

func TestDevstackApplicationsPass(t *testing.T) {
	eng := newTestEngine(t)

	result, err := eng.Check(context.Background(), testService, oauth.DevstackApplications(testService))
	if err != nil {
		t.Fatalf("Expected devstack applications to pass: %v", err)
	}
	if !result.Allowed {
		t.Error("Expected result to be allowed")
	}
	if len(result.Violations) != 0 {
		t.Errorf("Expected no violations, got %+v", result.Violations)
	}
	if len(result.EvaluatedPolicies) != 5 {
		t.Errorf("Expected 5 evaluated policies, got %d", len(result.EvaluatedPolicies))
	}
}

func TestEvaluateViolations(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name          string
		mutate        func(apps []*oauth.Application)
		expectPolicy  string
		expectAllowed bool
	}{
		{
			name:          "public redirect",
			mutate:        func(apps []*oauth.Application) { apps[0].RedirectURIs = []string{"https://evil.example.com/complete/edx-oauth2/"} },
			expectPolicy:  "loopback-redirects",
			expectAllowed: false,
		},
		{
			name:          "localhost lookalike",
			mutate:        func(apps []*oauth.Application) { apps[0].RedirectURIs = []string{"http://localhost.example.com/"} },
			expectPolicy:  "loopback-redirects",
			expectAllowed: false,
		},
		{
			name:          "redirect on client credentials",
			mutate:        func(apps []*oauth.Application) { apps[1].RedirectURIs = []string{"http://localhost:18781/"} },
			expectPolicy:  "grant-shape",
			expectAllowed: false,
		},
		{
			name:          "empty secret",
			mutate:        func(apps []*oauth.Application) { apps[1].ClientSecret = "" },
			expectPolicy:  "client-secret",
			expectAllowed: false,
		},
		{
			name:          "sso without user_id",
			mutate:        func(apps []*oauth.Application) { apps[0].Scopes = []string{"profile"} },
			expectPolicy:  "sso-scope",
			expectAllowed: false,
		},
		{
			name:          "skip authorization on backend",
			mutate:        func(apps []*oauth.Application) { apps[1].SkipAuthorization = true },
			expectPolicy:  "skip-authorization",
			expectAllowed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			apps := oauth.DevstackApplications(testService)
			tt.mutate(apps)

			result, err := eng.Evaluate(context.Background(), testService, apps)
			if err != nil {
				t.Fatalf("Evaluation failed: %v", err)
			}
			if result.Allowed != tt.expectAllowed {
				t.Errorf("Expected allowed=%v, got %v", tt.expectAllowed, result.Allowed)
			}
			if len(result.Violations) != 1 {
				t.Fatalf("Expected one violation, got %+v", result.Violations)
			}
			if result.Violations[0].Policy != tt.expectPolicy {
				t.Errorf("Expected policy %s, got %s", tt.expectPolicy, result.Violations[0].Policy)
			}
			if result.Violations[0].Message == "" {
				t.Error("Expected a violation message")
			}
		})
	}
}

func TestCheckDenied(t *testing.T) {
	eng := newTestEngine(t)

	apps := oauth.DevstackApplications(testService)
	apps[0].RedirectURIs = []string{"https://lms.example.com/complete/edx-oauth2/"}

	result, err := eng.Check(context.Background(), testService, apps)
	if err == nil {
		t.Fatal("Expected policy denial")
	}
	if engine.CodeOf(err) != engine.ErrCodePolicyDenied {
		t.Errorf("Expected code %s, got %s", engine.ErrCodePolicyDenied, engine.CodeOf(err))
	}
	if !engine.IsPermanent(err) {
		t.Error("Expected a permanent error")
	}
	if !strings.Contains(err.Error(), "lms.example.com") {
		t.Errorf("Expected message to name the redirect URI, got %q", err.Error())
	}
	if result == nil || result.Allowed {
		t.Error("Expected a denied result alongside the error")
	}
}

func TestCheckWarningOnly(t *testing.T) {
	eng := newTestEngine(t)

	apps := oauth.DevstackApplications(testService)
	apps[1].SkipAuthorization = true

	result, err := eng.Check(context.Background(), testService, apps)
	if err != nil {
		t.Fatalf("Warnings must not block: %v", err)
	}
	if len(result.Violations) != 1 || result.Violations[0].Severity != SeverityWarning {
		t.Errorf("Expected one warning, got %+v", result.Violations)
	}
}

func TestInputHasNoSecret(t *testing.T) {
	app := oauth.DevstackApplications(testService)[1]
	input := NewInput(testService, app)

	if !input.Application.HasSecret {
		t.Error("Expected has_secret to be true")
	}
	if input.Application.Fingerprint != app.Fingerprint() {
		t.Error("Expected fingerprint to match")
	}
	if input.Application.RedirectURIs == nil {
		t.Error("Expected an empty, non-nil redirect list")
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)

	if err := eng.DisablePolicy("loopback-redirects"); err != nil {
		t.Fatalf("Failed to disable policy: %v", err)
	}

	apps := oauth.DevstackApplications(testService)
	apps[0].RedirectURIs = []string{"https://lms.example.com/"}

	if _, err := eng.Check(context.Background(), testService, apps); err != nil {
		t.Errorf("Disabled policy must not deny: %v", err)
	}

	if err := eng.EnablePolicy("loopback-redirects"); err != nil {
		t.Fatalf("Failed to enable policy: %v", err)
	}
	if _, err := eng.Check(context.Background(), testService, apps); err == nil {
		t.Error("Expected denial after re-enabling")
	}

	if err := eng.DisablePolicy("missing"); err == nil {
		t.Error("Expected error for unknown policy")
	}
	if _, err := eng.GetPolicy("missing"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

func TestAddPolicies(t *testing.T) {
	eng := newTestEngine(t)

	custom := Policy{
		Name:     "no-root",
		Severity: SeverityError,
		Enabled:  true,
		Rego: `package pie.local

deny contains msg if {
	input.application.user == "root"
	msg := sprintf("%s must not be owned by root", [input.application.name])
}
`,
	}
	if err := eng.AddPolicies(context.Background(), []Policy{custom}); err != nil {
		t.Fatalf("Failed to add policy: %v", err)
	}

	apps := oauth.DevstackApplications(testService)
	apps[1].User = "root"

	result, err := eng.Evaluate(context.Background(), testService, apps)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if len(result.Violations) != 1 || result.Violations[0].Policy != "no-root" {
		t.Fatalf("Expected no-root violation, got %+v", result.Violations)
	}
	if result.Violations[0].Application != apps[1].Name {
		t.Errorf("Expected violation for %s, got %s", apps[1].Name, result.Violations[0].Application)
	}

	// A broken module leaves the loaded set untouched.
	broken := Policy{Name: "broken", Enabled: true, Rego: "package pie.broken\n\ndeny contains"}
	if err := eng.AddPolicies(context.Background(), []Policy{broken}); err == nil {
		t.Fatal("Expected compile error")
	}
	if _, err := eng.GetPolicy("broken"); err == nil {
		t.Error("Broken policy must not be loaded")
	}
	if _, err := eng.GetPolicy("no-root"); err != nil {
		t.Error("Previously loaded policy must survive a failed add")
	}

	if err := eng.ReloadPolicies(context.Background(), nil); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if _, err := eng.GetPolicy("no-root"); err == nil {
		t.Error("Reload without extra policies must drop no-root")
	}
}

func TestEvaluateCancelled(t *testing.T) {
	eng := newTestEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := eng.Evaluate(ctx, testService, oauth.DevstackApplications(testService))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestCheckEvaluationFailureBlocks(t *testing.T) {
	eng := newTestEngine(t)

	// Compiles, but the comprehension yields two values for one key.
	conflicting := Policy{
		Name:     "conflicting-owner",
		Severity: SeverityWarning,
		Enabled:  true,
		Rego: `package pie.conflicting

deny contains msg if {
	owners := {"owner": u | some u in [input.application.user, "nobody"]}
	msg := sprintf("owners: %v", [owners])
}
`,
	}
	if err := eng.AddPolicies(context.Background(), []Policy{conflicting}); err != nil {
		t.Fatalf("Failed to add policy: %v", err)
	}

	apps := oauth.DevstackApplications(testService)
	result, err := eng.Check(context.Background(), testService, apps)
	if err == nil {
		t.Fatal("Expected a policy that fails to evaluate to block")
	}
	if engine.CodeOf(err) != engine.ErrCodePolicyDenied {
		t.Errorf("Expected POLICY_DENIED, got %q", engine.CodeOf(err))
	}
	if result == nil || result.Allowed {
		t.Fatal("Expected a denied result")
	}
	if len(result.Violations) != len(apps) {
		t.Fatalf("Expected one violation per application, got %+v", result.Violations)
	}
	for _, v := range result.Violations {
		if v.Policy != "conflicting-owner" || v.Severity != SeverityError {
			t.Errorf("Unexpected violation %+v", v)
		}
		if !strings.Contains(v.Message, "could not be evaluated") {
			t.Errorf("Unexpected message %q", v.Message)
		}
	}
}
