package policy

import (
	"time"

	"github.com/openedx/pie/pkg/oauth"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityWarning is reported but does not block provisioning.
	SeverityWarning Severity = "warning"

	// SeverityError blocks provisioning.
	SeverityError Severity = "error"
)

// Blocking reports whether violations of this severity deny the operation.
func (s Severity) Blocking() bool {
	return s != SeverityWarning
}

// Policy is a Rego module whose deny rules guard devstack applications.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	Description string `json:"description"`

	// Rego contains the policy source. Rules are written in Rego v1 syntax.
	Rego string `json:"rego"`

	// Severity applies to violations that do not carry their own.
	Severity Severity `json:"severity"`

	Enabled bool `json:"enabled"`

	// Source is the file the policy was loaded from; empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Violation is a single deny result.
type Violation struct {
	Policy      string   `json:"policy"`
	Application string   `json:"application,omitempty"`
	Message     string   `json:"message"`
	Severity    Severity `json:"severity"`
}

// Result is the outcome of evaluating every enabled policy.
type Result struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	Violations []Violation `json:"violations,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Duration          time.Duration `json:"duration"`
}

// Input is the document policies see as `input`. Client secrets never
// appear in it; only whether one is set and its fingerprint.
type Input struct {
	Application ApplicationInput `json:"application"`
	Service     ServiceInput     `json:"service"`
}

// ApplicationInput is the secret-free view of an oauth.Application.
type ApplicationInput struct {
	Name              string   `json:"name"`
	ClientID          string   `json:"client_id"`
	GrantType         string   `json:"grant_type"`
	RedirectURIs      []string `json:"redirect_uris"`
	Scopes            []string `json:"scopes"`
	SkipAuthorization bool     `json:"skip_authorization"`
	User              string   `json:"user"`
	HasSecret         bool     `json:"has_secret"`
	Fingerprint       string   `json:"fingerprint,omitempty"`
}

// ServiceInput describes the IDA the applications belong to.
type ServiceInput struct {
	Name string `json:"name"`
	Port int    `json:"port"`
}

// NewInput builds the policy input for one application.
func NewInput(svc oauth.Service, app *oauth.Application) *Input {
	redirects := app.RedirectURIs
	if redirects == nil {
		redirects = []string{}
	}
	scopes := app.Scopes
	if scopes == nil {
		scopes = []string{}
	}

	return &Input{
		Application: ApplicationInput{
			Name:              app.Name,
			ClientID:          app.ClientID,
			GrantType:         string(app.GrantType),
			RedirectURIs:      redirects,
			Scopes:            scopes,
			SkipAuthorization: app.SkipAuthorization,
			User:              app.User,
			HasSecret:         app.ClientSecret != "",
			Fingerprint:       app.Fingerprint(),
		},
		Service: ServiceInput{Name: svc.Name, Port: svc.Port},
	}
}
