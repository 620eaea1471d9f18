// Package oauth describes the Django OAuth Toolkit (DOT) applications that a
// devstack registers in the LMS, and verifies them against the LMS token and
// authorize endpoints.
package oauth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// GrantType is a DOT authorization grant type, spelled as the
// create_dot_application management command expects it.
type GrantType string

const (
	GrantAuthorizationCode GrantType = "authorization-code"
	GrantClientCredentials GrantType = "client-credentials"
)

// Application is a DOT application record.
type Application struct {
	// Name is the application name shown in the LMS admin.
	Name string `json:"name" yaml:"name" validate:"required,max=255"`

	ClientID string `json:"client_id" yaml:"client_id" validate:"required"`

	// ClientSecret is never serialized.
	ClientSecret string `json:"-" yaml:"-" validate:"required"`

	GrantType GrantType `json:"grant_type" yaml:"grant_type" validate:"required,oneof=authorization-code client-credentials"`

	// RedirectURIs are required for the authorization-code grant.
	RedirectURIs []string `json:"redirect_uris,omitempty" yaml:"redirect_uris,omitempty" validate:"required_if=GrantType authorization-code,dive,url"`

	Scopes []string `json:"scopes,omitempty" yaml:"scopes,omitempty" validate:"dive,required"`

	// SkipAuthorization lets first-party apps bypass the consent screen.
	SkipAuthorization bool `json:"skip_authorization" yaml:"skip_authorization"`

	// User is the LMS username that owns the application.
	User string `json:"user" yaml:"user" validate:"required"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the record's struct constraints.
func (a *Application) Validate() error {
	if err := validate.Struct(a); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w %q: %s", ErrInvalidApplication, a.Name, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w %q: %w", ErrInvalidApplication, a.Name, err)
	}
	return nil
}

// ManagementArgs renders the arguments of the LMS create_dot_application
// management command that registers this application.
func (a *Application) ManagementArgs() []string {
	args := []string{"create_dot_application", "--grant-type", string(a.GrantType)}
	if a.SkipAuthorization {
		args = append(args, "--skip-authorization")
	}
	if len(a.RedirectURIs) > 0 {
		args = append(args, "--redirect-uris", strings.Join(a.RedirectURIs, " "))
	}
	args = append(args, "--client-id", a.ClientID, "--client-secret", a.ClientSecret)
	if len(a.Scopes) > 0 {
		args = append(args, "--scopes", strings.Join(a.Scopes, ","))
	}
	return append(args, a.Name, a.User)
}

// Fingerprint identifies the client secret without revealing it: the first
// 16 hex characters of its SHA-256 digest.
func (a *Application) Fingerprint() string {
	if a.ClientSecret == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(a.ClientSecret))
	return hex.EncodeToString(sum[:])[:16]
}

// Service identifies the IDA that owns the devstack applications.
type Service struct {
	// Name is the snake_case service name (e.g., "program_intent_engagement").
	Name string

	// Port is the devstack port the service listens on.
	Port int
}

// Slug is the kebab-case form of the name used in DOT application names.
func (s Service) Slug() string {
	return strings.ReplaceAll(s.Name, "_", "-")
}

// WorkerUser is the LMS service user that owns the applications.
func (s Service) WorkerUser() string {
	return s.Name + "_worker"
}

// WorkerEmail is the e-mail address of the worker user.
func (s Service) WorkerEmail() string {
	return s.WorkerUser() + "@example.com"
}

// SSORedirectURI is where the LMS sends users back after single sign-on.
func (s Service) SSORedirectURI() string {
	return fmt.Sprintf("http://localhost:%d/complete/edx-oauth2/", s.Port)
}

// DevstackApplications returns the two DOT applications a devstack
// registers for svc: "<slug>-sso" for browser single sign-on and
// "<slug>-backend-service" for service-to-service calls.
func DevstackApplications(svc Service) []*Application {
	slug := svc.Slug()
	user := svc.WorkerUser()

	return []*Application{
		{
			Name:              slug + "-sso",
			ClientID:          slug + "-sso-key",
			ClientSecret:      slug + "-sso-secret",
			GrantType:         GrantAuthorizationCode,
			RedirectURIs:      []string{svc.SSORedirectURI()},
			Scopes:            []string{"user_id"},
			SkipAuthorization: true,
			User:              user,
		},
		{
			Name:         slug + "-backend-service",
			ClientID:     slug + "-backend-service-key",
			ClientSecret: slug + "-backend-service-secret",
			GrantType:    GrantClientCredentials,
			User:         user,
		},
	}
}
