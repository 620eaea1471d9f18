package oauth

import "errors"

var (
	// ErrInvalidApplication is returned when an application record fails validation.
	ErrInvalidApplication = errors.New("oauth: invalid application")

	// ErrMissingClientID is returned when the client ID is not provided.
	ErrMissingClientID = errors.New("oauth: missing client ID")

	// ErrMissingClientSecret is returned when the client secret is not provided.
	ErrMissingClientSecret = errors.New("oauth: missing client secret")

	// ErrUnsupportedGrant is returned for a grant type DOT applications here do not use.
	ErrUnsupportedGrant = errors.New("oauth: unsupported grant type")

	// ErrTokenRequest is returned when the LMS token endpoint rejects a request.
	ErrTokenRequest = errors.New("oauth: token request failed")

	// ErrAuthorizeRequest is returned when the LMS answers the authorize
	// endpoint with an error.
	ErrAuthorizeRequest = errors.New("oauth: authorize request failed")

	// ErrRedirectMismatch is returned when the authorize URL does not carry
	// the registered redirect URI.
	ErrRedirectMismatch = errors.New("oauth: redirect URI mismatch")

	// ErrMissingLMSURL is returned when a verifier is created without an LMS URL.
	ErrMissingLMSURL = errors.New("oauth: missing LMS URL")
)
