package oauth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/openedx/pie/pkg/engine"
)

const (
	tokenPath     = "/oauth2/access_token"
	authorizePath = "/oauth2/authorize"

	defaultMaxTries = 3
)

// Option configures a Verifier.
type Option func(*Verifier)

// WithHTTPClient sets the HTTP client used for LMS requests.
func WithHTTPClient(client *http.Client) Option {
	return func(v *Verifier) {
		v.httpClient = client
	}
}

// WithTokenType asks the LMS for a specific token type (e.g., "jwt").
func WithTokenType(tokenType string) Option {
	return func(v *Verifier) {
		v.tokenType = tokenType
	}
}

// WithRetry sets how often a rate-limited LMS request is tried and the
// backoff between tries.
func WithRetry(maxTries uint, newBackOff func() backoff.BackOff) Option {
	return func(v *Verifier) {
		v.maxTries = maxTries
		v.newBackOff = newBackOff
	}
}

// Verifier checks that registered applications work against the LMS.
type Verifier struct {
	lmsURL     string
	tokenType  string
	httpClient *http.Client

	maxTries   uint
	newBackOff func() backoff.BackOff
}

// Verification is the outcome of verifying one application.
type Verification struct {
	Application string    `json:"application"`
	GrantType   GrantType `json:"grant_type"`

	// TokenType and Expiry are set for client-credentials applications.
	TokenType string    `json:"token_type,omitempty"`
	Expiry    time.Time `json:"expiry,omitempty"`

	// AuthorizeURL and AuthorizeStatus are set for authorization-code
	// applications.
	AuthorizeURL    string `json:"authorize_url,omitempty"`
	AuthorizeStatus int    `json:"authorize_status,omitempty"`
}

// NewVerifier returns a verifier for the LMS at lmsURL (e.g., "http://localhost:18000").
func NewVerifier(lmsURL string, opts ...Option) (*Verifier, error) {
	if lmsURL == "" {
		return nil, ErrMissingLMSURL
	}
	if _, err := url.ParseRequestURI(lmsURL); err != nil {
		return nil, fmt.Errorf("invalid LMS URL %q: %w", lmsURL, err)
	}

	v := &Verifier{
		lmsURL:   strings.TrimRight(lmsURL, "/"),
		maxTries: defaultMaxTries,
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Endpoint returns the LMS OAuth2 endpoints.
func (v *Verifier) Endpoint() oauth2.Endpoint {
	return oauth2.Endpoint{
		AuthURL:   v.lmsURL + authorizePath,
		TokenURL:  v.lmsURL + tokenPath,
		AuthStyle: oauth2.AuthStyleInParams,
	}
}

// Verify checks one application against the LMS. Client-credentials
// applications must obtain a token. Authorization-code applications must
// produce an authorize URL carrying their registered redirect URI, and the
// LMS must answer that URL with a page or a redirect rather than an error.
//
// Rate-limited requests are retried; the error after the last try is
// classified as throttled. Credentials the LMS rejects are a conflict
// between the local record and the LMS.
func (v *Verifier) Verify(ctx context.Context, app *Application) (*Verification, error) {
	if app.ClientID == "" {
		return nil, ErrMissingClientID
	}

	var verify func(context.Context, *Application) (*Verification, error)
	switch app.GrantType {
	case GrantClientCredentials:
		verify = v.verifyClientCredentials
	case GrantAuthorizationCode:
		verify = v.verifyAuthorizationCode
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedGrant, app.GrantType)
	}

	res, err := backoff.Retry(ctx, func() (*Verification, error) {
		res, err := verify(ctx, app)
		if err != nil && !engine.IsThrottled(err) {
			return nil, backoff.Permanent(err)
		}
		return res, err
	},
		backoff.WithBackOff(v.newBackOff()),
		backoff.WithMaxTries(max(v.maxTries, 1)),
	)

	// Retry hands back the wrapper when the last try fails permanently.
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	return res, err
}

func (v *Verifier) verifyClientCredentials(ctx context.Context, app *Application) (*Verification, error) {
	if app.ClientSecret == "" {
		return nil, ErrMissingClientSecret
	}

	cfg := clientcredentials.Config{
		ClientID:     app.ClientID,
		ClientSecret: app.ClientSecret,
		TokenURL:     v.lmsURL + tokenPath,
		Scopes:       app.Scopes,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	if v.tokenType != "" {
		cfg.EndpointParams = url.Values{"token_type": {v.tokenType}}
	}

	if v.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, v.httpClient)
	}

	token, err := cfg.Token(ctx)
	if err != nil {
		return nil, classifyTokenError(app, err)
	}

	return &Verification{
		Application: app.Name,
		GrantType:   app.GrantType,
		TokenType:   token.Type(),
		Expiry:      token.Expiry,
	}, nil
}

func classifyTokenError(app *Application, err error) error {
	wrapped := fmt.Errorf("%w for %s: %w", ErrTokenRequest, app.Name, err)

	var re *oauth2.RetrieveError
	if !errors.As(err, &re) || re.Response == nil {
		return wrapped
	}

	switch {
	case re.Response.StatusCode == http.StatusTooManyRequests:
		return engine.NewThrottledError("LMS rate limited the token request", wrapped).
			WithCode(engine.ErrCodeRateLimited).
			WithTarget(app.Name)
	case re.ErrorCode == "invalid_client":
		return engine.NewConflictError("LMS rejected the recorded client credentials", wrapped).
			WithCode(engine.ErrCodeConflict).
			WithTarget(app.Name)
	}
	return wrapped
}

func (v *Verifier) verifyAuthorizationCode(ctx context.Context, app *Application) (*Verification, error) {
	if len(app.RedirectURIs) == 0 {
		return nil, fmt.Errorf("%w: %s has no redirect URI", ErrRedirectMismatch, app.Name)
	}

	cfg := oauth2.Config{
		ClientID:    app.ClientID,
		Endpoint:    v.Endpoint(),
		RedirectURL: app.RedirectURIs[0],
		Scopes:      app.Scopes,
	}

	state := uuid.New().String()
	authURL := cfg.AuthCodeURL(state)

	u, err := url.Parse(authURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse authorize URL: %w", err)
	}
	q := u.Query()

	redirect := q.Get("redirect_uri")
	if !slices.Contains(app.RedirectURIs, redirect) {
		return nil, fmt.Errorf("%w: %s got %q", ErrRedirectMismatch, app.Name, redirect)
	}
	if q.Get("client_id") != app.ClientID || q.Get("state") != state {
		return nil, fmt.Errorf("%w: %s authorize URL lost its parameters", ErrRedirectMismatch, app.Name)
	}

	status, err := v.requestAuthorize(ctx, app, authURL)
	if err != nil {
		return nil, err
	}

	return &Verification{
		Application:     app.Name,
		GrantType:       app.GrantType,
		AuthorizeURL:    authURL,
		AuthorizeStatus: status,
	}, nil
}

// requestAuthorize sends the browser's first request of the authorization
// code flow. An anonymous request is answered with the login redirect or,
// for a logged-in session, the consent page or the redirect back to the
// service. Unknown clients and unregistered redirect URIs get an error page.
func (v *Verifier) requestAuthorize(ctx context.Context, app *Application, authURL string) (int, error) {
	client := http.DefaultClient
	if v.httpClient != nil {
		client = v.httpClient
	}
	noFollow := *client
	noFollow.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL, nil)
	if err != nil {
		return 0, fmt.Errorf("%w for %s: %w", ErrAuthorizeRequest, app.Name, err)
	}

	resp, err := noFollow.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w for %s: %w", ErrAuthorizeRequest, app.Name, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return 0, engine.NewThrottledError("LMS rate limited the authorize request",
			fmt.Errorf("%w for %s: %s", ErrAuthorizeRequest, app.Name, resp.Status)).
			WithCode(engine.ErrCodeRateLimited).
			WithTarget(app.Name)
	case resp.StatusCode >= http.StatusBadRequest:
		return 0, fmt.Errorf("%w for %s: %s", ErrAuthorizeRequest, app.Name, resp.Status)
	}
	return resp.StatusCode, nil
}
