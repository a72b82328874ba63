// Package deviceauth implements the OAuth 2.0 device authorization grant
// (RFC 8628) against a GitHub-shaped authorization server.
//
// The flow is: request a device code, show the verification URI and user
// code, then poll the token endpoint until the user approves, denies, or
// the code expires.
package deviceauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"

	"github.com/raphi011/cpm/internal/clock"
	"github.com/raphi011/cpm/internal/log"
	"github.com/raphi011/cpm/internal/retry"
)

const grantType = "urn:ietf:params:oauth:grant-type:device_code"

var (
	ErrMissingClientID     = errors.New("device flow: no OAuth client id configured")
	ErrInitFailed          = errors.New("device flow: could not start authorization")
	ErrDeviceFlowExpired   = errors.New("device code expired, please try again")
	ErrDeviceFlowTimedOut  = errors.New("device authorization timed out")
	ErrAuthorizationDenied = errors.New("authorization was denied by the user")
	ErrAuthorizationFailed = errors.New("authorization failed")
)

// AuthorizationFailedError carries an unexpected error code from the token endpoint.
type AuthorizationFailedError struct {
	Code        string
	Description string
}

func (e *AuthorizationFailedError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("authorization failed: %s (%s)", e.Code, e.Description)
	}
	return "authorization failed: " + e.Code
}

func (e *AuthorizationFailedError) Unwrap() error { return ErrAuthorizationFailed }

// Config holds the OAuth application settings. Zero durations and empty
// URLs are replaced by defaults.
type Config struct {
	ClientID          string
	Scope             string
	DeviceCodeURL     string
	TokenURL          string
	MinInterval       time.Duration
	DefaultInterval   time.Duration
	DefaultExpiry     time.Duration
	SlowDownIncrement time.Duration
}

func (c Config) withDefaults() Config {
	if c.Scope == "" {
		c.Scope = "public_repo"
	}
	if c.DeviceCodeURL == "" {
		c.DeviceCodeURL = github.Endpoint.DeviceAuthURL
	}
	if c.TokenURL == "" {
		c.TokenURL = github.Endpoint.TokenURL
	}
	if c.MinInterval <= 0 {
		c.MinInterval = time.Second
	}
	if c.DefaultInterval <= 0 {
		c.DefaultInterval = 5 * time.Second
	}
	if c.DefaultExpiry <= 0 {
		c.DefaultExpiry = 900 * time.Second
	}
	if c.SlowDownIncrement <= 0 {
		c.SlowDownIncrement = 5 * time.Second
	}
	return c
}

// Verification is what the user needs to approve the device.
type Verification struct {
	URI       string
	UserCode  string
	ExpiresAt time.Time
}

// Prompt displays a Verification to the user.
type Prompt func(Verification)

// Authenticator runs device flows. Each Authenticate call is one flow.
type Authenticator struct {
	cfg    Config
	client *resty.Client
	clock  clock.Clock
	timer  backoff.Timer
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithClock sets the time source used for expiry.
func WithClock(c clock.Clock) Option {
	return func(a *Authenticator) { a.clock = c }
}

// WithTimer sets the timer driving poll waits.
func WithTimer(t backoff.Timer) Option {
	return func(a *Authenticator) { a.timer = t }
}

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(a *Authenticator) { a.client = resty.NewWithClient(hc) }
}

// New creates an Authenticator.
func New(cfg Config, opts ...Option) *Authenticator {
	a := &Authenticator{
		cfg:    cfg.withDefaults(),
		client: resty.New(),
		clock:  clock.Real{},
	}
	for _, opt := range opts {
		opt(a)
	}
	a.client.SetHeader("Accept", "application/json").SetHeader("User-Agent", "cpm")
	return a
}

type deviceCodeResponse struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	Interval        int    `json:"interval"`
	ExpiresIn       int    `json:"expires_in"`
}

type tokenError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Authenticate runs one device flow and returns the granted token.
// prompt may be nil.
func (a *Authenticator) Authenticate(ctx context.Context, prompt Prompt) (*oauth2.Token, error) {
	if a.cfg.ClientID == "" {
		return nil, ErrMissingClientID
	}
	l := log.FromContext(ctx)

	dc, err := a.requestCode(ctx)
	if err != nil {
		return nil, err
	}

	started := a.clock.Now()
	expiresIn := time.Duration(dc.ExpiresIn) * time.Second
	if expiresIn <= 0 {
		expiresIn = a.cfg.DefaultExpiry
	}
	interval := time.Duration(dc.Interval) * time.Second
	if interval <= 0 {
		interval = a.cfg.DefaultInterval
	}
	interval = max(interval, a.cfg.MinInterval)
	expiresAt := started.Add(expiresIn)

	if prompt != nil {
		prompt(Verification{URI: dc.VerificationURI, UserCode: dc.UserCode, ExpiresAt: expiresAt})
	}
	l.Debug("device flow started", "interval", interval, "expires_in", expiresIn)

	policy := retry.Policy{
		Interval:  interval,
		WaitFirst: true,
		Timer:     a.timer,
	}

	var token *oauth2.Token
	err = policy.Do(ctx, func(ctx context.Context) error {
		if !a.clock.Now().Before(expiresAt) {
			return retry.Permanent(ErrDeviceFlowTimedOut)
		}
		tok, err := a.poll(ctx, dc.DeviceCode)
		if err != nil {
			return err
		}
		token = tok
		return nil
	})
	if err != nil {
		return nil, err
	}
	return token, nil
}

func (a *Authenticator) requestCode(ctx context.Context) (*deviceCodeResponse, error) {
	resp, err := a.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"client_id": a.cfg.ClientID,
			"scope":     a.cfg.Scope,
		}).
		Post(a.cfg.DeviceCodeURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInitFailed, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: status %d", ErrInitFailed, resp.StatusCode())
	}

	var dc deviceCodeResponse
	if err := json.Unmarshal(resp.Body(), &dc); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", ErrInitFailed, err)
	}
	if dc.DeviceCode == "" {
		return nil, fmt.Errorf("%w: response has no device code", ErrInitFailed)
	}
	return &dc, nil
}

var errPending = errors.New("authorization pending")

// poll asks the token endpoint once. Retryable outcomes return plain
// errors, terminal ones are marked permanent.
func (a *Authenticator) poll(ctx context.Context, deviceCode string) (*oauth2.Token, error) {
	resp, err := a.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"client_id":   a.cfg.ClientID,
			"device_code": deviceCode,
			"grant_type":  grantType,
		}).
		Post(a.cfg.TokenURL)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("poll token endpoint: %w", err))
	}

	var te tokenError
	_ = json.Unmarshal(resp.Body(), &te)

	switch te.Error {
	case "":
	case "authorization_pending":
		return nil, errPending
	case "slow_down":
		return nil, retry.SlowDown(errPending, a.cfg.SlowDownIncrement)
	case "expired_token":
		return nil, retry.Permanent(ErrDeviceFlowExpired)
	case "access_denied":
		return nil, retry.Permanent(ErrAuthorizationDenied)
	default:
		return nil, retry.Permanent(&AuthorizationFailedError{Code: te.Error, Description: te.ErrorDescription})
	}

	if resp.IsError() {
		return nil, retry.Permanent(&AuthorizationFailedError{Code: http.StatusText(resp.StatusCode())})
	}

	var tok oauth2.Token
	if err := json.Unmarshal(resp.Body(), &tok); err != nil || tok.AccessToken == "" {
		return nil, retry.Permanent(&AuthorizationFailedError{Code: "invalid_response", Description: "no access token in response"})
	}
	return &tok, nil
}
