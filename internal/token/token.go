// Package token provides the OAuth2 client-credentials token used to authenticate
// ServiceTitan API calls. Tokens are cached in memory for their declared lifetime, less
// a safety margin, and may be invalidated by the API client after a 401 response.
package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// expiryBuffer is subtracted from a token's declared lifetime so that a token is
// never presented just as it expires.
const expiryBuffer = 30 * time.Second

// Defaults for the token endpoint retry budget.
const (
	defaultMaxAttempts = 3
	defaultRetryDelay  = 1 * time.Second
)

// AuthError reports a failure to obtain an access token, either because the
// credentials were rejected or the token endpoint could not be reached.
type AuthError struct {
	Msg string
	Err error
}

// Error fulfills the Error interface requirement for AuthError.
func (e *AuthError) Error() string {
	if e.Err == nil {
		return "auth error: " + e.Msg
	}
	return fmt.Sprintf("auth error: %s: %v", e.Msg, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Provider exchanges client credentials for bearer tokens. The zero value is not
// usable; use NewProvider.
type Provider struct {
	cfg         *clientcredentials.Config
	httpClient  *http.Client
	maxAttempts int
	retryDelay  time.Duration
	now         func() time.Time
	log         *slog.Logger

	mu     sync.Mutex
	cached *oauth2.Token
	expiry time.Time // cached.Expiry less expiryBuffer
}

// NewProvider creates a token Provider. If httpClient is nil http.DefaultClient is
// used for calls to the token endpoint.
func NewProvider(cfg *clientcredentials.Config, httpClient *http.Client, logger *slog.Logger) (*Provider, error) {
	if cfg == nil {
		return nil, errors.New("nil clientcredentials config provided to NewProvider")
	}
	if cfg.TokenURL == "" {
		return nil, errors.New("empty token url provided to NewProvider")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		cfg:         cfg,
		httpClient:  httpClient,
		maxAttempts: defaultMaxAttempts,
		retryDelay:  defaultRetryDelay,
		now:         time.Now,
		log:         logger,
	}, nil
}

// Token returns a valid access token, reusing the cached one until it is within
// expiryBuffer of its expiry.
func (p *Provider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != nil && p.now().Before(p.expiry) {
		return p.cached.AccessToken, nil
	}

	tok, err := p.fetch(ctx)
	if err != nil {
		return "", err
	}
	p.cached = tok
	p.expiry = tok.Expiry.Add(-expiryBuffer)
	p.log.Debug(fmt.Sprintf("token: acquired, expires %s", tok.Expiry.UTC().Format(time.RFC3339)))
	return tok.AccessToken, nil
}

// Invalidate drops the cached token so that the next call to Token acquires a new
// one.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = nil
	p.expiry = time.Time{}
}

// fetch requests a new token, retrying transport errors and server errors with a
// linear backoff. Rejected credentials are not retried.
func (p *Provider) fetch(ctx context.Context) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		tok, err := p.cfg.Token(ctx)
		if err == nil {
			if tok.AccessToken == "" || tok.Expiry.IsZero() || !tok.Expiry.After(p.now()) {
				return nil, &AuthError{Msg: "invalid token response: missing access_token or expires_in"}
			}
			return tok, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, &AuthError{Msg: "token request cancelled", Err: ctx.Err()}
		}
		if !retryable(err) {
			return nil, &AuthError{Msg: "token request rejected", Err: err}
		}
		if attempt == p.maxAttempts {
			break
		}
		p.log.Warn(fmt.Sprintf("token: attempt %d failed, retrying: %v", attempt, err))
		if err := sleepContext(ctx, time.Duration(attempt)*p.retryDelay); err != nil {
			return nil, &AuthError{Msg: "token request cancelled", Err: err}
		}
	}
	return nil, &AuthError{
		Msg: fmt.Sprintf("failed to reach token endpoint after %d attempts", p.maxAttempts),
		Err: lastErr,
	}
}

// retryable reports whether a token endpoint error is worth retrying. Responses with
// a 4xx status (other than 429) mean the credentials were refused.
func retryable(err error) bool {
	var rErr *oauth2.RetrieveError
	if !errors.As(err, &rErr) || rErr.Response == nil {
		return true
	}
	code := rErr.Response.StatusCode
	return code == http.StatusTooManyRequests || code >= 500
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
