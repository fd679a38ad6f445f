// Package servicetitan is a minimal client for the ServiceTitan accounting API,
// providing incremental, paginated retrieval of invoices.
package servicetitan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/go-querystring/query"
	"golang.org/x/time/rate"
)

// DefaultPageSize is the number of invoices requested per page. ServiceTitan accepts
// page sizes between 1 and 5000.
const DefaultPageSize = 500

// invoicesPathTpl is the invoices listing path for a tenant.
const invoicesPathTpl = "accounting/v2/tenant/%s/invoices"

// TokenProvider supplies bearer tokens for API requests. Invalidate is called after a
// 401 response to force a new token to be acquired.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// APIError reports an HTTP-level failure after retries were exhausted, a
// non-retryable status or an undecodable response.
type APIError struct {
	StatusCode int // 0 for transport failures
	URL        string
	Message    string
	Body       string
	Err        error
}

// Error fulfills the Error interface requirement for APIError.
func (e *APIError) Error() string {
	msg := fmt.Sprintf("API error (status %d) for %s: %s", e.StatusCode, e.URL, e.Message)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *APIError) Unwrap() error { return e.Err }

// Options configures an APIClient. Zero values are replaced by defaults.
type Options struct {
	BaseURL           string
	TenantID          string
	AppKey            string
	PageSize          int
	RequestsPerSecond float64
	Retry             RetryPolicy
}

// APIClient is a wrapper for making authenticated calls to the ServiceTitan API.
type APIClient struct {
	httpClient *http.Client
	tokens     TokenProvider
	baseURL    string
	tenantID   string
	appKey     string
	pageSize   int
	retry      RetryPolicy
	limiter    *rate.Limiter
	log        *slog.Logger
}

// NewAPIClient creates a new ServiceTitan API client. If no httpClient is provided
// http.DefaultClient is used.
func NewAPIClient(
	opts Options,
	tokens TokenProvider,
	httpClient *http.Client,
	logger *slog.Logger,
) (*APIClient, error) {

	if tokens == nil {
		return nil, errors.New("nil token provider provided to NewAPIClient")
	}
	if opts.BaseURL == "" {
		return nil, errors.New("empty base url provided to NewAPIClient")
	}
	if opts.TenantID == "" {
		return nil, errors.New("empty tenant id provided to NewAPIClient")
	}
	if opts.PageSize == 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.PageSize < 1 || opts.PageSize > 5000 {
		return nil, fmt.Errorf("page size must be between 1 and 5000, got %d", opts.PageSize)
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetryPolicy
	}

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	// Logger setup.
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(
			os.Stdout,
			&slog.HandlerOptions{Level: slog.LevelDebug},
		))
	}

	return &APIClient{
		httpClient: httpClient,
		tokens:     tokens,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		tenantID:   opts.TenantID,
		appKey:     opts.AppKey,
		pageSize:   opts.PageSize,
		retry:      opts.Retry,
		limiter:    rate.NewLimiter(limit, 1),
		log:        logger,
	}, nil
}

// Invoices returns a finite sequence of invoices updated since updatedSince,
// requesting one page at a time while the API reports more pages. Records are
// yielded in request order. A fatal error is yielded once with a nil Invoice, after
// which the sequence ends. Each iteration starts again from the first page.
func (c *APIClient) Invoices(ctx context.Context, updatedSince time.Time) iter.Seq2[Invoice, error] {
	return func(yield func(Invoice, error) bool) {
		for page := 1; ; page++ {
			params, err := query.Values(invoicesQuery{
				UpdatedSince: FormatTime(updatedSince),
				Page:         page,
				PageSize:     c.pageSize,
			})
			if err != nil {
				yield(nil, fmt.Errorf("could not encode query for page %d: %w", page, err))
				return
			}
			requestURL := fmt.Sprintf("%s/%s?%s", c.baseURL, fmt.Sprintf(invoicesPathTpl, url.PathEscape(c.tenantID)), params.Encode())
			c.log.Debug(fmt.Sprintf("Invoices: page %d: url %s", page, requestURL))

			var response InvoicesResponse
			if err := c.get(ctx, requestURL, &response); err != nil {
				c.log.Error(fmt.Sprintf("Invoices: failed to retrieve page %d: %v", page, err))
				yield(nil, err)
				return
			}
			if response.Skipped > 0 {
				c.log.Warn(fmt.Sprintf("Invoices: page %d: skipped %d non-object items", page, response.Skipped))
			}
			c.log.Debug(fmt.Sprintf("Invoices: page %d: %d records, hasMore %t", page, len(response.Data), response.HasMore))

			for _, inv := range response.Data {
				if !yield(inv, nil) {
					return
				}
			}
			if !response.HasMore {
				return
			}
		}
	}
}

// FetchInvoices drains Invoices into a slice.
func (c *APIClient) FetchInvoices(ctx context.Context, updatedSince time.Time) ([]Invoice, error) {
	var invoices []Invoice
	for inv, err := range c.Invoices(ctx, updatedSince) {
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	c.log.Info(fmt.Sprintf("Invoices: retrieved %d invoices", len(invoices)))
	return invoices, nil
}

// get performs a GET request for requestURL, decoding the JSON response into v.
// Transient failures are retried according to the client's RetryPolicy. A 401
// response causes the token to be invalidated and the request to be retried once with
// a new token; that retry does not count against the retry budget.
func (c *APIClient) get(ctx context.Context, requestURL string, v any) error {
	var authRetried bool
	attempt := 1
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		req, err := c.newRequest(ctx, http.MethodGet, requestURL)
		if err != nil {
			return err
		}

		status, header, body, err := c.do(req)
		if err != nil {
			// Cancellation is not retried.
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if attempt < c.retry.MaxAttempts {
				c.log.Warn(fmt.Sprintf("get: attempt %d failed, retrying: %v", attempt, err))
				if err := sleepContext(ctx, c.retry.NextDelay(attempt)); err != nil {
					return err
				}
				attempt++
				continue
			}
			return &APIError{URL: requestURL, Message: fmt.Sprintf("request failed after %d attempts", attempt), Err: err}
		}

		switch {
		case status >= 200 && status < 300:
			if err := json.Unmarshal(body, v); err != nil {
				return &APIError{StatusCode: status, URL: requestURL, Message: "failed to decode response", Body: truncate(body), Err: err}
			}
			return nil

		case status == http.StatusUnauthorized && !authRetried:
			c.log.Warn("get: unauthorized, refreshing token")
			c.tokens.Invalidate()
			authRetried = true
			continue

		case retryableStatus(status) && attempt < c.retry.MaxAttempts:
			delay := c.retry.delayFor(attempt, header.Get("Retry-After"))
			c.log.Warn(fmt.Sprintf("get: attempt %d status %d, retrying in %s", attempt, status, delay))
			if err := sleepContext(ctx, delay); err != nil {
				return err
			}
			attempt++
			continue
		}

		msg := "non-success status code"
		if retryableStatus(status) {
			msg = fmt.Sprintf("non-success status code after %d attempts", attempt)
		}
		return &APIError{StatusCode: status, URL: requestURL, Message: msg, Body: truncate(body)}
	}
}

// newRequest is a helper to create a new HTTP request with common headers, including
// a current bearer token.
func (c *APIClient) newRequest(ctx context.Context, method, requestURL string) (*http.Request, error) {
	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("ST-App-Key", c.appKey)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// do is a helper to execute an HTTP request, returning the status, headers and body.
func (c *APIClient) do(req *http.Request) (int, http.Header, []byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return resp.StatusCode, resp.Header, body, nil
}

// truncate limits response bodies carried in errors.
func truncate(body []byte) string {
	const max = 2048
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
