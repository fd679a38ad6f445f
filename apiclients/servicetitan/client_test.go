package servicetitan

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

const invoicesPath = "/accounting/v2/tenant/fake-tenant-id/invoices"

// fakeTokens is a TokenProvider handing out numbered tokens; each Invalidate moves
// to the next token.
type fakeTokens struct {
	mu          sync.Mutex
	tokens      []string
	current     int
	invalidated int
	err         error
}

func (f *fakeTokens) Token(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return f.tokens[f.current], nil
}

func (f *fakeTokens) Invalidate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated++
	if f.current < len(f.tokens)-1 {
		f.current++
	}
}

// setup creates a test environment for running API client tests. It returns a request
// multiplexer for registering handlers, the APIClient configured to use the test
// server and the fake token provider.
func setup(t *testing.T) (*http.ServeMux, *APIClient, *fakeTokens) {

	t.Helper()

	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	tokens := &fakeTokens{tokens: []string{"token-1", "token-2"}}
	client, err := NewAPIClient(
		Options{
			BaseURL:  server.URL + "/",
			TenantID: "fake-tenant-id",
			AppKey:   "fake-app-key",
			PageSize: 2,
			Retry: RetryPolicy{
				MaxAttempts:  3,
				InitialDelay: time.Millisecond,
				MaxDelay:     time.Millisecond,
			},
		},
		tokens,
		server.Client(),
		slog.New(slog.DiscardHandler),
	)
	if err != nil {
		t.Fatal(err)
	}
	return mux, client, tokens
}

func readTestdata(t *testing.T, name string) []byte {
	t.Helper()
	content, err := os.ReadFile(filepath.Join("testdata", name))
	if err != nil {
		t.Fatalf("failed to read json file %s: %v", name, err)
	}
	return content
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// TestInvoices_PaginationAndTermination verifies page order, the query parameters
// and headers sent, and that paging stops when hasMore is false.
func TestInvoices_PaginationAndTermination(t *testing.T) {

	mux, client, _ := setup(t)
	page1 := readTestdata(t, "invoices_page1.json")
	page2 := readTestdata(t, "invoices_page2.json")

	var callCount int
	mux.HandleFunc(invoicesPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected method GET, got %s", r.Method)
		}
		for header, want := range map[string]string{
			"Authorization": "Bearer token-1",
			"ST-App-Key":    "fake-app-key",
			"Accept":        "application/json",
		} {
			if got := r.Header.Get(header); got != want {
				t.Errorf("header %s got %q want %q", header, got, want)
			}
		}
		q := r.URL.Query()
		if got, want := q.Get("updatedSince"), "2024-01-01T00:00:00Z"; got != want {
			t.Errorf("updatedSince got %q want %q", got, want)
		}
		if got, want := q.Get("PageSize"), "2"; got != want {
			t.Errorf("PageSize got %q want %q", got, want)
		}

		callCount++
		switch callCount {
		case 1:
			if page := q.Get("Page"); page != "1" {
				t.Errorf("expected page 1, got %s", page)
			}
			writeJSON(w, http.StatusOK, page1)
		case 2:
			if page := q.Get("Page"); page != "2" {
				t.Errorf("expected page 2, got %s", page)
			}
			writeJSON(w, http.StatusOK, page2)
		default:
			t.Fatalf("handler called too many times: %d", callCount)
		}
	})

	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	invoices, err := client.FetchInvoices(context.Background(), since)
	if err != nil {
		t.Fatalf("FetchInvoices returned an error: %v", err)
	}

	var got []string
	for _, inv := range invoices {
		got = append(got, inv.ID()+"@"+inv["modifiedOn"].(string))
	}
	want := []string{
		"1@2024-01-01T09:00:00Z",
		"2@2024-01-02T08:30:00Z",
		"1@2024-01-01T10:00:00Z",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("invoices mismatch (-want +got):\n%s", diff)
	}
	if got, want := callCount, 2; got != want {
		t.Errorf("call count got %d want %d", got, want)
	}
}

// TestInvoices_EarlyStop checks that no further pages are requested once the consumer
// stops iterating.
func TestInvoices_EarlyStop(t *testing.T) {

	mux, client, _ := setup(t)
	page1 := readTestdata(t, "invoices_page1.json")

	var callCount int
	mux.HandleFunc(invoicesPath, func(w http.ResponseWriter, r *http.Request) {
		callCount++
		writeJSON(w, http.StatusOK, page1)
	})

	for inv, err := range client.Invoices(context.Background(), time.Now()) {
		if err != nil {
			t.Fatal(err)
		}
		if inv.ID() == "1" {
			break
		}
	}
	if got, want := callCount, 1; got != want {
		t.Errorf("call count got %d want %d", got, want)
	}
}

func TestInvoices_EmptyPage(t *testing.T) {

	mux, client, _ := setup(t)
	mux.HandleFunc(invoicesPath, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []byte(`{"data": [], "hasMore": false}`))
	})

	invoices, err := client.FetchInvoices(context.Background(), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(invoices) != 0 {
		t.Errorf("expected no invoices, got %d", len(invoices))
	}
}

// TestInvoices_QueryParameterNames checks the exact, case-sensitive query string
// sent for each page.
func TestInvoices_QueryParameterNames(t *testing.T) {

	mux, client, _ := setup(t)
	var rawQueries []string
	mux.HandleFunc(invoicesPath, func(w http.ResponseWriter, r *http.Request) {
		rawQueries = append(rawQueries, r.URL.RawQuery)
		hasMore := len(rawQueries) < 2
		if hasMore {
			writeJSON(w, http.StatusOK, []byte(`{"data": [], "hasMore": true}`))
			return
		}
		writeJSON(w, http.StatusOK, []byte(`{"data": [], "hasMore": false}`))
	})

	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if _, err := client.FetchInvoices(context.Background(), since); err != nil {
		t.Fatal(err)
	}

	want := []string{
		"Page=1&PageSize=2&updatedSince=2024-01-01T00%3A00%3A00Z",
		"Page=2&PageSize=2&updatedSince=2024-01-01T00%3A00%3A00Z",
	}
	if diff := cmp.Diff(want, rawQueries); diff != "" {
		t.Errorf("query mismatch (-want +got):\n%s", diff)
	}
}

// TestInvoices_Retries checks retry behaviour by status code.
func TestInvoices_Retries(t *testing.T) {

	ok := []byte(`{"data": [{"id": 5}], "hasMore": false}`)

	tests := []struct {
		name      string
		statuses  []int // statuses returned before the final success
		wantCalls int
		wantErr   bool
		wantCode  int
	}{
		{"success", nil, 1, false, 0},
		{"one 500 then success", []int{500}, 2, false, 0},
		{"429 then 503 then success", []int{429, 503}, 3, false, 0},
		{"500 exhausted", []int{500, 500, 500}, 3, true, 500},
		{"404 not retried", []int{404}, 1, true, 404},
		{"400 not retried", []int{400}, 1, true, 400},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux, client, _ := setup(t)
			var callCount int
			mux.HandleFunc(invoicesPath, func(w http.ResponseWriter, r *http.Request) {
				callCount++
				if callCount <= len(tt.statuses) {
					if tt.statuses[callCount-1] == http.StatusTooManyRequests {
						w.Header().Set("Retry-After", "30")
					}
					writeJSON(w, tt.statuses[callCount-1], []byte(`{"error": "boom"}`))
					return
				}
				writeJSON(w, http.StatusOK, ok)
			})

			invoices, err := client.FetchInvoices(context.Background(), time.Now())
			if got, want := callCount, tt.wantCalls; got != want {
				t.Errorf("call count got %d want %d", got, want)
			}
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if len(invoices) != 1 {
					t.Errorf("expected 1 invoice, got %d", len(invoices))
				}
				return
			}
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected *APIError, got %T %v", err, err)
			}
			if got, want := apiErr.StatusCode, tt.wantCode; got != want {
				t.Errorf("status code got %d want %d", got, want)
			}
			if got, want := apiErr.Body, `{"error": "boom"}`; got != want {
				t.Errorf("body got %q want %q", got, want)
			}
		})
	}
}

// TestInvoices_Unauthorized checks a single token refresh after a 401.
func TestInvoices_Unauthorized(t *testing.T) {

	t.Run("refresh succeeds", func(t *testing.T) {
		mux, client, tokens := setup(t)
		var auths []string
		mux.HandleFunc(invoicesPath, func(w http.ResponseWriter, r *http.Request) {
			auths = append(auths, r.Header.Get("Authorization"))
			if r.Header.Get("Authorization") == "Bearer token-1" {
				writeJSON(w, http.StatusUnauthorized, nil)
				return
			}
			writeJSON(w, http.StatusOK, []byte(`{"data": [{"id": 1}], "hasMore": false}`))
		})

		invoices, err := client.FetchInvoices(context.Background(), time.Now())
		if err != nil {
			t.Fatal(err)
		}
		if len(invoices) != 1 {
			t.Errorf("expected 1 invoice, got %d", len(invoices))
		}
		if diff := cmp.Diff([]string{"Bearer token-1", "Bearer token-2"}, auths); diff != "" {
			t.Errorf("authorization mismatch (-want +got):\n%s", diff)
		}
		if got, want := tokens.invalidated, 1; got != want {
			t.Errorf("invalidated got %d want %d", got, want)
		}
	})

	t.Run("second 401 fails", func(t *testing.T) {
		mux, client, _ := setup(t)
		var callCount int
		mux.HandleFunc(invoicesPath, func(w http.ResponseWriter, r *http.Request) {
			callCount++
			writeJSON(w, http.StatusUnauthorized, nil)
		})

		_, err := client.FetchInvoices(context.Background(), time.Now())
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401 *APIError, got %v", err)
		}
		if got, want := callCount, 2; got != want {
			t.Errorf("call count got %d want %d", got, want)
		}
	})
}

func TestInvoices_DataNotList(t *testing.T) {

	mux, client, _ := setup(t)
	mux.HandleFunc(invoicesPath, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []byte(`{"data": "nope", "hasMore": false}`))
	})

	_, err := client.FetchInvoices(context.Background(), time.Now())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T %v", err, err)
	}
	if !errors.Is(err, errDataNotList) {
		t.Errorf("expected errDataNotList in chain, got %v", err)
	}
}

func TestInvoices_TokenError(t *testing.T) {

	mux, client, tokens := setup(t)
	tokens.err = errors.New("no token")
	mux.HandleFunc(invoicesPath, func(w http.ResponseWriter, r *http.Request) {
		t.Error("endpoint should not be called without a token")
	})

	if _, err := client.FetchInvoices(context.Background(), time.Now()); err == nil {
		t.Fatal("expected an error")
	}
}

func TestInvoices_Cancelled(t *testing.T) {

	_, client, _ := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.FetchInvoices(ctx, time.Now())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestNewAPIClientErrors(t *testing.T) {

	tokens := &fakeTokens{tokens: []string{"t"}}
	tests := []struct {
		name   string
		opts   Options
		tokens TokenProvider
	}{
		{"nil tokens", Options{BaseURL: "https://x", TenantID: "1"}, nil},
		{"no base url", Options{TenantID: "1"}, tokens},
		{"no tenant", Options{BaseURL: "https://x"}, tokens},
		{"page size too big", Options{BaseURL: "https://x", TenantID: "1", PageSize: 5001}, tokens},
		{"negative page size", Options{BaseURL: "https://x", TenantID: "1", PageSize: -1}, tokens},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewAPIClient(tt.opts, tt.tokens, nil, nil); err == nil {
				t.Error("expected an error")
			}
		})
	}
}
