package finnhub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"
)

// setup creates a test client, a mock server, and a teardown function.
func setup(t *testing.T) (*Client, *http.ServeMux, func()) {
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)

	client := NewClient(server.URL, "test-api-key")

	teardown := func() {
		server.Close()
	}
	return client, mux, teardown
}

func TestNewClient(t *testing.T) {
	apiKey := "my-secret-key"
	testURL := "http://test.url/api"
	client := NewClient(testURL, apiKey)

	if client.apiKey != apiKey {
		t.Errorf("expected apiKey to be %q, got %q", apiKey, client.apiKey)
	}
	if client.httpClient == nil {
		t.Error("expected httpClient to be initialized, but it was nil")
	}
	if client.baseURL != testURL {
		t.Errorf("expected baseURL to be %q, got %q", testURL, client.baseURL)
	}
}

func TestClient_GetQuote(t *testing.T) {
	client, mux, teardown := setup(t)
	defer teardown()

	expectedQuote := &Quote{
		Current:       285.9,
		Change:        2.3,
		ChangePercent: 0.81,
		High:          286.0,
		Low:           283.5,
		Open:          284.0,
		PreviousClose: 283.6,
	}

	mux.HandleFunc("/quote", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("symbol") != "AAPL" && r.URL.Query().Get("symbol") != "BINANCE:BTCUSDT" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if r.URL.Query().Get("token") != "test-api-key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(expectedQuote)
	})

	testCases := []struct {
		name       string
		symbol     string
		want       *Quote
		wantErr    bool
		wantErrMsg string
	}{
		{
			name:   "Success",
			symbol: "AAPL",
			want:   expectedQuote,
		},
		{
			name:   "Symbol needing escaping",
			symbol: "BINANCE:BTCUSDT",
			want:   expectedQuote,
		},
		{
			name:       "API Error",
			symbol:     "FAIL",
			wantErr:    true,
			wantErrMsg: "API error: not found",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			quote, err := client.GetQuote(context.Background(), tc.symbol)

			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected an error but got none")
				}
				if !strings.Contains(err.Error(), tc.wantErrMsg) {
					t.Errorf("expected error message to contain %q, got %q", tc.wantErrMsg, err.Error())
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if diff := cmp.Diff(tc.want, quote); diff != "" {
				t.Errorf("GetQuote() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestClient_GetQuoteCancelled(t *testing.T) {
	client, mux, teardown := setup(t)
	defer teardown()
	mux.HandleFunc("/quote", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Quote{})
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := client.GetQuote(ctx, "AAPL"); err == nil {
		t.Error("expected an error for a cancelled context")
	}
}

func TestPreviousCloses(t *testing.T) {
	client, mux, teardown := setup(t)
	defer teardown()

	var calls atomic.Int32
	mux.HandleFunc("/quote", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		switch r.URL.Query().Get("symbol") {
		case "NFLX":
			json.NewEncoder(w).Encode(Quote{Current: 420, PreviousClose: 400})
		case "ZERO":
			json.NewEncoder(w).Encode(Quote{})
		default:
			http.Error(w, "not found", http.StatusNotFound)
		}
	})

	ref := NewPreviousCloses(client, zap.NewNop())
	ctx := context.Background()

	ref.Prime(ctx, "NFLX")
	ref.Prime(ctx, "NFLX")
	if got, ok := ref.PreviousClose("NFLX"); !ok || got != 400 {
		t.Errorf("PreviousClose(NFLX) = %v, %v; want 400, true", got, ok)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("expected one quote request for a primed symbol, got %d", got)
	}

	ref.Prime(ctx, "MISSING")
	ref.Prime(ctx, "ZERO")
	for _, s := range []string{"MISSING", "ZERO"} {
		if _, ok := ref.PreviousClose(s); ok {
			t.Errorf("PreviousClose(%s) should be unknown", s)
		}
	}

	// Failed fetches are retried on the next Prime.
	before := calls.Load()
	ref.Prime(ctx, "MISSING")
	if calls.Load() != before+1 {
		t.Error("expected a failed symbol to be fetched again")
	}
}

func TestPreviousCloses_ExpiresStaleCloses(t *testing.T) {
	client, mux, teardown := setup(t)
	defer teardown()

	var calls atomic.Int32
	mux.HandleFunc("/quote", func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		json.NewEncoder(w).Encode(Quote{PreviousClose: 400 + float64(n)})
	})

	now := time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC)
	ref := NewPreviousCloses(client, zap.NewNop())
	ref.now = func() time.Time { return now }
	ctx := context.Background()

	ref.Prime(ctx, "NFLX")
	if got, ok := ref.PreviousClose("NFLX"); !ok || got != 401 {
		t.Fatalf("PreviousClose(NFLX) = %v, %v; want 401, true", got, ok)
	}

	now = now.Add(DefaultCloseTTL)
	if _, ok := ref.PreviousClose("NFLX"); ok {
		t.Error("a close older than the TTL must be reported as unknown")
	}

	ref.Prime(ctx, "NFLX")
	if got, ok := ref.PreviousClose("NFLX"); !ok || got != 402 {
		t.Errorf("PreviousClose(NFLX) after refresh = %v, %v; want 402, true", got, ok)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("expected two quote requests, got %d", got)
	}
}
