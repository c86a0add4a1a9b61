package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/listingsync/pkg/entitlement"
	"github.com/mihaimyh/listingsync/storage/memory"
)

const testSecret = "whsec-test"

func newTestServer(t *testing.T) (*server, *memory.Storage) {
	t.Helper()
	return newTestServerWith(t, nil)
}

func newTestServerWith(t *testing.T, mutate func(cfg *Config)) (*server, *memory.Storage) {
	t.Helper()

	cfg := defaultConfig()
	cfg.Storage = "memory"
	cfg.WebhookSecret = testSecret
	cfg.PlanID = "PRO"
	cfg.Products = []string{"PROSERVICE_Monthly"}
	cfg.RateLimit = 0
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, cfg.Validate())

	s, err := newServer(context.Background(), &cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.store.Close() })

	store, ok := s.store.Storage.(*memory.Storage)
	require.True(t, ok)
	return s, store
}

func do(t *testing.T, h http.Handler, method, path string, header http.Header, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestServer_WebhookGrantsAndPromotes(t *testing.T) {
	s, store := newTestServer(t)
	ctx := context.Background()

	created := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)
	listing, err := store.CreateListing(ctx, &entitlement.Listing{
		OwnerID:   "U1",
		Status:    entitlement.ListingPendingPayment,
		CreatedAt: created,
	})
	require.NoError(t, err)

	start := time.Now().Add(-time.Minute).UnixMilli()
	end := time.Now().Add(30 * 24 * time.Hour).UnixMilli()
	body := fmt.Sprintf(`{"api_version":"1.0","event":{"type":"INITIAL_PURCHASE","id":"evt-1",`+
		`"app_user_id":"U1","product_id":"PROSERVICE_Monthly",`+
		`"period_start_at_ms":%d,"expiration_at_ms":%d,"event_timestamp_ms":%d}}`, start, end, start)

	w := do(t, s.Handler(), http.MethodPost, "/webhooks/revenuecat",
		http.Header{"Authorization": {testSecret}, "Content-Type": {"application/json"}}, body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"received":true}`, w.Body.String())

	got, err := store.GetListing(ctx, listing.ID)
	require.NoError(t, err)
	assert.Equal(t, entitlement.ListingPendingReview, got.Status)

	w = do(t, s.Handler(), http.MethodGet, "/v1/entitlement", http.Header{"X-User-Id": {"U1"}}, "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "active", resp["status"])
	assert.Equal(t, true, resp["active"])
	assert.Equal(t, "PROSERVICE_Monthly", resp["product_id"])
}

func TestServer_WebhookRejectsBadSecret(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(t, s.Handler(), http.MethodPost, "/webhooks/revenuecat",
		http.Header{"Authorization": {"Bearer " + testSecret}}, `{"event":{"type":"TEST"}}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestServer_EntitlementNotFound(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(t, s.Handler(), http.MethodGet, "/v1/entitlement", http.Header{"X-User-Id": {"nobody"}}, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"none"`)
}

func TestServer_Health(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(t, s.Handler(), http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestServer_HealthReportsStorageFailure(t *testing.T) {
	s, _ := newTestServer(t)
	s.store.ping = func(context.Context) error { return fmt.Errorf("connection refused") }

	w := do(t, s.Handler(), http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestServer_Metrics(t *testing.T) {
	s, _ := newTestServer(t)

	// generate one webhook so billing series exist
	do(t, s.Handler(), http.MethodPost, "/webhooks/revenuecat",
		http.Header{"Authorization": {testSecret}}, `{"event":{"type":"TEST"}}`)

	w := do(t, s.Handler(), http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	body, err := io.ReadAll(w.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "listingsync_billing_webhook_events_total")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestServer_RunShutsDownOnCancel(t *testing.T) {
	s, _ := newTestServer(t)
	s.cfg.Addr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestNewServer_RejectsUnknownStorage(t *testing.T) {
	cfg := defaultConfig()
	cfg.Storage = "redis"
	_, err := newServer(context.Background(), &cfg, zerolog.Nop())
	assert.Error(t, err)
}

func TestServer_SyncUsers(t *testing.T) {
	expires := time.Now().Add(30 * 24 * time.Hour).UTC().Format(time.RFC3339)
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer rc_key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/v1/subscribers/U1":
			_, _ = fmt.Fprintf(w, `{"subscriber":{"original_app_user_id":"U1","entitlements":{"pro":`+
				`{"product_identifier":"PROSERVICE_Monthly","purchase_date":"2025-01-01T00:00:00Z","expires_date":%q}}}}`, expires)
		case "/v1/subscribers/U2":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer api.Close()

	s, store := newTestServerWith(t, func(cfg *Config) {
		cfg.RevenueCatAPIKey = "rc_key"
		cfg.RevenueCatAPIURL = api.URL + "/v1"
	})
	ctx := context.Background()
	listing, err := store.CreateListing(ctx, &entitlement.Listing{OwnerID: "U1", Status: entitlement.ListingPendingPayment})
	require.NoError(t, err)

	var out strings.Builder
	err = s.SyncUsers(ctx, &out, []string{"U1", "U2", "U3"})
	require.Error(t, err, "the failing user is reported")
	assert.Contains(t, err.Error(), "sync U2")
	assert.NotContains(t, err.Error(), "sync U1")

	assert.Contains(t, out.String(), "U1\tPRO\tgranted\tfound=true")
	assert.Contains(t, out.String(), "U3\tPRO\tnoop\tfound=false")

	entry, err := store.GetEntry(ctx, "U1", "PRO")
	require.NoError(t, err)
	assert.Equal(t, entitlement.StatusActive, entry.Status)
	got, err := store.GetListing(ctx, listing.ID)
	require.NoError(t, err)
	assert.Equal(t, entitlement.ListingPendingReview, got.Status)
}
