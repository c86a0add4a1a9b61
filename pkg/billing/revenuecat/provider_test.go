package revenuecat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/listingsync/pkg/billing"
	"github.com/mihaimyh/listingsync/pkg/entitlement"
	"github.com/mihaimyh/listingsync/storage/memory"
)

const (
	testSecret  = "Bearer test-secret"
	testUserID  = "U1"
	testPlan    = "PROSERVICE_PLAN"
	testMonthly = "PROSERVICE_Monthly"
	testOneOff  = "PROSERVICE_Lifetime"
)

// failingStorage injects errors into an in-memory store
type failingStorage struct {
	*memory.Storage
	upsertErr  error
	revokeErr  error
	promoteErr error
}

func (s *failingStorage) UpsertGrant(ctx context.Context, e *entitlement.LedgerEntry) error {
	if s.upsertErr != nil {
		return s.upsertErr
	}
	return s.Storage.UpsertGrant(ctx, e)
}

func (s *failingStorage) ApplyRevoke(ctx context.Context, req *entitlement.RevokeRequest) (bool, error) {
	if s.revokeErr != nil {
		return false, s.revokeErr
	}
	return s.Storage.ApplyRevoke(ctx, req)
}

func (s *failingStorage) PromoteLatestListing(ctx context.Context, ownerID string,
	from, to entitlement.ListingStatus, now time.Time) (*entitlement.Listing, error) {
	if s.promoteErr != nil {
		return nil, s.promoteErr
	}
	return s.Storage.PromoteLatestListing(ctx, ownerID, from, to, now)
}

type fixture struct {
	store    *failingStorage
	provider *Provider
	handler  http.Handler
}

func newFixture(t *testing.T, mutate func(c *billing.Config)) *fixture {
	t.Helper()
	store := &failingStorage{Storage: memory.New()}
	rec, err := entitlement.NewReconciler(store, &entitlement.Config{
		Now: func() time.Time { return clockNow },
	})
	require.NoError(t, err)

	cfg := billing.Config{
		Reconciler:     rec,
		PlanMapping:    map[string]string{testMonthly: testPlan, testOneOff: testPlan},
		OneOffProducts: []string{testOneOff},
		WebhookSecret:  testSecret,
		RateLimit:      billing.RateLimitConfig{Disabled: true},
		Now:            func() time.Time { return clockNow },
	}
	if mutate != nil {
		mutate(&cfg)
	}

	provider, err := NewProvider(cfg)
	require.NoError(t, err)
	return &fixture{store: store, provider: provider, handler: provider.WebhookHandler()}
}

func (f *fixture) seedListing(t *testing.T, status entitlement.ListingStatus, created time.Time) *entitlement.Listing {
	t.Helper()
	l, err := f.store.CreateListing(context.Background(), &entitlement.Listing{
		OwnerID: testUserID, Status: status, CreatedAt: created,
	})
	require.NoError(t, err)
	return l
}

func (f *fixture) post(t *testing.T, auth string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/revenuecat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func eventBody(t *testing.T, fields map[string]interface{}) string {
	t.Helper()
	b, err := json.Marshal(map[string]interface{}{"api_version": "1.0", "event": fields})
	require.NoError(t, err)
	return string(b)
}

func purchaseEvent() map[string]interface{} {
	return map[string]interface{}{
		"id":                 "evt-purchase",
		"type":               "INITIAL_PURCHASE",
		"app_user_id":        testUserID,
		"product_id":         testMonthly,
		"entitlement_ids":    []string{"pro"},
		"period_start_at_ms": t0.UnixMilli(),
		"period_end_at_ms":   t1.UnixMilli(),
		"event_timestamp_ms": t0.UnixMilli(),
	}
}

func assertReceived(t *testing.T, w *httptest.ResponseRecorder) {
	t.Helper()
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"received":true}`, w.Body.String())
}

func TestProvider_Name(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, "revenuecat", f.provider.Name())
}

func TestNewProvider_InvalidConfig(t *testing.T) {
	_, err := NewProvider(billing.Config{})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)
}

// A purchase writes an active entry and promotes only the newest pending listing
func TestProvider_Webhook_InitialPurchaseGrantsAndPromotes(t *testing.T) {
	f := newFixture(t, nil)
	older := f.seedListing(t, entitlement.ListingPendingPayment, t0.Add(-48*time.Hour))
	newest := f.seedListing(t, entitlement.ListingPendingPayment, t0.Add(-time.Hour))
	live := f.seedListing(t, entitlement.ListingLive, t0)

	w := f.post(t, testSecret, eventBody(t, purchaseEvent()))
	assertReceived(t, w)

	entry, err := f.store.GetEntry(context.Background(), testUserID, testPlan)
	require.NoError(t, err)
	assert.Equal(t, entitlement.StatusActive, entry.Status)
	assert.True(t, entry.Start.Equal(t0))
	require.NotNil(t, entry.End)
	assert.True(t, entry.End.Equal(t1))
	assert.Equal(t, testMonthly, entry.ProductRef)
	assert.Equal(t, "pro", entry.EntitlementRef)

	got, _ := f.store.GetListing(context.Background(), newest.ID)
	assert.Equal(t, entitlement.ListingPendingReview, got.Status)
	got, _ = f.store.GetListing(context.Background(), older.ID)
	assert.Equal(t, entitlement.ListingPendingPayment, got.Status, "only the newest listing is promoted")
	got, _ = f.store.GetListing(context.Background(), live.ID)
	assert.Equal(t, entitlement.ListingLive, got.Status)
}

// Replaying the same delivery leaves the ledger row and listings unchanged
func TestProvider_Webhook_RedeliveryIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	f.seedListing(t, entitlement.ListingPendingPayment, t0)
	body := eventBody(t, purchaseEvent())

	assertReceived(t, f.post(t, testSecret, body))
	first, err := f.store.GetEntry(context.Background(), testUserID, testPlan)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		assertReceived(t, f.post(t, testSecret, body))
	}
	again, err := f.store.GetEntry(context.Background(), testUserID, testPlan)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	listings, err := f.store.ListingsByOwner(context.Background(), testUserID)
	require.NoError(t, err)
	require.Len(t, listings, 1)
	assert.Equal(t, entitlement.ListingPendingReview, listings[0].Status)
}

// An expiration overwrites the status and moves End to the expiration time
func TestProvider_Webhook_ExpirationSetsStatusAndEnd(t *testing.T) {
	f := newFixture(t, nil)
	assertReceived(t, f.post(t, testSecret, eventBody(t, purchaseEvent())))

	expiredAt := t1.Add(-24 * time.Hour)
	w := f.post(t, testSecret, eventBody(t, map[string]interface{}{
		"type":               "EXPIRATION",
		"app_user_id":        testUserID,
		"product_id":         testMonthly,
		"expiration_at_ms":   expiredAt.UnixMilli(),
		"event_timestamp_ms": expiredAt.UnixMilli(),
	}))
	assertReceived(t, w)

	entry, err := f.store.GetEntry(context.Background(), testUserID, testPlan)
	require.NoError(t, err)
	assert.Equal(t, entitlement.StatusExpired, entry.Status)
	require.NotNil(t, entry.End)
	assert.True(t, entry.End.Equal(expiredAt))
}

func TestProvider_Webhook_CancellationKeepsEnd(t *testing.T) {
	f := newFixture(t, nil)
	assertReceived(t, f.post(t, testSecret, eventBody(t, purchaseEvent())))

	assertReceived(t, f.post(t, testSecret, eventBody(t, map[string]interface{}{
		"type":        "CANCELLATION",
		"app_user_id": testUserID,
		"product_id":  testMonthly,
	})))

	entry, err := f.store.GetEntry(context.Background(), testUserID, testPlan)
	require.NoError(t, err)
	assert.Equal(t, entitlement.StatusCancelled, entry.Status)
	assert.True(t, entry.End.Equal(t1))
}

// Events for unmapped products touch neither the ledger nor listings
func TestProvider_Webhook_UnmappedProductIgnored(t *testing.T) {
	f := newFixture(t, nil)
	listing := f.seedListing(t, entitlement.ListingPendingPayment, t0)

	event := purchaseEvent()
	event["product_id"] = "SOMETHING_ELSE"
	assertReceived(t, f.post(t, testSecret, eventBody(t, event)))

	_, err := f.store.GetEntry(context.Background(), testUserID, testPlan)
	assert.ErrorIs(t, err, entitlement.ErrEntryNotFound)
	got, _ := f.store.GetListing(context.Background(), listing.ID)
	assert.Equal(t, entitlement.ListingPendingPayment, got.Status)
}

// An unauthenticated delivery is rejected before anything is written
func TestProvider_Webhook_MissingAuthorization(t *testing.T) {
	f := newFixture(t, nil)
	listing := f.seedListing(t, entitlement.ListingPendingPayment, t0)

	w := f.post(t, "", eventBody(t, purchaseEvent()))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	_, err := f.store.GetEntry(context.Background(), testUserID, testPlan)
	assert.ErrorIs(t, err, entitlement.ErrEntryNotFound)
	got, _ := f.store.GetListing(context.Background(), listing.ID)
	assert.Equal(t, entitlement.ListingPendingPayment, got.Status)
}

func TestProvider_Webhook_WrongAuthorization(t *testing.T) {
	f := newFixture(t, nil)

	for _, auth := range []string{"Bearer wrong", "test-secret", "bearer test-secret", testSecret + " "} {
		w := f.post(t, auth, eventBody(t, purchaseEvent()))
		assert.Equal(t, http.StatusUnauthorized, w.Code, "auth %q", auth)
	}

	_, err := f.store.GetEntry(context.Background(), testUserID, testPlan)
	assert.ErrorIs(t, err, entitlement.ErrEntryNotFound)
}

// the body must not be touched before authentication
type explodingReader struct{ read bool }

func (r *explodingReader) Read([]byte) (int, error) {
	r.read = true
	return 0, errors.New("body read before authentication")
}

func TestProvider_Webhook_AuthBeforeBodyRead(t *testing.T) {
	f := newFixture(t, nil)
	body := &explodingReader{}
	req := httptest.NewRequest(http.MethodPost, "/webhooks/revenuecat", body)
	w := httptest.NewRecorder()

	f.handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, body.read)
}

func TestProvider_Webhook_NoSecretFailsClosed(t *testing.T) {
	f := newFixture(t, func(c *billing.Config) { c.WebhookSecret = "" })
	body := &explodingReader{}
	req := httptest.NewRequest(http.MethodPost, "/webhooks/revenuecat", body)
	req.Header.Set("Authorization", "")
	w := httptest.NewRecorder()

	f.handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.False(t, body.read)
}

func TestProvider_Webhook_InvalidMethod(t *testing.T) {
	f := newFixture(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/webhooks/revenuecat", http.NoBody)
	req.Header.Set("Authorization", testSecret)
	w := httptest.NewRecorder()

	f.handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, http.MethodPost, w.Header().Get("Allow"))
}

func TestProvider_Webhook_MalformedBodies(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"empty", "", http.StatusBadRequest},
		{"invalid json", `{"event":`, http.StatusBadRequest},
		{"array", `[1,2]`, http.StatusBadRequest},
		{"two objects", `{"event":{}}{"event":{}}`, http.StatusBadRequest},
		{"too large", `{"event":{"id":"` + strings.Repeat("x", 300*1024) + `"}}`, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.post(t, testSecret, tt.body)
			assert.Equal(t, tt.code, w.Code)
		})
	}
}

func TestProvider_Webhook_SecurityHeaders(t *testing.T) {
	f := newFixture(t, nil)
	for _, auth := range []string{"", testSecret} {
		w := f.post(t, auth, eventBody(t, purchaseEvent()))
		assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
		assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	}
}

func TestProvider_Webhook_TestEventAcknowledged(t *testing.T) {
	f := newFixture(t, nil)
	assertReceived(t, f.post(t, testSecret, eventBody(t, map[string]interface{}{"type": "TEST"})))
}

func TestProvider_Webhook_UnknownFieldsTolerated(t *testing.T) {
	f := newFixture(t, nil)
	event := purchaseEvent()
	event["presented_offering_id"] = "default"
	event["subscriber_attributes"] = map[string]interface{}{"$email": map[string]string{"value": "a@b.c"}}

	assertReceived(t, f.post(t, testSecret, eventBody(t, event)))

	_, err := f.store.GetEntry(context.Background(), testUserID, testPlan)
	assert.NoError(t, err)
}

func TestProvider_Webhook_RevokeWithoutEntryIsNoop(t *testing.T) {
	f := newFixture(t, nil)

	for _, typ := range []string{"CANCELLATION", "EXPIRATION"} {
		assertReceived(t, f.post(t, testSecret, eventBody(t, map[string]interface{}{
			"type":             typ,
			"app_user_id":      "ghost",
			"product_id":       testMonthly,
			"expiration_at_ms": t1.UnixMilli(),
		})))
	}

	_, err := f.store.GetEntry(context.Background(), "ghost", testPlan)
	assert.ErrorIs(t, err, entitlement.ErrEntryNotFound)
}

func TestProvider_Webhook_OneOffPurchase(t *testing.T) {
	f := newFixture(t, nil)

	assertReceived(t, f.post(t, testSecret, eventBody(t, map[string]interface{}{
		"type":               "NON_RENEWING_PURCHASE",
		"app_user_id":        testUserID,
		"product_id":         testOneOff,
		"event_timestamp_ms": t0.UnixMilli(),
	})))

	entry, err := f.store.GetEntry(context.Background(), testUserID, testPlan)
	require.NoError(t, err)
	require.NotNil(t, entry.End)
	assert.True(t, entry.End.After(entry.Start))
	assert.InDelta(t, billing.DefaultFarFuture.Hours(), entry.End.Sub(entry.Start).Hours(), 1)
}

func TestProvider_Webhook_GrantLedgerFailureReturns500(t *testing.T) {
	f := newFixture(t, nil)
	f.store.upsertErr = errors.New("connection reset")

	w := f.post(t, testSecret, eventBody(t, purchaseEvent()))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestProvider_Webhook_GrantProjectionFailureReturns500(t *testing.T) {
	f := newFixture(t, nil)
	f.store.promoteErr = errors.New("statement timeout")

	w := f.post(t, testSecret, eventBody(t, purchaseEvent()))
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	// a retry after recovery converges
	f.store.promoteErr = nil
	listing := f.seedListing(t, entitlement.ListingPendingPayment, t0)
	assertReceived(t, f.post(t, testSecret, eventBody(t, purchaseEvent())))
	got, _ := f.store.GetListing(context.Background(), listing.ID)
	assert.Equal(t, entitlement.ListingPendingReview, got.Status)
}

func TestProvider_Webhook_RevokeFailureSwallowed(t *testing.T) {
	f := newFixture(t, nil)
	assertReceived(t, f.post(t, testSecret, eventBody(t, purchaseEvent())))
	f.store.revokeErr = errors.New("disk full")

	assertReceived(t, f.post(t, testSecret, eventBody(t, map[string]interface{}{
		"type":        "EXPIRATION",
		"app_user_id": testUserID,
		"product_id":  testMonthly,
	})))

	entry, err := f.store.GetEntry(context.Background(), testUserID, testPlan)
	require.NoError(t, err)
	assert.Equal(t, entitlement.StatusActive, entry.Status)
}

func TestProvider_Webhook_RateLimitExceeded(t *testing.T) {
	f := newFixture(t, func(c *billing.Config) {
		c.RateLimit = billing.RateLimitConfig{Requests: 2, Window: time.Minute}
	})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/revenuecat",
			strings.NewReader(eventBody(t, map[string]interface{}{"type": "TEST"})))
		req.Header.Set("Authorization", testSecret)
		req.RemoteAddr = "203.0.113.9:4000"
		w := httptest.NewRecorder()
		f.handler.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestProvider_Webhook_Callback(t *testing.T) {
	var (
		mu     sync.Mutex
		events []billing.WebhookEvent
	)
	f := newFixture(t, func(c *billing.Config) {
		c.OnEvent = func(_ context.Context, event billing.WebhookEvent) error {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, event)
			return nil
		}
	})
	listing := f.seedListing(t, entitlement.ListingPendingPayment, t0)

	assertReceived(t, f.post(t, testSecret, eventBody(t, purchaseEvent())))
	assertReceived(t, f.post(t, testSecret, eventBody(t, map[string]interface{}{"type": "TEST"})))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1, "ignored events do not reach the callback")
	ev := events[0]
	assert.Equal(t, testUserID, ev.UserID)
	assert.Equal(t, testPlan, ev.PlanID)
	assert.Equal(t, "revenuecat", ev.Provider)
	assert.Equal(t, "INITIAL_PURCHASE", ev.EventType)
	assert.Equal(t, "evt-purchase", ev.EventID)
	assert.Equal(t, entitlement.KindGrant, ev.Kind)
	assert.Equal(t, entitlement.OutcomeGranted, ev.Outcome)
	assert.Equal(t, listing.ID, ev.PromotedListingID)
	assert.Equal(t, testMonthly, ev.Metadata["product_id"])
	assert.Equal(t, "pro", ev.Metadata["entitlement_ids"])
}

func TestProvider_Webhook_CallbackErrorDoesNotFailDelivery(t *testing.T) {
	f := newFixture(t, func(c *billing.Config) {
		c.OnEvent = func(context.Context, billing.WebhookEvent) error {
			return errors.New("downstream unavailable")
		}
	})

	assertReceived(t, f.post(t, testSecret, eventBody(t, purchaseEvent())))
}

func TestProvider_Webhook_ConcurrentDeliveries(t *testing.T) {
	f := newFixture(t, nil)
	f.seedListing(t, entitlement.ListingPendingPayment, t0)
	body := eventBody(t, purchaseEvent())

	var wg sync.WaitGroup
	codes := make(chan int, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/webhooks/revenuecat", strings.NewReader(body))
			req.Header.Set("Authorization", testSecret)
			w := httptest.NewRecorder()
			f.handler.ServeHTTP(w, req)
			codes <- w.Code
		}()
	}
	wg.Wait()
	close(codes)

	for code := range codes {
		assert.Equal(t, http.StatusOK, code)
	}
	entry, err := f.store.GetEntry(context.Background(), testUserID, testPlan)
	require.NoError(t, err)
	assert.Equal(t, entitlement.StatusActive, entry.Status)
}

func TestProvider_Webhook_Metrics(t *testing.T) {
	m := &recordingMetrics{}
	f := newFixture(t, func(c *billing.Config) { c.Metrics = m })

	f.post(t, "", eventBody(t, purchaseEvent()))
	f.post(t, testSecret, eventBody(t, purchaseEvent()))

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Contains(t, m.errors, "auth_failed")
	assert.Contains(t, m.events, "INITIAL_PURCHASE/success")
	assert.Contains(t, m.kinds, "grant/")
}

type recordingMetrics struct {
	mu       sync.Mutex
	events   []string
	errors   []string
	kinds    []string
	syncs    []string
	apiCalls []string
}

func (m *recordingMetrics) RecordWebhookEvent(_, eventType, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, fmt.Sprintf("%s/%s", eventType, status))
}

func (m *recordingMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}

func (m *recordingMetrics) RecordWebhookError(_, errorType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, errorType)
}

func (m *recordingMetrics) RecordClassification(_, kind, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kinds = append(m.kinds, kind+"/"+reason)
}

func (m *recordingMetrics) RecordUserSync(_, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncs = append(m.syncs, status)
}

func (m *recordingMetrics) RecordUserSyncDuration(_ string, _ time.Duration) {}

func (m *recordingMetrics) RecordAPICall(_, endpoint, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apiCalls = append(m.apiCalls, endpoint+"/"+status)
}

func (m *recordingMetrics) RecordAPICallDuration(_, _ string, _ time.Duration) {}
