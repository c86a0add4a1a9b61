package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mihaimyh/listingsync/pkg/entitlement"
	"github.com/mihaimyh/listingsync/storage/memory"
)

const (
	testUserID = "user123"
	testPlanID = "PRO"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type erroringStorage struct {
	*memory.Storage
}

func (erroringStorage) GetEntry(context.Context, string, string) (*entitlement.LedgerEntry, error) {
	return nil, errors.New("connection refused")
}

// Helper to create a test reconciler
func newTestReconciler(t *testing.T, storage entitlement.Storage) *entitlement.Reconciler {
	t.Helper()
	if storage == nil {
		storage = memory.New()
	}
	r, err := entitlement.NewReconciler(storage, &entitlement.Config{
		Now: func() time.Time { return testNow },
	})
	if err != nil {
		t.Fatalf("Failed to create reconciler: %v", err)
	}
	return r
}

func grant(t *testing.T, r *entitlement.Reconciler, userID string, end *time.Time) {
	t.Helper()
	_, err := r.Apply(context.Background(), &entitlement.Transition{
		Kind:      entitlement.KindGrant,
		EventType: "INITIAL_PURCHASE",
		UserID:    userID,
		PlanID:    testPlanID,
		ProductID: "PROSERVICE_Monthly",
		Start:     testNow.Add(-24 * time.Hour),
		End:       end,
	})
	if err != nil {
		t.Fatalf("Failed to grant: %v", err)
	}
}

func newTestHandler(t *testing.T, r *entitlement.Reconciler) *Handler {
	t.Helper()
	handler, err := NewHandler(Config{Reconciler: r, PlanID: testPlanID})
	if err != nil {
		t.Fatalf("Failed to create handler: %v", err)
	}
	return handler
}

func get(handler http.Handler, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/v1/entitlement", http.NoBody)
	if userID != "" {
		req.Header.Set(DefaultUserIDHeader, userID)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) EntitlementResponse {
	t.Helper()
	var response EntitlementResponse
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	return response
}

func TestHandler_GetEntitlement_Active(t *testing.T) {
	r := newTestReconciler(t, nil)
	end := testNow.Add(30 * 24 * time.Hour)
	grant(t, r, testUserID, &end)

	w := get(newTestHandler(t, r), testUserID)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected JSON content type, got %q", ct)
	}

	response := decode(t, w)
	if response.UserID != testUserID {
		t.Errorf("Expected userID %s, got %s", testUserID, response.UserID)
	}
	if response.PlanID != testPlanID {
		t.Errorf("Expected plan %s, got %s", testPlanID, response.PlanID)
	}
	if response.Status != "active" || !response.Active {
		t.Errorf("Expected active entitlement, got status=%s active=%v", response.Status, response.Active)
	}
	if response.Start == nil || !response.Start.Equal(testNow.Add(-24*time.Hour)) {
		t.Errorf("Unexpected start %v", response.Start)
	}
	if response.End == nil || !response.End.Equal(end) {
		t.Errorf("Unexpected end %v", response.End)
	}
	if response.ProductID != "PROSERVICE_Monthly" {
		t.Errorf("Expected product PROSERVICE_Monthly, got %s", response.ProductID)
	}
}

func TestHandler_GetEntitlement_NonExpiring(t *testing.T) {
	r := newTestReconciler(t, nil)
	grant(t, r, testUserID, nil)

	w := get(newTestHandler(t, r), testUserID)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), `"end"`) {
		t.Errorf("Expected end to be omitted, got %s", w.Body.String())
	}
	if !decode(t, w).Active {
		t.Error("Expected non-expiring entitlement to be active")
	}
}

func TestHandler_GetEntitlement_PastEnd(t *testing.T) {
	r := newTestReconciler(t, nil)
	end := testNow.Add(-time.Hour)
	grant(t, r, testUserID, &end)

	response := decode(t, get(newTestHandler(t, r), testUserID))
	if response.Status != "active" {
		t.Errorf("Expected ledger status active, got %s", response.Status)
	}
	if response.Active {
		t.Error("Expected entitlement past its end to be inactive")
	}
}

func TestHandler_GetEntitlement_Revoked(t *testing.T) {
	r := newTestReconciler(t, nil)
	grant(t, r, testUserID, nil)
	_, err := r.Apply(context.Background(), &entitlement.Transition{
		Kind:         entitlement.KindRevoke,
		UserID:       testUserID,
		PlanID:       testPlanID,
		RevokeStatus: entitlement.StatusCancelled,
	})
	if err != nil {
		t.Fatalf("Failed to revoke: %v", err)
	}

	response := decode(t, get(newTestHandler(t, r), testUserID))
	if response.Status != "cancelled" || response.Active {
		t.Errorf("Expected inactive cancelled entitlement, got %+v", response)
	}
}

func TestHandler_GetEntitlement_NotFound(t *testing.T) {
	w := get(newTestHandler(t, newTestReconciler(t, nil)), "nobody")
	if w.Code != http.StatusNotFound {
		t.Fatalf("Expected status 404, got %d", w.Code)
	}
	response := decode(t, w)
	if response.Status != statusNone || response.Active {
		t.Errorf("Expected status none and inactive, got %+v", response)
	}
}

func TestHandler_GetEntitlement_MissingUserID(t *testing.T) {
	w := get(newTestHandler(t, newTestReconciler(t, nil)), "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("Expected status 401, got %d", w.Code)
	}
}

func TestHandler_GetEntitlement_UserIDTooLong(t *testing.T) {
	w := get(newTestHandler(t, newTestReconciler(t, nil)), strings.Repeat("x", maxUserIDLen+1))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d", w.Code)
	}
}

func TestHandler_GetEntitlement_MethodNotAllowed(t *testing.T) {
	handler := newTestHandler(t, newTestReconciler(t, nil))
	req := httptest.NewRequest(http.MethodPost, "/v1/entitlement", http.NoBody)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("Expected status 405, got %d", w.Code)
	}
	if allow := w.Header().Get("Allow"); allow != "GET, HEAD" {
		t.Errorf("Expected Allow header, got %q", allow)
	}
}

func TestHandler_GetEntitlement_StorageError(t *testing.T) {
	r := newTestReconciler(t, erroringStorage{memory.New()})
	w := get(newTestHandler(t, r), testUserID)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("Expected status 500, got %d", w.Code)
	}
}

func TestHandler_CustomOnError(t *testing.T) {
	var captured error
	handler, err := NewHandler(Config{
		Reconciler: newTestReconciler(t, nil),
		PlanID:     testPlanID,
		OnError: func(w http.ResponseWriter, _ *http.Request, err error) {
			captured = err
			w.WriteHeader(http.StatusTeapot)
		},
	})
	if err != nil {
		t.Fatalf("Failed to create handler: %v", err)
	}

	w := get(handler, "")
	if w.Code != http.StatusTeapot {
		t.Errorf("Expected custom status, got %d", w.Code)
	}
	if captured == nil {
		t.Error("Expected OnError to receive the error")
	}
}

func TestHandler_FromContext(t *testing.T) {
	type ctxKey struct{}
	r := newTestReconciler(t, nil)
	grant(t, r, testUserID, nil)

	handler, err := NewHandler(Config{
		Reconciler: r,
		PlanID:     testPlanID,
		GetUserID:  FromContext(ctxKey{}),
	})
	if err != nil {
		t.Fatalf("Failed to create handler: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/entitlement", http.NoBody)
	req = req.WithContext(context.WithValue(req.Context(), ctxKey{}, testUserID))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
}

func TestNewHandler_Validation(t *testing.T) {
	tests := []struct {
		name   string
		config Config
	}{
		{"missing reconciler", Config{PlanID: testPlanID}},
		{"missing plan", Config{Reconciler: newTestReconciler(t, nil)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewHandler(tt.config); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}
