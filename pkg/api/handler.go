package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mihaimyh/listingsync/pkg/entitlement"
)

const (
	statusNone   = "none"
	maxUserIDLen = 255
)

// Handler provides HTTP endpoints for entitlement inspection
type Handler struct {
	config Config
}

// GetEntitlement returns the caller's ledger entry for the configured plan
func (h *Handler) GetEntitlement(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		h.handleError(w, r, fmt.Errorf("method not allowed"), http.StatusMethodNotAllowed)
		return
	}

	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, fmt.Errorf("user ID not found"), http.StatusUnauthorized)
		return
	}
	if len(userID) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("invalid user ID format"), http.StatusBadRequest)
		return
	}

	entry, err := h.config.Reconciler.Entry(r.Context(), userID, h.config.PlanID)
	if errors.Is(err, entitlement.ErrEntryNotFound) {
		writeJSON(w, http.StatusNotFound, EntitlementResponse{
			UserID: userID,
			PlanID: h.config.PlanID,
			Status: statusNone,
		})
		return
	}
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to get entitlement: %w", err), http.StatusInternalServerError)
		return
	}

	start := entry.Start
	writeJSON(w, http.StatusOK, EntitlementResponse{
		UserID:    entry.UserID,
		PlanID:    entry.PlanID,
		Status:    string(entry.Status),
		Active:    entry.ActiveAt(h.config.Reconciler.Now()),
		Start:     &start,
		End:       entry.End,
		ProductID: entry.ProductRef,
	})
}

// ServeHTTP lets the handler be mounted directly on a mux
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.GetEntitlement(w, r)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		// response already sent
		return
	}
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	writeJSON(w, statusCode, map[string]string{
		"error": err.Error(),
	})
}
