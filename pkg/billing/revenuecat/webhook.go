package revenuecat

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// webhookPayload is the RevenueCat webhook body. Fields not listed here are
// ignored; RevenueCat adds fields over time and new ones must not break delivery.
type webhookPayload struct {
	APIVersion string       `json:"api_version"`
	Event      webhookEvent `json:"event"`
}

type webhookEvent struct {
	ID                string   `json:"id"`
	Type              string   `json:"type"`
	AppUserID         string   `json:"app_user_id"`
	OriginalAppUserID string   `json:"original_app_user_id"`
	Aliases           []string `json:"aliases"`
	ProductID         string   `json:"product_id"`
	EntitlementID     string   `json:"entitlement_id"`
	EntitlementIDs    []string `json:"entitlement_ids"`
	PeriodType        string   `json:"period_type"`
	Store             string   `json:"store"`
	Environment       string   `json:"environment"`
	ExpirationReason  string   `json:"expiration_reason"`
	CancelReason      string   `json:"cancel_reason"`

	PeriodStartAtMs  int64 `json:"period_start_at_ms"`
	PeriodEndAtMs    int64 `json:"period_end_at_ms"`
	ExpirationAtMs   int64 `json:"expiration_at_ms"`
	PurchasedAtMs    int64 `json:"purchased_at_ms"`
	EventTimestampMs int64 `json:"event_timestamp_ms"`
	// TimestampMs is the legacy name of event_timestamp_ms
	TimestampMs int64 `json:"timestamp_ms"`
}

// eventTimestampMs supports both event_timestamp_ms and the older timestamp_ms
func (e *webhookEvent) eventTimestampMs() int64 {
	if e.EventTimestampMs > 0 {
		return e.EventTimestampMs
	}
	return e.TimestampMs
}

// entitlementRef joins the event's entitlement identifiers
func (e *webhookEvent) entitlementRef() string {
	ids := make([]string, 0, len(e.EntitlementIDs)+1)
	for _, id := range e.EntitlementIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		if id := strings.TrimSpace(e.EntitlementID); id != "" {
			ids = append(ids, id)
		}
	}
	return strings.Join(ids, ",")
}

// customerRef prefers the stable original app user id
func (e *webhookEvent) customerRef() string {
	if ref := strings.TrimSpace(e.OriginalAppUserID); ref != "" {
		return ref
	}
	return strings.TrimSpace(e.AppUserID)
}

// authorized reports whether the Authorization header equals the configured
// secret exactly. RevenueCat sends the header value verbatim as configured in
// its dashboard, so no scheme prefix is stripped on either side.
func authorized(r *http.Request, secret []byte) bool {
	if len(secret) == 0 {
		return false
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(header), secret) == 1
}

// parseWebhookPayload decodes exactly one JSON object
func parseWebhookPayload(body []byte, payload *webhookPayload) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(payload); err != nil {
		return fmt.Errorf("failed to parse webhook payload: %w", err)
	}
	if dec.More() {
		return fmt.Errorf("multiple JSON objects in payload")
	}
	return nil
}

// parseEventTimestamp converts a millisecond timestamp to time.Time
func parseEventTimestamp(timestampMs int64) time.Time {
	if timestampMs <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(timestampMs).UTC()
}
