package api

import "time"

// EntitlementResponse represents a user's standing on one plan
type EntitlementResponse struct {
	UserID    string     `json:"user_id,omitempty"`
	PlanID    string     `json:"plan_id,omitempty"`
	Status    string     `json:"status"` // "active", "cancelled", "expired", "none"
	Active    bool       `json:"active"`
	Start     *time.Time `json:"start,omitempty"`
	End       *time.Time `json:"end,omitempty"` // omitted for non-expiring entitlements
	ProductID string     `json:"product_id,omitempty"`
}
