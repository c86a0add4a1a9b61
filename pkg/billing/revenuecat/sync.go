package revenuecat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mihaimyh/listingsync/pkg/billing"
	"github.com/mihaimyh/listingsync/pkg/entitlement"
)

const (
	defaultAPIBaseURL = "https://api.revenuecat.com/v1"

	// subscriberEndpoint is the metrics label for GET /subscribers/{app_user_id}
	subscriberEndpoint = "/subscribers/{id}"

	// syncEventType marks transitions built from the REST API rather than a webhook
	syncEventType = "SYNC"

	maxSubscriberBody = 1 << 20
)

// subscriberResponse is the part of the RevenueCat subscriber response the sync reads
type subscriberResponse struct {
	Subscriber subscriber `json:"subscriber"`
}

type subscriber struct {
	OriginalAppUserID string                           `json:"original_app_user_id"`
	Entitlements      map[string]subscriberEntitlement `json:"entitlements"`
}

type subscriberEntitlement struct {
	ExpiresDate       *string `json:"expires_date"`
	ProductIdentifier string  `json:"product_identifier"`
	PurchaseDate      *string `json:"purchase_date"`
}

// planWindow is the entitlement chosen to represent one plan
type planWindow struct {
	entitlementID string
	productID     string
	start         time.Time
	end           *time.Time
	active        bool
}

// SyncUser synchronizes a user's entitlements from the RevenueCat REST API.
//
// Every configured plan gets exactly one transition: a grant when the
// subscriber holds an unexpired entitlement for one of the plan's products,
// otherwise an expiration. A user RevenueCat does not know is expired on every
// plan. Grant failures abort the sync and are returned.
func (p *Provider) SyncUser(ctx context.Context, userID string) (*billing.SyncResult, error) {
	startTime := time.Now()
	result, err := p.syncUser(ctx, strings.TrimSpace(userID))

	status := "success"
	if err != nil {
		status = "error"
	}
	p.metrics.RecordUserSync(providerName, status)
	p.metrics.RecordUserSyncDuration(providerName, time.Since(startTime))
	return result, err
}

func (p *Provider) syncUser(ctx context.Context, userID string) (*billing.SyncResult, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", entitlement.ErrInvalidTransition)
	}
	if p.apiKey == "" {
		return nil, fmt.Errorf("%w: revenuecat API key not configured", billing.ErrProviderNotConfigured)
	}

	sub, found, err := p.fetchSubscriber(ctx, userID)
	if err != nil {
		p.logger.Error("subscriber fetch failed",
			entitlement.Field{Key: "user_id", Value: userID},
			entitlement.Field{Key: "error", Value: err.Error()},
		)
		return nil, err
	}

	now := p.classifier.now().UTC()
	windows := p.planWindows(sub, now)

	result := &billing.SyncResult{
		UserID: userID,
		Found:  found,
		Plans:  make(map[string]*entitlement.Result),
	}
	for _, plan := range p.classifier.plans() {
		t := p.syncTransition(userID, plan, sub, windows[plan])
		res, err := p.reconciler.Apply(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("sync plan %s: %w", plan, err)
		}
		result.Plans[plan] = res
	}

	p.logger.Info("subscriber synced",
		entitlement.Field{Key: "user_id", Value: userID},
		entitlement.Field{Key: "found", Value: found},
		entitlement.Field{Key: "plans", Value: len(result.Plans)},
	)
	return result, nil
}

// fetchSubscriber calls GET /subscribers/{app_user_id}. A 404 is not an
// error: it returns an empty subscriber and found=false.
func (p *Provider) fetchSubscriber(ctx context.Context, userID string) (*subscriber, bool, error) {
	endpoint := p.apiBaseURL + "/subscribers/" + url.PathEscape(userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	res, err := p.httpClient.Do(req)
	p.metrics.RecordAPICallDuration(providerName, subscriberEndpoint, time.Since(start))
	if err != nil {
		p.metrics.RecordAPICall(providerName, subscriberEndpoint, "error")
		return nil, false, fmt.Errorf("failed to fetch subscriber: %w", err)
	}
	defer res.Body.Close()
	p.metrics.RecordAPICall(providerName, subscriberEndpoint, strconv.Itoa(res.StatusCode))

	body, err := io.ReadAll(io.LimitReader(res.Body, maxSubscriberBody))
	if err != nil {
		return nil, false, fmt.Errorf("failed to read response: %w", err)
	}

	if res.StatusCode == http.StatusNotFound {
		return &subscriber{}, false, nil
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, false, fmt.Errorf("%w: status %d, body: %s", billing.ErrProviderAPI, res.StatusCode, string(body))
	}

	var payload subscriberResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, false, fmt.Errorf("%w: failed to parse response: %w", billing.ErrProviderAPI, err)
	}
	return &payload.Subscriber, true, nil
}

// planWindows picks one entitlement per plan. Active beats inactive; between
// two of the same kind the later end wins, with nil (never expires) latest.
func (p *Provider) planWindows(sub *subscriber, now time.Time) map[string]*planWindow {
	ids := make([]string, 0, len(sub.Entitlements))
	for id := range sub.Entitlements {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	windows := make(map[string]*planWindow)
	for _, id := range ids {
		ent := sub.Entitlements[id]
		productID := strings.TrimSpace(ent.ProductIdentifier)
		plan, ok := p.classifier.planMapping[productID]
		if !ok {
			continue
		}

		start := now
		if t, err := parseRevenueCatTime(ent.PurchaseDate); err == nil {
			start = t
		}
		var end *time.Time
		if t, err := parseRevenueCatTime(ent.ExpiresDate); err == nil {
			end = &t
		} else if p.classifier.oneOff[productID] {
			farEnd := start.Add(p.classifier.farFuture)
			end = &farEnd
		}

		candidate := &planWindow{
			entitlementID: id,
			productID:     productID,
			start:         start,
			end:           end,
			active:        end == nil || end.After(now),
		}
		if current, ok := windows[plan]; !ok || candidate.beats(current) {
			windows[plan] = candidate
		}
	}
	return windows
}

func (w *planWindow) beats(other *planWindow) bool {
	if w.active != other.active {
		return w.active
	}
	switch {
	case other.end == nil:
		return false
	case w.end == nil:
		return true
	default:
		return w.end.After(*other.end)
	}
}

// syncTransition builds the transition for one plan. OccurredAt stays zero so
// the ledger row is stamped with the reconciler's clock.
func (p *Provider) syncTransition(userID, plan string, sub *subscriber, w *planWindow) *entitlement.Transition {
	customerRef := strings.TrimSpace(sub.OriginalAppUserID)
	if customerRef == "" {
		customerRef = userID
	}
	t := &entitlement.Transition{
		EventType:   syncEventType,
		UserID:      userID,
		PlanID:      plan,
		CustomerRef: customerRef,
	}

	if w == nil {
		t.Kind = entitlement.KindRevoke
		t.RevokeStatus = entitlement.StatusExpired
		return t
	}

	t.ProductID = w.productID
	t.EntitlementRef = w.entitlementID
	if !w.active {
		t.Kind = entitlement.KindRevoke
		t.RevokeStatus = entitlement.StatusExpired
		t.End = w.end
		return t
	}
	if w.end != nil && w.end.Before(w.start) {
		return ignore(t, ReasonInvalidWindow)
	}
	t.Kind = entitlement.KindGrant
	t.Start = w.start
	t.End = w.end
	return t
}

// parseRevenueCatTime parses a RevenueCat REST timestamp
func parseRevenueCatTime(value *string) (time.Time, error) {
	if value == nil || strings.TrimSpace(*value) == "" {
		return time.Time{}, fmt.Errorf("empty time")
	}
	v := strings.TrimSpace(*value)

	// Try RFC3339Nano first (RevenueCat often uses this)
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unable to parse time: %s", v)
}
