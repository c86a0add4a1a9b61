package revenuecat

import (
	"sort"
	"strings"
	"time"

	"github.com/mihaimyh/listingsync/pkg/entitlement"
)

// Ignore reasons reported on Transition.Reason and in classification metrics
const (
	ReasonUnsupportedEvent = "unsupported_event_type"
	ReasonTestEvent        = "test_event"
	ReasonMissingUserID    = "missing_user_id"
	ReasonMissingProductID = "missing_product_id"
	ReasonUnmappedProduct  = "unmapped_product"
	ReasonInvalidWindow    = "invalid_window"
)

// grantEvents all mean "ensure the entitlement is active"
var grantEvents = map[string]bool{
	"INITIAL_PURCHASE":      true,
	"RENEWAL":               true,
	"PRODUCT_CHANGE":        true,
	"NON_RENEWING_PURCHASE": true,
	"UNCANCELLATION":        true,
	"ENTITLEMENT_GRANTED":   true,
}

var revokeEvents = map[string]entitlement.Status{
	"CANCELLATION": entitlement.StatusCancelled,
	"EXPIRATION":   entitlement.StatusExpired,
}

// Classifier maps RevenueCat events to entitlement transitions. It has no side
// effects: anything it cannot act on becomes an ignore transition with a reason.
type Classifier struct {
	planMapping map[string]string
	oneOff      map[string]bool
	farFuture   time.Duration
	now         func() time.Time
}

// NewClassifier creates a classifier. planMapping keys are trimmed product IDs.
func NewClassifier(planMapping map[string]string, oneOffProducts []string,
	farFuture time.Duration, now func() time.Time) *Classifier {
	mapping := make(map[string]string, len(planMapping))
	for product, plan := range planMapping {
		mapping[strings.TrimSpace(product)] = strings.TrimSpace(plan)
	}
	oneOff := make(map[string]bool, len(oneOffProducts))
	for _, product := range oneOffProducts {
		oneOff[strings.TrimSpace(product)] = true
	}
	if now == nil {
		now = time.Now
	}
	return &Classifier{
		planMapping: mapping,
		oneOff:      oneOff,
		farFuture:   farFuture,
		now:         now,
	}
}

// Classify turns one webhook event into a transition
func (c *Classifier) Classify(ev *webhookEvent) *entitlement.Transition {
	eventType := strings.ToUpper(strings.TrimSpace(ev.Type))
	t := &entitlement.Transition{
		Kind:           entitlement.KindIgnore,
		EventType:      eventType,
		EventID:        strings.TrimSpace(ev.ID),
		UserID:         strings.TrimSpace(ev.AppUserID),
		ProductID:      strings.TrimSpace(ev.ProductID),
		CustomerRef:    ev.customerRef(),
		EntitlementRef: ev.entitlementRef(),
		OccurredAt:     parseEventTimestamp(ev.eventTimestampMs()),
	}

	revokeTo, isRevoke := revokeEvents[eventType]
	switch {
	case eventType == "TEST":
		return ignore(t, ReasonTestEvent)
	case !grantEvents[eventType] && !isRevoke:
		return ignore(t, ReasonUnsupportedEvent)
	case t.UserID == "":
		return ignore(t, ReasonMissingUserID)
	case t.ProductID == "":
		return ignore(t, ReasonMissingProductID)
	}

	plan, ok := c.planMapping[t.ProductID]
	if !ok {
		return ignore(t, ReasonUnmappedProduct)
	}
	t.PlanID = plan

	if isRevoke {
		t.Kind = entitlement.KindRevoke
		t.RevokeStatus = revokeTo
		if exp := parseEventTimestamp(ev.ExpirationAtMs); !exp.IsZero() {
			t.End = &exp
		}
		return t
	}

	start, end := c.resolveWindow(ev, c.oneOff[t.ProductID])
	if end != nil && end.Before(start) {
		return ignore(t, ReasonInvalidWindow)
	}
	t.Kind = entitlement.KindGrant
	t.Start = start
	t.End = end
	return t
}

// resolveWindow picks the grant window. Payloads differ by store and event
// type, so each bound is taken from the first field that is set:
//
//	start: period_start_at_ms, event_timestamp_ms, classifier clock
//	end:   period_end_at_ms, expiration_at_ms, start+farFuture (one-off only)
//
// A recurring SKU with no end stays open (nil).
func (c *Classifier) resolveWindow(ev *webhookEvent, oneOff bool) (time.Time, *time.Time) {
	start := firstTimestamp(ev.PeriodStartAtMs, ev.eventTimestampMs())
	if start.IsZero() {
		start = c.now().UTC()
	}

	end := firstTimestamp(ev.PeriodEndAtMs, ev.ExpirationAtMs)
	switch {
	case !end.IsZero():
		return start, &end
	case oneOff:
		farEnd := start.Add(c.farFuture)
		return start, &farEnd
	default:
		return start, nil
	}
}

// plans returns the distinct plan IDs of the mapping, sorted
func (c *Classifier) plans() []string {
	seen := make(map[string]bool, len(c.planMapping))
	out := make([]string, 0, len(c.planMapping))
	for _, plan := range c.planMapping {
		if !seen[plan] {
			seen[plan] = true
			out = append(out, plan)
		}
	}
	sort.Strings(out)
	return out
}

func firstTimestamp(candidates ...int64) time.Time {
	for _, ms := range candidates {
		if ms > 0 {
			return parseEventTimestamp(ms)
		}
	}
	return time.Time{}
}

func ignore(t *entitlement.Transition, reason string) *entitlement.Transition {
	t.Kind = entitlement.KindIgnore
	t.Start = time.Time{}
	t.End = nil
	t.Reason = reason
	return t
}
