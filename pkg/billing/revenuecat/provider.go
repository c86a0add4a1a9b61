package revenuecat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/listingsync/pkg/billing"
	"github.com/mihaimyh/listingsync/pkg/billing/internal"
	"github.com/mihaimyh/listingsync/pkg/entitlement"
)

const providerName = "revenuecat"

var _ billing.Provider = (*Provider)(nil)

// Provider implements the billing.Provider interface for RevenueCat
type Provider struct {
	reconciler    *entitlement.Reconciler
	classifier    *Classifier
	rateLimiter   *internal.RateLimiter
	webhookSecret []byte
	onEvent       billing.WebhookCallback
	httpClient    *http.Client
	apiKey        string
	apiBaseURL    string
	metrics       billing.Metrics
	logger        entitlement.Logger
}

// NewProvider creates a new RevenueCat billing provider
func NewProvider(config billing.Config) (*Provider, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config = config.WithDefaults()

	var limiter *internal.RateLimiter
	if !config.RateLimit.Disabled {
		limiter = internal.NewRateLimiter(config.RateLimit.Requests, config.RateLimit.Window, config.RateLimit.Burst)
	}

	// Allow API key to be provided as a Bearer token and strip the prefix.
	apiKey := strings.TrimSpace(config.APIKey)
	if strings.HasPrefix(strings.ToLower(apiKey), "bearer ") {
		apiKey = strings.TrimSpace(apiKey[len("bearer "):])
	}
	apiBaseURL := strings.TrimRight(strings.TrimSpace(config.APIBaseURL), "/")
	if apiBaseURL == "" {
		apiBaseURL = defaultAPIBaseURL
	}

	return &Provider{
		reconciler:    config.Reconciler,
		classifier:    NewClassifier(config.PlanMapping, config.OneOffProducts, config.FarFuture, config.Now),
		rateLimiter:   limiter,
		webhookSecret: []byte(config.WebhookSecret),
		onEvent:       config.OnEvent,
		httpClient:    config.HTTPClient,
		apiKey:        apiKey,
		apiBaseURL:    apiBaseURL,
		metrics:       config.Metrics,
		logger:        config.Logger,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for RevenueCat webhooks
func (p *Provider) WebhookHandler() http.Handler {
	handler := http.HandlerFunc(p.handleWebhook)
	if p.rateLimiter == nil {
		return handler
	}
	return p.rateLimiter.Middleware(handler)
}

// handleWebhook authenticates, classifies and reconciles one delivery.
// Only grant-path failures produce a 5xx, which makes RevenueCat retry.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if len(p.webhookSecret) == 0 {
		p.logger.Error("webhook secret not configured; rejecting delivery")
		http.Error(w, "webhook not configured", http.StatusInternalServerError)
		p.metrics.RecordWebhookError(providerName, "not_configured")
		return
	}

	if !authorized(r, p.webhookSecret) {
		p.logger.Warn("webhook authentication failed",
			entitlement.Field{Key: "client_ip", Value: internal.GetClientIP(r)})
		http.Error(w, billing.ErrInvalidWebhookSignature.Error(), http.StatusUnauthorized)
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		return
	}

	select {
	case <-r.Context().Done():
		http.Error(w, "request timeout", http.StatusRequestTimeout)
		return
	default:
	}

	body, err := internal.ReadBodyStrict(w, r, internal.MaxWebhookBody)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	var payload webhookPayload
	if err := parseWebhookPayload(body, &payload); err != nil {
		p.logger.Warn("webhook payload rejected", entitlement.Field{Key: "error", Value: err.Error()})
		http.Error(w, fmt.Sprintf("%v: %v", billing.ErrInvalidWebhookPayload, err), http.StatusBadRequest)
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		return
	}

	transition := p.classifier.Classify(&payload.Event)
	p.metrics.RecordClassification(providerName, string(transition.Kind), transition.Reason)

	eventType := transition.EventType
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	if err := p.processTransition(r.Context(), transition, &payload.Event); err != nil {
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, "processing_error")
		p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
		return
	}

	if err := internal.WriteJSON(w, http.StatusOK, map[string]bool{"received": true}); err != nil {
		p.logger.Warn("failed to write webhook response", entitlement.Field{Key: "error", Value: err.Error()})
	}

	p.metrics.RecordWebhookEvent(providerName, eventType, "success")
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
}

// processTransition applies the transition and runs the callback. The
// returned error is non-nil only for grant-path failures.
func (p *Provider) processTransition(ctx context.Context, t *entitlement.Transition, ev *webhookEvent) error {
	result, err := p.reconciler.Apply(ctx, t)
	if err != nil {
		p.logger.Error("webhook reconcile failed",
			entitlement.Field{Key: "user_id", Value: t.UserID},
			entitlement.Field{Key: "product_id", Value: t.ProductID},
			entitlement.Field{Key: "event_type", Value: t.EventType},
			entitlement.Field{Key: "event_id", Value: t.EventID},
			entitlement.Field{Key: "error", Value: err.Error()},
		)
		return err
	}

	if p.onEvent == nil || t.Kind == entitlement.KindIgnore {
		return nil
	}

	event := billing.WebhookEvent{
		UserID:         t.UserID,
		PlanID:         t.PlanID,
		Provider:       providerName,
		EventType:      t.EventType,
		EventID:        t.EventID,
		Kind:           t.Kind,
		Outcome:        result.Outcome,
		EventTimestamp: t.OccurredAt,
		End:            t.End,
		Metadata: map[string]interface{}{
			"product_id":      t.ProductID,
			"entitlement_ids": strings.Join(ev.EntitlementIDs, ","),
			"store":           ev.Store,
			"environment":     ev.Environment,
		},
	}
	if result.Listing != nil {
		event.PromotedListingID = result.Listing.ID
	}
	if err := p.onEvent(ctx, event); err != nil {
		p.logger.Warn("webhook callback failed",
			entitlement.Field{Key: "user_id", Value: t.UserID},
			entitlement.Field{Key: "event_type", Value: t.EventType},
			entitlement.Field{Key: "error", Value: err.Error()},
		)
	}
	return nil
}
