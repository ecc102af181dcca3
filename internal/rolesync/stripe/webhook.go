package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rcourtman/pulse-rolesync/internal/logging"
	"github.com/rcourtman/pulse-rolesync/internal/metrics"
	"github.com/rcourtman/pulse-rolesync/internal/rolesync/reconcile"
	"github.com/rcourtman/pulse-rolesync/internal/rolesync/roles"
	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// PlanStore records the latest plan per internal user. RecordPlanEvent
// reports applied=false when a newer event was already recorded.
type PlanStore interface {
	RecordPlanEvent(ctx context.Context, internalUserID, plan string, eventAt time.Time) (applied bool, err error)
}

// Reconciler applies a plan to a user's community roles.
type Reconciler interface {
	Reconcile(ctx context.Context, internalUserID string, plan roles.Plan) (*reconcile.Outcome, error)
}

// WebhookHandler turns Stripe subscription events into plan changes.
type WebhookHandler struct {
	secret     string
	plans      PlanStore
	reconciler Reconciler
	pricePlans map[string]roles.Plan
}

type webhookErrorResponse struct {
	Error string `json:"error"`
}

type webhookReceivedResponse struct {
	Received bool   `json:"received"`
	Status   string `json:"status,omitempty"`
}

// NewWebhookHandler creates a Stripe webhook HTTP handler. pricePlans maps
// price IDs to plans for subscriptions that carry no plan metadata.
func NewWebhookHandler(secret string, plans PlanStore, reconciler Reconciler, pricePlans map[string]roles.Plan) *WebhookHandler {
	return &WebhookHandler{
		secret:     secret,
		plans:      plans,
		reconciler: reconciler,
		pricePlans: pricePlans,
	}
}

// ServeHTTP verifies the Stripe signature and dispatches the event.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(w, http.StatusMethodNotAllowed, webhookErrorResponse{Error: "method not allowed"})
		return
	}
	if strings.TrimSpace(h.secret) == "" {
		status = http.StatusServiceUnavailable
		writeJSON(w, http.StatusServiceUnavailable, webhookErrorResponse{Error: "webhook secret not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "failed to read request body"})
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		status = http.StatusBadRequest
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "missing Stripe signature"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "invalid Stripe signature"})
		return
	}
	eventType = string(event.Type)

	result, err := h.handleEvent(r.Context(), &event)
	if err != nil {
		log.Error().Err(err).
			Str("event_id", event.ID).
			Str("type", string(event.Type)).
			Msg("Stripe webhook processing failed")
		status = http.StatusInternalServerError
		writeJSON(w, http.StatusInternalServerError, webhookErrorResponse{Error: "processing failed"})
		return
	}

	status = http.StatusOK
	writeJSON(w, http.StatusOK, webhookReceivedResponse{Received: true, Status: result})
}

func (h *WebhookHandler) handleEvent(ctx context.Context, event *stripelib.Event) (string, error) {
	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var sub Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return "", fmt.Errorf("decode subscription: %w", err)
		}
		return h.applySubscription(ctx, event, sub)

	default:
		log.Info().
			Str("type", string(event.Type)).
			Str("event_id", event.ID).
			Msg("Stripe webhook ignored (unhandled type)")
		return "ignored", nil
	}
}

// applySubscription records the plan carried by sub and reconciles the user.
// Once the plan is stored the event is acknowledged even if reconciliation
// fails; the sweep retries from the recorded plan.
func (h *WebhookHandler) applySubscription(ctx context.Context, event *stripelib.Event, sub Subscription) (string, error) {
	logger := log.With().
		Str("event_id", event.ID).
		Str("type", string(event.Type)).
		Str("subscription_id", sub.ID).
		Logger()

	userID := sub.UserID()
	if userID == "" {
		logger.Warn().Msg("Stripe subscription has no user_id metadata; ignoring")
		return "ignored", nil
	}
	logger = logger.With().Str("user_id", userID).Logger()

	plan, err := h.planFor(event.Type, sub)
	if err != nil {
		return "", fmt.Errorf("resolve plan for subscription %s: %w", sub.ID, err)
	}

	created := time.Unix(event.Created, 0).UTC()
	applied, err := h.plans.RecordPlanEvent(ctx, userID, string(plan), created)
	if err != nil {
		return "", fmt.Errorf("record plan: %w", err)
	}
	if !applied {
		// Stripe does not guarantee delivery order.
		logger.Info().
			Str("plan", string(plan)).
			Time("event_created", created).
			Msg("Stripe event older than recorded plan; skipping")
		return "stale", nil
	}

	outcome, err := h.reconciler.Reconcile(logging.WithLogger(ctx, logger), userID, plan)
	if err != nil {
		logger.Warn().Err(err).Str("plan", string(plan)).Msg("Plan recorded but reconciliation failed")
		return "plan_recorded", nil
	}
	return string(outcome.Status), nil
}

// planFor resolves the plan a subscription event grants. Deleted and lapsed
// subscriptions fall back to free.
func (h *WebhookHandler) planFor(eventType stripelib.EventType, sub Subscription) (roles.Plan, error) {
	if eventType == "customer.subscription.deleted" || !sub.Active() {
		return roles.PlanFree, nil
	}
	if raw := strings.TrimSpace(sub.Metadata["plan"]); raw != "" {
		return roles.ParsePlan(raw)
	}
	for _, item := range sub.Items.Data {
		if raw := strings.TrimSpace(item.Price.Metadata["plan"]); raw != "" {
			return roles.ParsePlan(raw)
		}
	}
	priceID := sub.FirstPriceID()
	if plan, ok := h.pricePlans[priceID]; ok {
		return plan, nil
	}
	return roles.ParsePlan(priceID)
}

// Subscription is a minimal representation of a Stripe subscription event.
type Subscription struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
	Status   string `json:"status"`
	Items    struct {
		Data []struct {
			Price struct {
				ID       string            `json:"id"`
				Metadata map[string]string `json:"metadata"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

// UserID returns the internal user ID stamped on the subscription metadata.
func (s *Subscription) UserID() string {
	return strings.TrimSpace(s.Metadata["user_id"])
}

// FirstPriceID returns the price ID from the first subscription item.
func (s *Subscription) FirstPriceID() string {
	for _, item := range s.Items.Data {
		if priceID := strings.TrimSpace(item.Price.ID); priceID != "" {
			return priceID
		}
	}
	return ""
}

// Active reports whether the subscription still grants its plan.
func (s *Subscription) Active() bool {
	switch stripelib.SubscriptionStatus(s.Status) {
	case stripelib.SubscriptionStatusCanceled,
		stripelib.SubscriptionStatusUnpaid,
		stripelib.SubscriptionStatusIncompleteExpired,
		stripelib.SubscriptionStatusIncomplete:
		return false
	}
	return true
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("rolesync.stripe: encode webhook response")
	}
}
