// Package handlers contains the HTTP handler implementations for the billing
// reconciliation API.
//
// The webhook handler is NOT behind auth middleware; it is called directly by
// the payment provider. Security comes from verifying the Stripe-Signature
// header against the environment's signing secret.
package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"bono/internal/billing"
	"bono/internal/core"
	"bono/internal/external"
	"bono/internal/types"
)

// maxWebhookBodySize caps provider webhook payloads at 64 KB.
const maxWebhookBodySize = 64 * 1024

// EventProcessor applies one verified billing event to local state.
type EventProcessor interface {
	Process(ctx context.Context, ev *types.BillingEvent) error
}

// TaskRunner schedules detached background work that survives the request.
type TaskRunner interface {
	Go(name string, fn func(ctx context.Context) error) bool
}

// StripeWebhookHandler receives asynchronous events from the payment provider,
// verifies them, and hands them to the reconciler.
//
// The provider is acknowledged as soon as the event is verified and parsed;
// reconciliation runs in a tracked background task. A processing failure is
// therefore invisible to the provider for THIS delivery, but the idempotency
// ledger stays unwritten on failure, so the provider's scheduled redelivery
// retries the work.
type StripeWebhookHandler struct {
	verifier  external.WebhookVerifier
	processor EventProcessor
	tasks     TaskRunner
	env       *billing.Environment
	logger    *slog.Logger
}

// NewStripeWebhookHandler creates a StripeWebhookHandler bound to one billing
// environment.
func NewStripeWebhookHandler(
	verifier external.WebhookVerifier,
	processor EventProcessor,
	tasks TaskRunner,
	env *billing.Environment,
	logger *slog.Logger,
) *StripeWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeWebhookHandler{
		verifier:  verifier,
		processor: processor,
		tasks:     tasks,
		env:       env,
		logger:    logger,
	}
}

// RegisterRoutes mounts the webhook endpoint. Kept separate from the billing
// routes because webhook routes bypass auth middleware.
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/stripe", h.Handle)
}

// Handle verifies, parses, and acknowledges one webhook delivery.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to read webhook body", "error", err)
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidJSON,
			"failed to read request body", err))
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if sigHeader == "" {
		h.logger.WarnContext(r.Context(), "missing Stripe-Signature header")
		core.Error(w, r, types.NewAppError(types.ErrCodeWebhookSignatureMissing,
			"missing Stripe-Signature header", nil))
		return
	}

	// Verification runs against the raw bytes, never a re-encoded payload.
	if err := h.verifier.Verify(payload, sigHeader, h.env.WebhookSecret.Unmask()); err != nil {
		h.logger.WarnContext(r.Context(), "webhook signature verification failed", "error", err)
		core.Error(w, r, types.NewAppError(types.ErrCodeWebhookSignatureInvalid,
			"webhook signature verification failed", err))
		return
	}

	var raw stripeWebhookEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to parse webhook event JSON", "error", err)
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidJSON,
			"invalid webhook event JSON", err))
		return
	}

	// The signing secret already pins the environment; livemode is a
	// cross-check against webhook endpoint misconfiguration.
	if raw.Livemode != (h.env.Tag == types.EnvLive) {
		h.logger.ErrorContext(r.Context(), "event livemode does not match endpoint environment; dropping",
			"event_id", raw.ID,
			"livemode", raw.Livemode,
			"environment", h.env.Tag,
		)
		core.JSON(w, r, http.StatusOK, map[string]bool{"received": true})
		return
	}

	ev := raw.toBillingEvent(h.env.Tag)

	h.logger.InfoContext(r.Context(), "webhook event accepted",
		"event_id", ev.ID,
		"event_type", ev.Type,
		"environment", ev.Environment,
	)

	// Acknowledge first, reconcile detached. The task context is independent
	// of the request context, which dies when the response is written.
	h.tasks.Go("reconcile:"+ev.ID, func(ctx context.Context) error {
		return h.processor.Process(ctx, ev)
	})

	core.JSON(w, r, http.StatusOK, map[string]bool{"received": true})
}

// ---------------------------------------------------------------------------
// Provider event parsing
// ---------------------------------------------------------------------------

// stripeWebhookEvent is a minimal view of a provider event with just the
// fields reconciliation needs. Avoiding stripe.Event keeps the handler
// decoupled from the SDK's types and easy to drive from test fixtures.
type stripeWebhookEvent struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Created  int64           `json:"created"`
	Livemode bool            `json:"livemode"`
	Data     stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripeCheckoutSessionObj struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	ClientReferenceID string            `json:"client_reference_id"`
	Customer          string            `json:"customer"`
	Subscription      string            `json:"subscription"`
	Metadata          map[string]string `json:"metadata"`
}

type stripeSubscriptionObj struct {
	ID                string         `json:"id"`
	Status            string         `json:"status"`
	Customer          string         `json:"customer"`
	CancelAtPeriodEnd bool           `json:"cancel_at_period_end"`
	CancelAt          int64          `json:"cancel_at"`
	Items             stripeSubItems `json:"items"`
}

type stripeSubItems struct {
	Data []stripeSubItem `json:"data"`
}

type stripeSubItem struct {
	Price              stripeSubPrice `json:"price"`
	CurrentPeriodStart int64          `json:"current_period_start"`
	CurrentPeriodEnd   int64          `json:"current_period_end"`
}

type stripeSubPrice struct {
	ID string `json:"id"`
}

type stripeInvoiceObj struct {
	Subscription string             `json:"subscription"`
	Customer     string             `json:"customer"`
	Lines        stripeInvoiceLines `json:"lines"`
}

type stripeInvoiceLines struct {
	Data []stripeInvoiceLine `json:"data"`
}

type stripeInvoiceLine struct {
	Price  stripeSubPrice      `json:"price"`
	Period stripeInvoicePeriod `json:"period"`
}

type stripeInvoicePeriod struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// toBillingEvent normalizes the raw provider payload into a BillingEvent for
// the given environment. Fields a given event type does not carry stay zero.
func (e *stripeWebhookEvent) toBillingEvent(env types.Environment) *types.BillingEvent {
	ev := &types.BillingEvent{
		ID:          e.ID,
		Type:        e.Type,
		Environment: env,
		CreatedAt:   time.Unix(e.Created, 0).UTC(),
	}

	switch e.Type {
	case types.EventCheckoutCompleted:
		var session stripeCheckoutSessionObj
		if err := json.Unmarshal(e.Data.Object, &session); err != nil {
			return ev
		}
		ev.CheckoutMode = session.Mode
		ev.CustomerID = session.Customer
		ev.SubscriptionID = session.Subscription
		ev.PriceID = session.Metadata["price_id"]
		ev.UserID = session.ClientReferenceID
		if ev.UserID == "" {
			ev.UserID = session.Metadata["user_id"]
		}

	case types.EventSubscriptionUpdated, types.EventSubscriptionDeleted:
		var sub stripeSubscriptionObj
		if err := json.Unmarshal(e.Data.Object, &sub); err != nil {
			return ev
		}
		ev.SubscriptionID = sub.ID
		ev.CustomerID = sub.Customer
		ev.Status = types.SubscriptionStatus(sub.Status)
		ev.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
		if sub.CancelAt > 0 {
			t := time.Unix(sub.CancelAt, 0).UTC()
			ev.CancelAt = &t
		}
		if len(sub.Items.Data) > 0 {
			item := sub.Items.Data[0]
			ev.PriceID = item.Price.ID
			if item.CurrentPeriodStart > 0 {
				t := time.Unix(item.CurrentPeriodStart, 0).UTC()
				ev.CurrentPeriodStart = &t
			}
			if item.CurrentPeriodEnd > 0 {
				t := time.Unix(item.CurrentPeriodEnd, 0).UTC()
				ev.CurrentPeriodEnd = &t
			}
		}

	case types.EventInvoicePaid:
		var invoice stripeInvoiceObj
		if err := json.Unmarshal(e.Data.Object, &invoice); err != nil {
			return ev
		}
		ev.SubscriptionID = invoice.Subscription
		ev.CustomerID = invoice.Customer
		if len(invoice.Lines.Data) > 0 {
			line := invoice.Lines.Data[0]
			ev.PriceID = line.Price.ID
			if line.Period.Start > 0 {
				t := time.Unix(line.Period.Start, 0).UTC()
				ev.CurrentPeriodStart = &t
			}
			if line.Period.End > 0 {
				t := time.Unix(line.Period.End, 0).UTC()
				ev.CurrentPeriodEnd = &t
			}
		}
	}

	return ev
}
