package handlers

import (
	"net/http"
	"time"

	"github.com/gitshopapp/billing/internal/cache"
	"github.com/gitshopapp/billing/internal/logging"
	stripewebhook "github.com/gitshopapp/billing/internal/stripe"
)

// stripeWebhookIdempotencyTTL is how long webhook event IDs are kept for deduplication.
// Later redeliveries reach the services, which ignore repeated payments.
const stripeWebhookIdempotencyTTL = 24 * time.Hour

func (h *Handlers) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.loggerFromContext(ctx)

	if h.stripeRouter == nil || h.config.StripeWebhookSecret == "" {
		logger.Error("stripe webhook received but stripe is not configured")
		http.Error(w, "Webhook handler not configured", http.StatusNotFound)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes)
	event, err := stripewebhook.ReadWebhookEvent(r, h.config.StripeWebhookSecret)
	if err != nil {
		logger.Error("failed to read Stripe webhook payload", "error", err)
		http.Error(w, "Invalid webhook", http.StatusBadRequest)
		return
	}
	if event == nil || event.ID == "" {
		logger.Error("missing Stripe event ID")
		http.Error(w, "Missing event ID", http.StatusBadRequest)
		return
	}
	ctx, logger = logging.With(ctx, h.logger, "event_id", event.ID)

	// The claim makes concurrent deliveries of one event process it once.
	cacheKey := cache.WebhookKey("stripe", event.ID)
	claimed, err := h.cacheProvider.Add(ctx, cacheKey, "processing", stripeWebhookIdempotencyTTL)
	if err != nil {
		logger.Error("failed to claim webhook event", "error", err)
		http.Error(w, "Processing failed", http.StatusInternalServerError)
		return
	}
	if !claimed {
		logger.Info("webhook already processed")
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := h.stripeRouter.Handle(ctx, event); err != nil {
		if delErr := h.cacheProvider.Delete(ctx, cacheKey); delErr != nil {
			logger.Error("failed to release webhook claim", "error", delErr)
		}
		logger.Error("failed to process Stripe webhook", "error", err, "type", event.Type)
		http.Error(w, "Processing failed", http.StatusInternalServerError)
		return
	}

	if err := h.cacheProvider.Set(ctx, cacheKey, "processed", stripeWebhookIdempotencyTTL); err != nil {
		logger.Error("failed to mark webhook as processed in cache", "error", err)
	}
	w.WriteHeader(http.StatusOK)
}
