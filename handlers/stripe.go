package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"auto-focus.app/licensing/internal/billing"
	"auto-focus.app/licensing/internal/licensing"
	"auto-focus.app/licensing/internal/logger"
	"auto-focus.app/licensing/internal/metrics"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

const MaxBodyBytes = int64(65536)

var errBadPayload = errors.New("bad event payload")

type webhookResponse struct {
	Received bool `json:"received"`
}

func (s *Server) Stripe(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		logger.Error("Failed to read webhook payload", map[string]interface{}{
			"error": err.Error(),
		})
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "bad_request").Inc()
		writeErrorResponse(w, http.StatusBadRequest, "Invalid payload")
		return
	}

	signatureHeader := r.Header.Get("Stripe-Signature")
	if signatureHeader == "" {
		logger.Warn("Webhook signature missing", map[string]interface{}{
			"remote_addr": r.RemoteAddr,
		})
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "invalid_signature").Inc()
		writeErrorResponse(w, http.StatusBadRequest, "Missing signature")
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, s.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		logger.Warn("Webhook signature verification failed", map[string]interface{}{
			"error":       err.Error(),
			"remote_addr": r.RemoteAddr,
		})
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "invalid_signature").Inc()
		writeErrorResponse(w, http.StatusBadRequest, "Invalid signature")
		return
	}

	eventType := string(event.Type)
	defer func() {
		metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	logger.Info("Stripe event received", map[string]interface{}{
		"event_type": eventType,
		"event_id":   event.ID,
	})

	handled, err := s.dispatch(r.Context(), event)
	switch {
	case errors.Is(err, errBadPayload):
		logger.Error("Failed to decode event payload", map[string]interface{}{
			"error":      err.Error(),
			"event_type": eventType,
			"event_id":   event.ID,
		})
		metrics.WebhookEventsTotal.WithLabelValues(eventType, "bad_request").Inc()
		writeErrorResponse(w, http.StatusBadRequest, "Invalid payload")
		return
	case errors.Is(err, licensing.ErrNothingToDo):
		logger.Info("Webhook event had nothing to do", map[string]interface{}{
			"event_type": eventType,
			"event_id":   event.ID,
		})
		metrics.WebhookEventsTotal.WithLabelValues(eventType, "ignored").Inc()
	case err != nil:
		logger.Error("Failed to process webhook event", map[string]interface{}{
			"error":      err.Error(),
			"event_type": eventType,
			"event_id":   event.ID,
		})
		metrics.WebhookEventsTotal.WithLabelValues(eventType, "error").Inc()
		writeErrorResponse(w, http.StatusInternalServerError, "Processing failed")
		return
	case !handled:
		logger.Info("Unhandled webhook event type", map[string]interface{}{
			"event_type": eventType,
			"event_id":   event.ID,
		})
		metrics.WebhookEventsTotal.WithLabelValues(eventType, "unsupported").Inc()
	default:
		metrics.WebhookEventsTotal.WithLabelValues(eventType, "processed").Inc()
	}

	writeJSON(w, http.StatusOK, webhookResponse{Received: true})
}

// dispatch routes the event to the reconciler. It reports false for event
// types the service does not subscribe to.
func (s *Server) dispatch(ctx context.Context, event stripe.Event) (bool, error) {
	switch string(event.Type) {
	case billing.EventCheckoutCompleted:
		session, err := decode[billing.CheckoutSession](event)
		if err != nil {
			return true, err
		}
		return true, s.Reconciler.CheckoutCompleted(ctx, session)
	case billing.EventInvoicePaid:
		invoice, err := decode[billing.Invoice](event)
		if err != nil {
			return true, err
		}
		return true, s.Reconciler.InvoicePaid(ctx, invoice)
	case billing.EventInvoicePaymentFailed:
		invoice, err := decode[billing.Invoice](event)
		if err != nil {
			return true, err
		}
		return true, s.Reconciler.InvoicePaymentFailed(ctx, invoice)
	case billing.EventSubscriptionUpdated:
		sub, err := decode[billing.Subscription](event)
		if err != nil {
			return true, err
		}
		return true, s.Reconciler.SubscriptionUpdated(ctx, sub)
	case billing.EventSubscriptionDeleted:
		sub, err := decode[billing.Subscription](event)
		if err != nil {
			return true, err
		}
		return true, s.Reconciler.SubscriptionDeleted(ctx, sub)
	}
	return false, nil
}

func decode[T any](event stripe.Event) (*T, error) {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return nil, errBadPayload
	}
	var v T
	if err := json.Unmarshal(event.Data.Raw, &v); err != nil {
		return nil, errors.Join(errBadPayload, err)
	}
	return &v, nil
}
