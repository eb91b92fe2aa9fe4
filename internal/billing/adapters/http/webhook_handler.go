package http

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/portasms/dispatch/internal/billing/domain"
)

const maxRequestBodySize = 1 << 20 // 1 MB

// SignatureHeader carries the hex-encoded HMAC of the request body.
const SignatureHeader = "X-Payment-Signature"

// PaymentWebhookProcessor is what the handler needs from the billing app.
type PaymentWebhookProcessor interface {
	HandlePaymentWebhook(ctx context.Context, rawPayload []byte, signature string) error
}

type WebhookHandler struct {
	processor PaymentWebhookProcessor
	logger    *slog.Logger
}

func NewWebhookHandler(processor PaymentWebhookProcessor, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		processor: processor,
		logger:    logger.With("component", "webhook_handler"),
	}
}

// HandlePaymentWebhook receives balance top-up events from the payment gateway.
func (h *WebhookHandler) HandlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chimiddleware.GetReqID(ctx))

	signature := r.Header.Get(SignatureHeader)

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	rawPayload, err := io.ReadAll(r.Body)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to read webhook request body", "error", err)
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
		} else {
			http.Error(w, "Error reading request body", http.StatusBadRequest)
		}
		return
	}

	if err := h.processor.HandlePaymentWebhook(ctx, rawPayload, signature); err != nil {
		logger.ErrorContext(ctx, "Error processing payment webhook", "error", err)
		switch {
		case errors.Is(err, domain.ErrInvalidSignature):
			http.Error(w, "Webhook signature verification failed", http.StatusBadRequest)
		case errors.Is(err, domain.ErrUserNotFound):
			http.Error(w, "User not found", http.StatusNotFound)
		default:
			http.Error(w, "Internal server error processing webhook", http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		logger.WarnContext(ctx, "Failed to write webhook response", "error", err)
	}
}
