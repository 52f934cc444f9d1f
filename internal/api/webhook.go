package api

import (
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/wa-gateway/internal/driver/gateway"
	"github.com/ashureev/wa-gateway/internal/identity"
	"github.com/ashureev/wa-gateway/internal/service"
)

// WebhookHandler receives event deliveries from the external gateway engine.
type WebhookHandler struct {
	svc     *service.Service
	secret  string
	maxBody int64
}

// NewWebhookHandler creates the webhook handler. An empty secret disables the
// shared-secret check.
func NewWebhookHandler(svc *service.Service, secret string, maxBody int64) *WebhookHandler {
	if maxBody <= 0 {
		maxBody = defaultMaxRequestBodySize
	}
	return &WebhookHandler{svc: svc, secret: secret, maxBody: maxBody}
}

// RegisterRoutes registers the webhook route (unauthenticated, secret-checked).
func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/api/webhooks/gateway", h.Gateway)
}

// Gateway injects a gateway delivery into the owning session.
func (h *WebhookHandler) Gateway(w http.ResponseWriter, r *http.Request) {
	if h.secret != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get(gateway.SecretHeader)), []byte(h.secret)) != 1 {
		slog.Warn("Rejected gateway webhook", "ip", identity.IPFromRequest(r))
		ErrorCode(w, service.CodeAuthRequired, "invalid webhook secret")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		ErrorCode(w, service.CodeInvalidInput, "failed to read body")
		return
	}

	sessionName, evs, err := gateway.ParseWebhook(body)
	if err != nil {
		ErrorCode(w, service.CodeInvalidInput, "invalid webhook payload")
		return
	}

	for _, ev := range evs {
		if err := h.svc.InjectEvent(r.Context(), sessionName, ev); err != nil {
			slog.Debug("Webhook event not delivered", "session", sessionName, "type", ev.Type, "error", err)
			serviceError(w, r, err)
			return
		}
	}
	JSON(w, http.StatusOK, map[string]int{"accepted": len(evs)})
}
