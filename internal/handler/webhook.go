package handler

import (
	"crypto/subtle"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"entitlements-api/internal/appstore"
	"entitlements-api/internal/config"
	"entitlements-api/internal/service"
	"entitlements-api/pkg/apierror"
	"entitlements-api/pkg/response"
)

// maxWebhookBody caps notification bodies; store notifications are a few KB.
const maxWebhookBody = 1 << 20

// WebhookHandler receives store server notifications.
type WebhookHandler struct {
	webhooks *service.WebhookService
	appStore config.AppStoreConfig
	play     config.PlayStoreConfig
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(webhooks *service.WebhookService, appStore config.AppStoreConfig, play config.PlayStoreConfig) *WebhookHandler {
	return &WebhookHandler{webhooks: webhooks, appStore: appStore, play: play}
}

// secretMatches compares a presented secret in constant time. An empty
// configured secret disables the check (deployments relying on an
// unguessable URL).
func secretMatches(configured, presented string) bool {
	if configured == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(presented)) == 1
}

// appleSecret extracts the shared secret from the request.
func (h *WebhookHandler) appleSecret(r *http.Request) string {
	if s := r.Header.Get("X-Webhook-Secret"); s != "" {
		return s
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if h.appStore.AllowQuerySecret {
		return r.URL.Query().Get("secret")
	}
	return ""
}

// Apple handles POST /webhooks/apple
func (h *WebhookHandler) Apple(w http.ResponseWriter, r *http.Request) {
	if !secretMatches(h.appStore.WebhookSecret, h.appleSecret(r)) {
		response.Error(w, apierror.Unauthorized("invalid webhook secret"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		response.Error(w, apierror.BadRequest("failed to read request body"))
		return
	}
	defer r.Body.Close()

	outcome, err := h.webhooks.ProcessAppleNotification(r.Context(), body, r.URL.Query().Get("identity"))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrWebhookVerifierInit):
			response.Error(w, apierror.New(http.StatusInternalServerError, "VERIFIER_NOT_CONFIGURED",
				"notification verifier is not configured"))
		case errors.Is(err, appstore.ErrSignatureInvalid):
			response.Error(w, apierror.New(http.StatusUnauthorized, "SIGNATURE_INVALID",
				"notification payload failed signature verification"))
		default:
			log.Printf("[Webhook] Apple processing error: %v", err)
			response.Error(w, apierror.InternalError("failed to process notification"))
		}
		return
	}

	response.OK(w, outcome)
}

// googleSecret extracts the shared secret from the request. The query
// parameter form matches how Pub/Sub push endpoints are usually guarded.
func (h *WebhookHandler) googleSecret(r *http.Request) string {
	if s := r.Header.Get("X-Webhook-Secret"); s != "" {
		return s
	}
	return r.URL.Query().Get("token")
}

// Google handles POST /webhooks/google
//
// After authentication the endpoint always acknowledges with 2xx: Pub/Sub
// redelivers on any other status, and a malformed message stays malformed.
func (h *WebhookHandler) Google(w http.ResponseWriter, r *http.Request) {
	if !secretMatches(h.play.WebhookSecret, h.googleSecret(r)) {
		response.Error(w, apierror.Unauthorized("invalid webhook secret"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		response.Error(w, apierror.BadRequest("failed to read request body"))
		return
	}
	defer r.Body.Close()

	outcome, err := h.webhooks.ProcessGoogleNotification(r.Context(), body)
	if err != nil {
		log.Printf("[Webhook] Google processing error: %v", err)
		response.OK(w, &service.WebhookOutcome{Accepted: false, Reason: "processing_failed"})
		return
	}

	response.OK(w, outcome)
}
