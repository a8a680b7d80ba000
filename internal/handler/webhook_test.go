package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entitlements-api/internal/appstore"
	"entitlements-api/internal/config"
	"entitlements-api/internal/repository"
	"entitlements-api/internal/service"
)

func newWebhookHandler(t *testing.T, decoder *appstore.JWSDecoder, appCfg config.AppStoreConfig, playCfg config.PlayStoreConfig) *WebhookHandler {
	t.Helper()
	store := repository.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	entitlements := service.NewEntitlementService(store, time.Hour)
	webhooks := service.NewWebhookService(entitlements, service.NewValidationGateway(), decoder)
	return NewWebhookHandler(webhooks, appCfg, playCfg)
}

func TestAppleWebhookSecret(t *testing.T) {
	h := newWebhookHandler(t, nil, config.AppStoreConfig{WebhookSecret: "s3cret"}, config.PlayStoreConfig{})

	// Wrong secret.
	r := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/apple", strings.NewReader("{}"))
	r.Header.Set("X-Webhook-Secret", "wrong")
	w := httptest.NewRecorder()
	h.Apple(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Query secrets are rejected unless explicitly allowed.
	r = httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/apple?secret=s3cret", strings.NewReader("{}"))
	w = httptest.NewRecorder()
	h.Apple(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Right secret but no decoder configured: a server-side fault.
	r = httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/apple", strings.NewReader("{}"))
	r.Header.Set("Authorization", "Bearer s3cret")
	w = httptest.NewRecorder()
	h.Apple(w, r)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "VERIFIER_NOT_CONFIGURED")
}

func TestAppleWebhookQuerySecretWhenAllowed(t *testing.T) {
	h := newWebhookHandler(t, nil, config.AppStoreConfig{WebhookSecret: "s3cret", AllowQuerySecret: true}, config.PlayStoreConfig{})

	r := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/apple?secret=s3cret", strings.NewReader("{}"))
	w := httptest.NewRecorder()
	h.Apple(w, r)
	// Authenticated; fails later on the missing verifier, not on the secret.
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestAppleWebhookAcknowledgesMalformed(t *testing.T) {
	h := newWebhookHandler(t, appstore.NewInsecureJWSDecoder(), config.AppStoreConfig{}, config.PlayStoreConfig{})

	// Unprocessable bodies are acknowledged so Apple stops redelivering;
	// 401 is reserved for signature verification failures.
	r := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/apple", strings.NewReader("not json at all"))
	w := httptest.NewRecorder()
	h.Apple(w, r)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "payload_malformed")
}

func TestGoogleWebhookSecretAndAck(t *testing.T) {
	h := newWebhookHandler(t, nil, config.AppStoreConfig{}, config.PlayStoreConfig{WebhookSecret: "s3cret"})

	r := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/google", strings.NewReader("{}"))
	w := httptest.NewRecorder()
	h.Google(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Authenticated garbage is still acknowledged so Pub/Sub stops retrying.
	r = httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/google?token=s3cret", strings.NewReader("garbage"))
	w = httptest.NewRecorder()
	h.Google(w, r)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "processing_failed")
}
