package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entitlements-api/internal/model"
	"entitlements-api/internal/repository"
	"entitlements-api/internal/service"
)

// stubValidator returns a canned verdict for its platform.
type stubValidator struct {
	platform string
	verdict  model.Verdict
}

func (s *stubValidator) Platform() string { return s.platform }
func (s *stubValidator) Validate(ctx context.Context, claim model.PurchaseClaim) model.Verdict {
	return s.verdict
}

func newValidateHandler(t *testing.T, verdict model.Verdict, rejectScore float64) (*ValidateHandler, *repository.MemoryStore) {
	t.Helper()
	store := repository.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	entitlements := service.NewEntitlementService(store, time.Hour)
	gateway := service.NewValidationGateway(&stubValidator{platform: model.PlatformApple, verdict: verdict})
	fraud := service.NewFraudScorer(store, service.FraudScorerConfig{VelocityThreshold: 1000})
	sessions := service.NewSessionService("", time.Hour)

	return NewValidateHandler(entitlements, gateway, fraud, sessions, store, time.Hour, rejectScore), store
}

func doValidate(t *testing.T, h *ValidateHandler, req ValidateRequest, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "/api/v1/purchase/validate", bytes.NewReader(body))
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.Validate(w, r)
	return w
}

func okVerdict() model.Verdict {
	return model.Verdict{
		OK:                    true,
		Trusted:               true,
		Platform:              model.PlatformApple,
		ProductID:             "premium.monthly",
		TransactionID:         "txn-1",
		OriginalTransactionID: "orig-1",
		IsActive:              true,
	}
}

func TestValidateSuccess(t *testing.T) {
	h, store := newValidateHandler(t, okVerdict(), 0.95)

	w := doValidate(t, h, ValidateRequest{
		Platform:       model.PlatformApple,
		ProductID:      "premium.monthly",
		TransactionRef: "txn-1",
		Identity:       "user-a",
		InstallID:      "install-1",
	}, nil)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Success bool `json:"success"`
		Data    struct {
			Entitlement model.EntitlementRecord `json:"entitlement"`
			Risk        model.RiskAssessment    `json:"risk"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.True(t, resp.Data.Entitlement.IsPremium)
	assert.Equal(t, model.SourceStoreValidation, resp.Data.Entitlement.Source)

	rec, err := store.GetRecord(context.Background(), "user-a")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.IsPremium)
}

func TestValidateRejectsBadRequests(t *testing.T) {
	h, _ := newValidateHandler(t, okVerdict(), 0.95)

	w := doValidate(t, h, ValidateRequest{Platform: "windows", TransactionRef: "x", Identity: "u"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doValidate(t, h, ValidateRequest{Platform: model.PlatformApple, Identity: "u"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doValidate(t, h, ValidateRequest{Platform: model.PlatformApple, TransactionRef: "x"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestValidateIdempotentReplay(t *testing.T) {
	h, _ := newValidateHandler(t, okVerdict(), 0.95)

	req := ValidateRequest{
		Platform:       model.PlatformApple,
		TransactionRef: "txn-1",
		Identity:       "user-a",
		InstallID:      "install-1",
	}
	headers := map[string]string{"X-Idempotency-Key": "key-1"}

	first := doValidate(t, h, req, headers)
	require.Equal(t, http.StatusOK, first.Code)
	assert.Empty(t, first.Header().Get("X-Idempotent-Replay"))

	// The retry replays the cached response byte for byte, even with a
	// different body.
	req.ProductID = "something.else"
	second := doValidate(t, h, req, headers)
	assert.Equal(t, first.Code, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get("X-Idempotent-Replay"))
}

func TestValidateDerivedIdempotencyKey(t *testing.T) {
	h, _ := newValidateHandler(t, okVerdict(), 0.95)

	req := ValidateRequest{
		Platform:       model.PlatformApple,
		TransactionRef: "txn-1",
		Identity:       "user-a",
		InstallID:      "install-1",
	}

	first := doValidate(t, h, req, nil)
	require.Equal(t, http.StatusOK, first.Code)

	// Same platform+identity+ref derives the same key without a header.
	second := doValidate(t, h, req, nil)
	assert.Equal(t, "true", second.Header().Get("X-Idempotent-Replay"))
}

func TestValidateIdempotencyKeyScopedPerIdentity(t *testing.T) {
	store := repository.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	entitlements := service.NewEntitlementService(store, time.Hour)
	fraud := service.NewFraudScorer(store, service.FraudScorerConfig{VelocityThreshold: 1000})
	sessions := service.NewSessionService("", time.Hour)
	withVerdict := func(verdict model.Verdict) *ValidateHandler {
		gateway := service.NewValidationGateway(&stubValidator{platform: model.PlatformApple, verdict: verdict})
		return NewValidateHandler(entitlements, gateway, fraud, sessions, store, time.Hour, 0.95)
	}

	headers := map[string]string{"X-Idempotency-Key": "shared-key"}

	first := doValidate(t, withVerdict(okVerdict()), ValidateRequest{
		Platform:       model.PlatformApple,
		TransactionRef: "txn-1",
		Identity:       "user-a",
		InstallID:      "install-1",
	}, headers)
	require.Equal(t, http.StatusOK, first.Code)

	// Another user presenting the same client-chosen key must get their own
	// validation, never the first user's cached response.
	other := okVerdict()
	other.TransactionID = "txn-2"
	other.OriginalTransactionID = "orig-2"
	second := doValidate(t, withVerdict(other), ValidateRequest{
		Platform:       model.PlatformApple,
		TransactionRef: "txn-2",
		Identity:       "user-b",
		InstallID:      "install-2",
	}, headers)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Empty(t, second.Header().Get("X-Idempotent-Replay"))
	assert.Contains(t, second.Body.String(), "txn-2")
	assert.NotEqual(t, first.Body.String(), second.Body.String())
}

func TestValidateTransactionReuseConflict(t *testing.T) {
	h, _ := newValidateHandler(t, okVerdict(), 0.95)

	first := doValidate(t, h, ValidateRequest{
		Platform:       model.PlatformApple,
		TransactionRef: "txn-1",
		Identity:       "user-a",
		InstallID:      "install-1",
	}, nil)
	require.Equal(t, http.StatusOK, first.Code)

	// A different user presenting the same transaction gets a conflict.
	second := doValidate(t, h, ValidateRequest{
		Platform:       model.PlatformApple,
		TransactionRef: "txn-1",
		Identity:       "user-b",
		InstallID:      "install-2",
	}, nil)
	assert.Equal(t, http.StatusConflict, second.Code)
	assert.Contains(t, second.Body.String(), "TRANSACTION_REUSED")

	// The conflict is terminal: retrying replays it.
	third := doValidate(t, h, ValidateRequest{
		Platform:       model.PlatformApple,
		TransactionRef: "txn-1",
		Identity:       "user-b",
		InstallID:      "install-2",
	}, nil)
	assert.Equal(t, http.StatusConflict, third.Code)
	assert.Equal(t, "true", third.Header().Get("X-Idempotent-Replay"))
}

func TestValidateValidationFailure(t *testing.T) {
	h, _ := newValidateHandler(t, model.FailedVerdict(model.PlatformApple, "store_lookup_failed: 404"), 0.95)

	w := doValidate(t, h, ValidateRequest{
		Platform:       model.PlatformApple,
		TransactionRef: "txn-bad",
		Identity:       "user-a",
		InstallID:      "install-1",
	}, nil)

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "VALIDATION_FAILED")
}

func TestValidateFraudRejection(t *testing.T) {
	// Threshold low enough that a claim with no install id trips it before
	// any store call.
	h, _ := newValidateHandler(t, okVerdict(), 0.3)

	w := doValidate(t, h, ValidateRequest{
		Platform:       model.PlatformApple,
		TransactionRef: "txn-1",
		Identity:       "user-a",
	}, nil)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "FRAUD_RISK_TOO_HIGH")
}
