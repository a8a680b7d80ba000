package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entitlements-api/internal/appstore"
	"entitlements-api/internal/model"
	"entitlements-api/internal/repository"
)

// stubValidator is a canned PlatformValidator for gateway wiring in tests.
type stubValidator struct {
	platform string
	verdict  model.Verdict
}

func (s *stubValidator) Platform() string { return s.platform }
func (s *stubValidator) Validate(ctx context.Context, claim model.PurchaseClaim) model.Verdict {
	return s.verdict
}

func newTestWebhooks(t *testing.T, google model.Verdict) (*WebhookService, *EntitlementService) {
	t.Helper()
	store := repository.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	entitlements := NewEntitlementService(store, time.Hour)
	gateway := NewValidationGateway(&stubValidator{platform: model.PlatformGoogle, verdict: google})
	webhooks := NewWebhookService(entitlements, gateway, appstore.NewInsecureJWSDecoder())
	return webhooks, entitlements
}

func unverifiedJWS(t *testing.T, payload interface{}) string {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return "e30." + base64.RawURLEncoding.EncodeToString(data) + ".sig"
}

func appleNotificationBody(t *testing.T, notificationType string, txn appstore.Transaction) []byte {
	t.Helper()
	payload := appstore.NotificationPayload{
		NotificationType: notificationType,
		NotificationUUID: "uuid-1",
		Data: appstore.NotificationData{
			BundleID:              "com.example.app",
			SignedTransactionInfo: unverifiedJWS(t, txn),
		},
	}
	body, err := json.Marshal(appstore.NotificationEnvelope{SignedPayload: unverifiedJWS(t, payload)})
	require.NoError(t, err)
	return body
}

func googlePushBody(t *testing.T, notif map[string]interface{}) []byte {
	t.Helper()
	inner, err := json.Marshal(notif)
	require.NoError(t, err)
	body, err := json.Marshal(map[string]interface{}{
		"message": map[string]string{
			"data":      base64.StdEncoding.EncodeToString(inner),
			"messageId": "msg-1",
		},
	})
	require.NoError(t, err)
	return body
}

func TestProcessAppleNotificationRequiresDecoder(t *testing.T) {
	store := repository.NewMemoryStore()
	defer store.Close()
	entitlements := NewEntitlementService(store, time.Hour)
	webhooks := NewWebhookService(entitlements, NewValidationGateway(), nil)

	_, err := webhooks.ProcessAppleNotification(context.Background(), []byte("{}"), "")
	assert.ErrorIs(t, err, ErrWebhookVerifierInit)
}

func TestProcessAppleNotificationAcknowledgesMalformed(t *testing.T) {
	webhooks, _ := newTestWebhooks(t, model.Verdict{})

	// Permanently-unprocessable payloads are acknowledged so Apple stops
	// redelivering them.
	for _, body := range []string{
		"not json",
		"{}",
		`{"signedPayload":"garbage"}`,
		`{"signedPayload":"a.!!!.c"}`,
	} {
		outcome, err := webhooks.ProcessAppleNotification(context.Background(), []byte(body), "")
		require.NoError(t, err, body)
		assert.False(t, outcome.Accepted, body)
		assert.Equal(t, "payload_malformed", outcome.Reason, body)
	}
}

func TestAppleNotificationActivePrecedence(t *testing.T) {
	now := time.Now()
	future := now.Add(30 * 24 * time.Hour).UnixMilli()
	past := now.Add(-time.Hour).UnixMilli()

	// Revocation always wins.
	assert.False(t, appleNotificationActive(&appstore.Transaction{RevocationDate: past, ExpiresDate: future}, "REFUND", now))
	// An unexpired paid period wins over a terminating notification type.
	assert.True(t, appleNotificationActive(&appstore.Transaction{ExpiresDate: future}, "REFUND", now))
	// With no paid period left the terminating type deactivates.
	assert.False(t, appleNotificationActive(&appstore.Transaction{ExpiresDate: past}, "EXPIRED", now))
	assert.False(t, appleNotificationActive(&appstore.Transaction{}, "REVOKE", now))
	// Informational types never deactivate on their own.
	assert.True(t, appleNotificationActive(&appstore.Transaction{ExpiresDate: past}, "DID_RENEW", now))
}

func TestProcessAppleNotificationKeepsUnexpiredActive(t *testing.T) {
	webhooks, entitlements := newTestWebhooks(t, model.Verdict{})
	ctx := context.Background()

	// A REFUND for a transaction that is neither revoked nor expired: the
	// remaining paid period keeps the entitlement active.
	body := appleNotificationBody(t, "REFUND", appstore.Transaction{
		TransactionID:   "txn-1",
		ProductID:       "premium.monthly",
		AppAccountToken: "user-a",
		ExpiresDate:     time.Now().Add(30 * 24 * time.Hour).UnixMilli(),
	})

	outcome, err := webhooks.ProcessAppleNotification(ctx, body, "")
	require.NoError(t, err)
	assert.True(t, outcome.Mapped)
	require.NotNil(t, outcome.Record)
	assert.True(t, outcome.Record.IsPremium)

	rec, err := entitlements.Get(ctx, "user-a")
	require.NoError(t, err)
	assert.True(t, rec.IsPremium)
}

func TestProcessAppleNotificationMapsViaAppAccountToken(t *testing.T) {
	webhooks, entitlements := newTestWebhooks(t, model.Verdict{})
	ctx := context.Background()

	body := appleNotificationBody(t, "REFUND", appstore.Transaction{
		TransactionID:         "txn-1",
		OriginalTransactionID: "orig-1",
		ProductID:             "premium.monthly",
		AppAccountToken:       "user-a",
		RevocationDate:        1700000000000,
	})

	outcome, err := webhooks.ProcessAppleNotification(ctx, body, "")
	require.NoError(t, err)
	assert.True(t, outcome.Accepted)
	assert.True(t, outcome.Mapped)
	assert.Equal(t, "user-a", outcome.Identity)
	require.NotNil(t, outcome.Record)
	assert.False(t, outcome.Record.IsPremium)

	rec, err := entitlements.Get(ctx, "user-a")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.False(t, rec.IsPremium)
}

func TestProcessAppleNotificationDecodesRenewalInfo(t *testing.T) {
	webhooks, _ := newTestWebhooks(t, model.Verdict{})
	ctx := context.Background()

	buildBody := func(signedRenewal string) []byte {
		payload := appstore.NotificationPayload{
			NotificationType: "DID_RENEW",
			NotificationUUID: "uuid-1",
			Data: appstore.NotificationData{
				BundleID: "com.example.app",
				SignedTransactionInfo: unverifiedJWS(t, appstore.Transaction{
					TransactionID:   "txn-1",
					ProductID:       "premium.monthly",
					AppAccountToken: "user-a",
					ExpiresDate:     time.Now().Add(30 * 24 * time.Hour).UnixMilli(),
				}),
				SignedRenewalInfo: signedRenewal,
			},
		}
		body, err := json.Marshal(appstore.NotificationEnvelope{SignedPayload: unverifiedJWS(t, payload)})
		require.NoError(t, err)
		return body
	}

	outcome, err := webhooks.ProcessAppleNotification(ctx, buildBody(unverifiedJWS(t, appstore.RenewalInfo{
		AutoRenewProductID: "premium.monthly",
		AutoRenewStatus:    1,
	})), "")
	require.NoError(t, err)
	assert.True(t, outcome.Mapped)

	// A renewal payload that cannot be decoded makes the whole notification
	// permanently unprocessable.
	outcome, err = webhooks.ProcessAppleNotification(ctx, buildBody("a.!!!.c"), "")
	require.NoError(t, err)
	assert.False(t, outcome.Accepted)
	assert.Equal(t, "payload_malformed", outcome.Reason)
}

func TestProcessAppleNotificationUnresolvedIdentity(t *testing.T) {
	webhooks, _ := newTestWebhooks(t, model.Verdict{})

	body := appleNotificationBody(t, "DID_RENEW", appstore.Transaction{
		TransactionID: "txn-unknown",
	})

	outcome, err := webhooks.ProcessAppleNotification(context.Background(), body, "")
	require.NoError(t, err)
	assert.True(t, outcome.Accepted)
	assert.False(t, outcome.Mapped)
	assert.Equal(t, "identity_unresolved", outcome.Reason)
}

func TestProcessAppleNotificationResolvesOwner(t *testing.T) {
	webhooks, entitlements := newTestWebhooks(t, model.Verdict{})
	ctx := context.Background()

	// user-a registered the original transaction through validation.
	require.NoError(t, entitlements.ClaimOwnership(ctx, "user-a", "orig-1"))

	body := appleNotificationBody(t, "EXPIRED", appstore.Transaction{
		TransactionID:         "txn-99",
		OriginalTransactionID: "orig-1",
		ProductID:             "premium.monthly",
	})

	outcome, err := webhooks.ProcessAppleNotification(ctx, body, "")
	require.NoError(t, err)
	assert.Equal(t, "user-a", outcome.Identity)
	assert.True(t, outcome.Mapped)
	require.NotNil(t, outcome.Record)
	assert.False(t, outcome.Record.IsPremium)
}

func TestProcessAppleNotificationInsecureNeverShadowsTrusted(t *testing.T) {
	webhooks, entitlements := newTestWebhooks(t, model.Verdict{})
	ctx := context.Background()

	// Trusted state already on file for user-a.
	_, err := entitlements.AcceptVerdict(ctx, "user-a", model.Verdict{
		OK:       true,
		Trusted:  true,
		Platform: model.PlatformApple,
		IsActive: true,
	}, model.SourceStoreValidation, "")
	require.NoError(t, err)

	// An unverified notification claims the purchase is gone.
	body := appleNotificationBody(t, "REFUND", appstore.Transaction{
		TransactionID:   "txn-1",
		AppAccountToken: "user-a",
		RevocationDate:  1700000000000,
	})
	outcome, err := webhooks.ProcessAppleNotification(ctx, body, "")
	require.NoError(t, err)
	assert.True(t, outcome.Accepted)
	assert.False(t, outcome.Mapped)
	assert.Equal(t, "trusted_record_preserved", outcome.Reason)

	rec, err := entitlements.Get(ctx, "user-a")
	require.NoError(t, err)
	assert.True(t, rec.IsPremium)
}

func TestProcessGoogleNotificationTest(t *testing.T) {
	webhooks, _ := newTestWebhooks(t, model.Verdict{})

	body := googlePushBody(t, map[string]interface{}{
		"version":          "1.0",
		"packageName":      "com.example.app",
		"testNotification": map[string]string{"version": "1.0"},
	})

	outcome, err := webhooks.ProcessGoogleNotification(context.Background(), body)
	require.NoError(t, err)
	assert.True(t, outcome.Accepted)
	assert.True(t, outcome.Test)
	assert.False(t, outcome.Mapped)
}

func TestProcessGoogleNotificationUnknownToken(t *testing.T) {
	webhooks, _ := newTestWebhooks(t, model.Verdict{})

	body := googlePushBody(t, map[string]interface{}{
		"version":     "1.0",
		"packageName": "com.example.app",
		"subscriptionNotification": map[string]interface{}{
			"notificationType": 3,
			"purchaseToken":    "never-seen",
			"subscriptionId":   "premium.monthly",
		},
	})

	outcome, err := webhooks.ProcessGoogleNotification(context.Background(), body)
	require.NoError(t, err)
	assert.True(t, outcome.Accepted)
	assert.False(t, outcome.Mapped)
	assert.Equal(t, "identity_unresolved", outcome.Reason)
}

func TestProcessGoogleNotificationRevalidates(t *testing.T) {
	expiry := time.Now().Add(30 * 24 * time.Hour).UTC()
	webhooks, entitlements := newTestWebhooks(t, model.Verdict{
		OK:                    true,
		Trusted:               true,
		Platform:              model.PlatformGoogle,
		ProductID:             "premium.monthly",
		TransactionID:         "GPA.1234",
		OriginalTransactionID: "token-1",
		IsActive:              true,
		ExpiresDate:           &expiry,
	})
	ctx := context.Background()

	require.NoError(t, entitlements.ClaimOwnership(ctx, "user-a", "token-1"))

	body := googlePushBody(t, map[string]interface{}{
		"version":     "1.0",
		"packageName": "com.example.app",
		"subscriptionNotification": map[string]interface{}{
			"notificationType": 2,
			"purchaseToken":    "token-1",
			"subscriptionId":   "premium.monthly",
		},
	})

	outcome, err := webhooks.ProcessGoogleNotification(ctx, body)
	require.NoError(t, err)
	assert.True(t, outcome.Mapped)
	assert.Equal(t, "user-a", outcome.Identity)
	require.NotNil(t, outcome.Record)
	assert.True(t, outcome.Record.IsPremium)
	assert.Equal(t, model.SourceGoogleWebhook, outcome.Record.Source)
}

func TestProcessGoogleNotificationVoidedOffline(t *testing.T) {
	// Validation fails: voided tokens often stop resolving.
	webhooks, entitlements := newTestWebhooks(t,
		model.FailedVerdict(model.PlatformGoogle, "store_lookup_failed: gone"))
	ctx := context.Background()

	require.NoError(t, entitlements.ClaimOwnership(ctx, "user-a", "token-1"))
	_, err := entitlements.AcceptVerdict(ctx, "user-a", model.Verdict{
		OK:       true,
		Trusted:  true,
		Platform: model.PlatformGoogle,
		IsActive: true,
	}, model.SourceStoreValidation, "")
	require.NoError(t, err)

	body := googlePushBody(t, map[string]interface{}{
		"version":     "1.0",
		"packageName": "com.example.app",
		"voidedPurchaseNotification": map[string]interface{}{
			"purchaseToken": "token-1",
			"orderId":       "GPA.1234",
			"refundType":    1,
		},
	})

	outcome, err := webhooks.ProcessGoogleNotification(ctx, body)
	require.NoError(t, err)
	assert.True(t, outcome.Accepted)
	assert.True(t, outcome.Mapped)
	assert.Equal(t, "voided_offline", outcome.Reason)

	rec, err := entitlements.Get(ctx, "user-a")
	require.NoError(t, err)
	assert.False(t, rec.IsPremium)
}

func TestProcessGoogleNotificationUnresolvedValidation(t *testing.T) {
	webhooks, entitlements := newTestWebhooks(t,
		model.FailedVerdict(model.PlatformGoogle, "store_lookup_failed: timeout"))
	ctx := context.Background()

	require.NoError(t, entitlements.ClaimOwnership(ctx, "user-a", "token-1"))

	body := googlePushBody(t, map[string]interface{}{
		"version":     "1.0",
		"packageName": "com.example.app",
		"subscriptionNotification": map[string]interface{}{
			"notificationType": 13,
			"purchaseToken":    "token-1",
			"subscriptionId":   "premium.monthly",
		},
	})

	outcome, err := webhooks.ProcessGoogleNotification(ctx, body)
	require.NoError(t, err)
	assert.True(t, outcome.Accepted)
	assert.False(t, outcome.Mapped)
	assert.Contains(t, outcome.Reason, "validation_unresolved")
}
