package playstore

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pushEnvelope(t *testing.T, notif DeveloperNotification) []byte {
	t.Helper()
	inner, err := json.Marshal(notif)
	require.NoError(t, err)

	body, err := json.Marshal(map[string]interface{}{
		"message": map[string]string{
			"data":      base64.StdEncoding.EncodeToString(inner),
			"messageId": "msg-1",
		},
		"subscription": "projects/test/subscriptions/rtdn",
	})
	require.NoError(t, err)
	return body
}

func TestDecodeEnvelopePubSub(t *testing.T) {
	body := pushEnvelope(t, DeveloperNotification{
		Version:     "1.0",
		PackageName: "com.example.app",
		SubscriptionNotification: &SubscriptionNotification{
			NotificationType: 4,
			PurchaseToken:    "token-1",
			SubscriptionID:   "premium.monthly",
		},
	})

	notif, err := DecodeEnvelope(body)
	require.NoError(t, err)
	assert.Equal(t, KindSubscription, notif.Kind())
	assert.Equal(t, "com.example.app", notif.PackageName)

	token, productID := notif.PurchaseToken()
	assert.Equal(t, "token-1", token)
	assert.Equal(t, "premium.monthly", productID)
}

func TestDecodeEnvelopeBareNotification(t *testing.T) {
	body, err := json.Marshal(DeveloperNotification{
		Version:          "1.0",
		PackageName:      "com.example.app",
		TestNotification: &TestNotification{Version: "1.0"},
	})
	require.NoError(t, err)

	notif, err := DecodeEnvelope(body)
	require.NoError(t, err)
	assert.Equal(t, KindTest, notif.Kind())
}

func TestDecodeEnvelopeVoided(t *testing.T) {
	body := pushEnvelope(t, DeveloperNotification{
		Version:     "1.0",
		PackageName: "com.example.app",
		VoidedPurchaseNotification: &VoidedPurchaseNotification{
			PurchaseToken: "token-2",
			OrderID:       "GPA.1234",
			RefundType:    1,
		},
	})

	notif, err := DecodeEnvelope(body)
	require.NoError(t, err)
	assert.Equal(t, KindVoidedPurchase, notif.Kind())

	token, productID := notif.PurchaseToken()
	assert.Equal(t, "token-2", token)
	assert.Empty(t, productID)
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	_, err := DecodeEnvelope(nil)
	assert.Error(t, err)

	_, err = DecodeEnvelope([]byte("not json"))
	assert.Error(t, err)

	_, err = DecodeEnvelope([]byte(`{"unrelated":true}`))
	assert.Error(t, err)

	// Valid envelope shape with undecodable data.
	_, err = DecodeEnvelope([]byte(`{"message":{"data":"!!!","messageId":"1"}}`))
	assert.Error(t, err)
}
