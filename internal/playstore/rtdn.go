package playstore

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// NotificationKind classifies a real-time developer notification.
type NotificationKind string

const (
	KindTest           NotificationKind = "test"
	KindSubscription   NotificationKind = "subscription"
	KindOneTimeProduct NotificationKind = "one_time_product"
	KindVoidedPurchase NotificationKind = "voided_purchase"
	KindUnknown        NotificationKind = "unknown"
)

// PushEnvelope is the Pub/Sub push wrapper notifications arrive in.
type PushEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// DeveloperNotification is the decoded RTDN body.
type DeveloperNotification struct {
	Version                    string                      `json:"version"`
	PackageName                string                      `json:"packageName"`
	EventTimeMillis            json.Number                 `json:"eventTimeMillis"`
	SubscriptionNotification   *SubscriptionNotification   `json:"subscriptionNotification,omitempty"`
	OneTimeProductNotification *OneTimeProductNotification `json:"oneTimeProductNotification,omitempty"`
	VoidedPurchaseNotification *VoidedPurchaseNotification `json:"voidedPurchaseNotification,omitempty"`
	TestNotification           *TestNotification           `json:"testNotification,omitempty"`
}

// SubscriptionNotification signals a subscription lifecycle change. The
// state fields in the push are advisory only; the purchase token must be
// re-validated against the Play Developer API.
type SubscriptionNotification struct {
	Version          string `json:"version"`
	NotificationType int    `json:"notificationType"`
	PurchaseToken    string `json:"purchaseToken"`
	SubscriptionID   string `json:"subscriptionId"`
}

// OneTimeProductNotification signals a one-time product purchase change.
type OneTimeProductNotification struct {
	Version          string `json:"version"`
	NotificationType int    `json:"notificationType"`
	PurchaseToken    string `json:"purchaseToken"`
	SKU              string `json:"sku"`
}

// VoidedPurchaseNotification signals a refunded or charged-back purchase.
type VoidedPurchaseNotification struct {
	PurchaseToken string `json:"purchaseToken"`
	OrderID       string `json:"orderId"`
	ProductType   int    `json:"productType"`
	RefundType    int    `json:"refundType"`
}

// TestNotification is sent from the Play console to verify the topic.
type TestNotification struct {
	Version string `json:"version"`
}

// Kind classifies the notification.
func (n *DeveloperNotification) Kind() NotificationKind {
	switch {
	case n.TestNotification != nil:
		return KindTest
	case n.SubscriptionNotification != nil:
		return KindSubscription
	case n.OneTimeProductNotification != nil:
		return KindOneTimeProduct
	case n.VoidedPurchaseNotification != nil:
		return KindVoidedPurchase
	}
	return KindUnknown
}

// PurchaseToken returns the token the notification refers to, with the
// product id when the notification carries one.
func (n *DeveloperNotification) PurchaseToken() (token, productID string) {
	switch {
	case n.SubscriptionNotification != nil:
		return n.SubscriptionNotification.PurchaseToken, n.SubscriptionNotification.SubscriptionID
	case n.OneTimeProductNotification != nil:
		return n.OneTimeProductNotification.PurchaseToken, n.OneTimeProductNotification.SKU
	case n.VoidedPurchaseNotification != nil:
		return n.VoidedPurchaseNotification.PurchaseToken, ""
	}
	return "", ""
}

// DecodeEnvelope parses a webhook request body: either a Pub/Sub push
// envelope with base64 data, or an already-decoded developer notification
// (the console's test deliveries arrive this way).
func DecodeEnvelope(body []byte) (*DeveloperNotification, error) {
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}

	var envelope PushEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Message.Data != "" {
		data, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
		if err != nil {
			data, err = base64.URLEncoding.DecodeString(envelope.Message.Data)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode push data: %w", err)
		}

		var notif DeveloperNotification
		if err := json.Unmarshal(data, &notif); err != nil {
			return nil, fmt.Errorf("failed to parse developer notification: %w", err)
		}
		return &notif, nil
	}

	var notif DeveloperNotification
	if err := json.Unmarshal(body, &notif); err != nil {
		return nil, fmt.Errorf("failed to parse notification body: %w", err)
	}
	if notif.Kind() == KindUnknown && notif.PackageName == "" {
		return nil, errors.New("unrecognized notification body")
	}
	return &notif, nil
}
