package appstore

import (
	"encoding/json"
	"time"
)

// App Store Server Notification V2 types that terminate an entitlement.
const (
	NotificationTypeExpired = "EXPIRED"
	NotificationTypeRefund  = "REFUND"
	NotificationTypeRevoke  = "REVOKE"
)

// IsTerminatingNotification reports whether the notification type ends the
// subscription. Renewal and informational types do not imply deactivation.
func IsTerminatingNotification(notificationType string) bool {
	switch notificationType {
	case NotificationTypeExpired, NotificationTypeRefund, NotificationTypeRevoke:
		return true
	}
	return false
}

// NotificationEnvelope is the webhook request body.
type NotificationEnvelope struct {
	SignedPayload string `json:"signedPayload"`
}

// NotificationPayload is the decoded App Store Server Notification V2.
type NotificationPayload struct {
	NotificationType string           `json:"notificationType"`
	Subtype          string           `json:"subtype,omitempty"`
	NotificationUUID string           `json:"notificationUUID"`
	Version          string           `json:"version"`
	SignedDate       int64            `json:"signedDate"`
	Data             NotificationData `json:"data"`
}

// NotificationData carries the nested signed payloads.
type NotificationData struct {
	AppAppleID            int64  `json:"appAppleId"`
	BundleID              string `json:"bundleId"`
	BundleVersion         string `json:"bundleVersion"`
	Environment           string `json:"environment"`
	SignedTransactionInfo string `json:"signedTransactionInfo"`
	SignedRenewalInfo     string `json:"signedRenewalInfo"`
}

// Transaction is a decoded JWS transaction payload. Timestamps are
// milliseconds since epoch, as Apple sends them.
type Transaction struct {
	TransactionID         string `json:"transactionId"`
	OriginalTransactionID string `json:"originalTransactionId"`
	WebOrderLineItemID    string `json:"webOrderLineItemId"`
	BundleID              string `json:"bundleId"`
	ProductID             string `json:"productId"`
	SubscriptionGroupID   string `json:"subscriptionGroupIdentifier"`
	AppAccountToken       string `json:"appAccountToken"`
	Type                  string `json:"type"`
	Environment           string `json:"environment"`
	PurchaseDate          int64  `json:"purchaseDate"`
	OriginalPurchaseDate  int64  `json:"originalPurchaseDate"`
	ExpiresDate           int64  `json:"expiresDate"`
	RevocationDate        int64  `json:"revocationDate"`
	RevocationReason      *int64 `json:"revocationReason,omitempty"`
}

// ExpiresAt returns the expiry as a time, or nil for non-expiring products.
func (t *Transaction) ExpiresAt() *time.Time {
	return millisToTime(t.ExpiresDate)
}

// RevokedAt returns the revocation time, or nil if not revoked.
func (t *Transaction) RevokedAt() *time.Time {
	return millisToTime(t.RevocationDate)
}

// Revoked reports whether the transaction was refunded or revoked.
func (t *Transaction) Revoked() bool {
	return t.RevocationDate > 0 || t.RevocationReason != nil
}

// RenewalInfo is a decoded signedRenewalInfo payload.
type RenewalInfo struct {
	OriginalTransactionID string `json:"originalTransactionId"`
	AutoRenewProductID    string `json:"autoRenewProductId"`
	ProductID             string `json:"productId"`
	AutoRenewStatus       int64  `json:"autoRenewStatus"`
	ExpirationIntent      int64  `json:"expirationIntent"`
	Environment           string `json:"environment"`
}

// Diagnostic returns a compact JSON blob of the transaction for the record's
// raw payload field.
func (t *Transaction) Diagnostic() json.RawMessage {
	data, _ := json.Marshal(t)
	return data
}

// NotificationDiagnostic combines the transaction with the notification's
// renewal info, when one was attached, for the record's raw payload field.
func NotificationDiagnostic(t *Transaction, r *RenewalInfo) json.RawMessage {
	if r == nil {
		return t.Diagnostic()
	}
	data, _ := json.Marshal(struct {
		Transaction *Transaction `json:"transaction"`
		Renewal     *RenewalInfo `json:"renewal"`
	}{t, r})
	return data
}

func millisToTime(ms int64) *time.Time {
	if ms <= 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}
