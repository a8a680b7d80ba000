package model

import (
	"encoding/json"
	"time"
)

// Platform identifiers for purchase claims and entitlement records.
const (
	PlatformApple  = "apple"
	PlatformGoogle = "google"
)

// Source identifies which information source produced the verdict behind an
// entitlement record. Callers must treat it as a trust tier when reading:
// client_claim is unverified, everything else came from the issuing store.
type Source string

const (
	SourceClientClaim     Source = "client_claim"
	SourceStoreValidation Source = "store_validation"
	SourceAppleWebhook    Source = "apple_webhook"
	SourceGoogleWebhook   Source = "google_webhook"
)

// Trusted reports whether the source is backed by the issuing platform.
func (s Source) Trusted() bool {
	switch s {
	case SourceStoreValidation, SourceAppleWebhook, SourceGoogleWebhook:
		return true
	}
	return false
}

// EntitlementRecord is the authoritative entitlement snapshot for one user
// identity. It is overwritten (merged, not appended) on every accepted verdict.
type EntitlementRecord struct {
	Identity              string          `json:"identity"`
	Platform              string          `json:"platform,omitempty"`
	IsPremium             bool            `json:"is_premium"`
	ProductID             string          `json:"product_id,omitempty"`
	TransactionID         string          `json:"transaction_id,omitempty"`
	OriginalTransactionID string          `json:"original_transaction_id,omitempty"`
	ExpiresDate           *time.Time      `json:"expires_date,omitempty"`
	Source                Source          `json:"source"`
	InstallID             string          `json:"install_id,omitempty"`
	Raw                   json.RawMessage `json:"raw,omitempty"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// RecordPatch carries the fields an accepted verdict overwrites on the
// previous record. Zero-value fields are preserved from the existing record;
// pointer fields overwrite only when non-nil.
type RecordPatch struct {
	Platform              string
	IsPremium             *bool
	ProductID             string
	TransactionID         string
	OriginalTransactionID string
	ExpiresDate           *time.Time
	Source                Source
	InstallID             string
	Raw                   json.RawMessage
}

// Apply merges the patch onto rec. UpdatedAt is stamped by the store.
func (p RecordPatch) Apply(rec *EntitlementRecord) {
	if p.Platform != "" {
		rec.Platform = p.Platform
	}
	if p.IsPremium != nil {
		rec.IsPremium = *p.IsPremium
	}
	if p.ProductID != "" {
		rec.ProductID = p.ProductID
	}
	if p.TransactionID != "" {
		rec.TransactionID = p.TransactionID
	}
	if p.OriginalTransactionID != "" {
		rec.OriginalTransactionID = p.OriginalTransactionID
	}
	if p.ExpiresDate != nil {
		rec.ExpiresDate = p.ExpiresDate
	}
	if p.Source != "" {
		rec.Source = p.Source
	}
	if p.InstallID != "" {
		rec.InstallID = p.InstallID
	}
	if p.Raw != nil {
		rec.Raw = p.Raw
	}
}

// TransactionSeen records the first identity that ever presented a
// transaction reference. Ownership is append-once: the entry is never
// updated once written.
type TransactionSeen struct {
	Identity string    `json:"identity"`
	SeenAt   time.Time `json:"seen_at"`
}
