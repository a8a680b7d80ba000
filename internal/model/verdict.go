package model

import (
	"encoding/json"
	"time"
)

// Verdict is a normalized, store-authoritative determination of entitlement
// state. Adapters return ok=false with a reason instead of erroring past the
// gateway boundary.
type Verdict struct {
	OK                    bool            `json:"ok"`
	Trusted               bool            `json:"trusted"`
	Platform              string          `json:"platform,omitempty"`
	ProductID             string          `json:"product_id,omitempty"`
	TransactionID         string          `json:"transaction_id,omitempty"`
	OriginalTransactionID string          `json:"original_transaction_id,omitempty"`
	IsActive              bool            `json:"is_active"`
	ExpiresDate           *time.Time      `json:"expires_date,omitempty"`
	RevocationDate        *time.Time      `json:"revocation_date,omitempty"`
	Reason                string          `json:"reason,omitempty"`
	Raw                   json.RawMessage `json:"-"`
}

// FailedVerdict builds the uniform failure shape adapters return.
func FailedVerdict(platform, reason string) Verdict {
	return Verdict{OK: false, Trusted: false, Platform: platform, Reason: reason}
}
