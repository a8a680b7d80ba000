package service

import (
	"context"
	"log"
	"time"

	"entitlements-api/internal/appstore"
	"entitlements-api/internal/model"
)

// AppleValidator validates claims against the App Store Server API. The
// verdict is always trusted on success because it came from Apple's own
// servers over an authenticated call.
type AppleValidator struct {
	client *appstore.Client
}

// NewAppleValidator creates the adapter. A nil client marks the platform
// as unconfigured; claims then fail with a distinguishable reason.
func NewAppleValidator(client *appstore.Client) *AppleValidator {
	return &AppleValidator{client: client}
}

// Platform returns the platform this adapter serves.
func (v *AppleValidator) Platform() string {
	return model.PlatformApple
}

// Ready reports whether the App Store API client is configured.
func (v *AppleValidator) Ready() bool {
	return v.client != nil
}

// Validate looks up the claimed transaction id and derives the verdict.
func (v *AppleValidator) Validate(ctx context.Context, claim model.PurchaseClaim) model.Verdict {
	if v.client == nil {
		return model.FailedVerdict(model.PlatformApple, ReasonNotConfigured)
	}
	if claim.TransactionRef == "" {
		return model.FailedVerdict(model.PlatformApple, ReasonMissingReference)
	}

	txn, err := v.client.GetTransaction(ctx, claim.TransactionRef)
	if err != nil {
		log.Printf("[AppleValidator] Lookup failed for txn=%s: %v", claim.TransactionRef, err)
		return model.FailedVerdict(model.PlatformApple, ReasonStoreLookupFailed+": "+err.Error())
	}

	return model.Verdict{
		OK:                    true,
		Trusted:               true,
		Platform:              model.PlatformApple,
		ProductID:             txn.ProductID,
		TransactionID:         txn.TransactionID,
		OriginalTransactionID: txn.OriginalTransactionID,
		IsActive:              appleTransactionActive(txn, time.Now()),
		ExpiresDate:           txn.ExpiresAt(),
		RevocationDate:        txn.RevokedAt(),
		Raw:                   txn.Diagnostic(),
	}
}

// appleTransactionActive: revoked is never active; with an expiry, active iff
// the expiry is in the future; without one, a non-expiring product is active.
func appleTransactionActive(txn *appstore.Transaction, now time.Time) bool {
	if txn.Revoked() {
		return false
	}
	if exp := txn.ExpiresAt(); exp != nil {
		return exp.After(now)
	}
	return true
}
