package service

import (
	"context"
	"log"

	"entitlements-api/internal/model"
	"entitlements-api/internal/playstore"
)

// GoogleValidator validates purchase tokens against the Google Play
// Developer API. Subscriptions are tried first; one-time products are the
// fallback when the claim carries a product id.
type GoogleValidator struct {
	client *playstore.Client
}

func NewGoogleValidator(client *playstore.Client) *GoogleValidator {
	return &GoogleValidator{client: client}
}

// Platform returns the platform this adapter serves.
func (v *GoogleValidator) Platform() string {
	return model.PlatformGoogle
}

// Ready reports whether the Play Developer API client is configured.
func (v *GoogleValidator) Ready() bool {
	return v.client != nil
}

// Validate resolves the claimed purchase token. The token doubles as the
// original transaction id because Google keeps it stable across renewals.
func (v *GoogleValidator) Validate(ctx context.Context, claim model.PurchaseClaim) model.Verdict {
	if v.client == nil {
		return model.FailedVerdict(model.PlatformGoogle, ReasonNotConfigured)
	}
	if claim.TransactionRef == "" {
		return model.FailedVerdict(model.PlatformGoogle, ReasonMissingReference)
	}

	sub, subErr := v.client.GetSubscription(ctx, claim.TransactionRef)
	if subErr == nil {
		verdict := model.Verdict{
			OK:                    true,
			Trusted:               true,
			Platform:              model.PlatformGoogle,
			ProductID:             sub.ProductID,
			TransactionID:         sub.OrderID,
			OriginalTransactionID: claim.TransactionRef,
			IsActive:              sub.Active(),
			ExpiresDate:           sub.ExpiryTime,
			Raw:                   sub.Raw,
		}
		if verdict.ProductID == "" {
			verdict.ProductID = claim.ProductID
		}
		if verdict.TransactionID == "" {
			verdict.TransactionID = claim.TransactionRef
		}
		return verdict
	}

	// Not a subscription token, or the subscription lookup failed. One-time
	// products need the product id to address the purchases.products API.
	if claim.ProductID == "" {
		log.Printf("[GoogleValidator] Subscription lookup failed and no product id to fall back on: %v", subErr)
		return model.FailedVerdict(model.PlatformGoogle, ReasonStoreLookupFailed+": "+subErr.Error())
	}

	prod, prodErr := v.client.GetProduct(ctx, claim.ProductID, claim.TransactionRef)
	if prodErr != nil {
		log.Printf("[GoogleValidator] Product lookup failed for product=%s: %v", claim.ProductID, prodErr)
		return model.FailedVerdict(model.PlatformGoogle, ReasonStoreLookupFailed+": "+prodErr.Error())
	}

	verdict := model.Verdict{
		OK:                    true,
		Trusted:               true,
		Platform:              model.PlatformGoogle,
		ProductID:             claim.ProductID,
		TransactionID:         prod.OrderID,
		OriginalTransactionID: claim.TransactionRef,
		IsActive:              prod.Purchased(),
		Raw:                   prod.Raw,
	}
	if verdict.TransactionID == "" {
		verdict.TransactionID = claim.TransactionRef
	}
	return verdict
}
