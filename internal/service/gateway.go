package service

import (
	"context"

	"entitlements-api/internal/model"
)

// Gateway failure reasons. Adapters return these inside a failed Verdict
// instead of erroring past the boundary.
const (
	ReasonNotConfigured       = "not_configured"
	ReasonUnsupportedPlatform = "unsupported_platform"
	ReasonMissingReference    = "missing_transaction_reference"
	ReasonStoreLookupFailed   = "store_lookup_failed"
)

// PlatformValidator is one store adapter: it turns a platform-specific
// transaction reference into a normalized, store-authoritative verdict.
// Implementations never panic past this boundary and never retry
// internally; the caller decides retry policy.
type PlatformValidator interface {
	Platform() string
	Validate(ctx context.Context, claim model.PurchaseClaim) model.Verdict
}

// ValidationGateway routes purchase claims to the adapter for their platform.
type ValidationGateway struct {
	validators map[string]PlatformValidator
}

// NewValidationGateway creates a gateway over the given adapters.
func NewValidationGateway(validators ...PlatformValidator) *ValidationGateway {
	m := make(map[string]PlatformValidator, len(validators))
	for _, v := range validators {
		if v != nil {
			m[v.Platform()] = v
		}
	}
	return &ValidationGateway{validators: m}
}

// Validate runs the claim through its platform adapter.
func (g *ValidationGateway) Validate(ctx context.Context, claim model.PurchaseClaim) model.Verdict {
	v, ok := g.validators[claim.Platform]
	if !ok {
		return model.FailedVerdict(claim.Platform, ReasonUnsupportedPlatform)
	}
	return v.Validate(ctx, claim)
}

// readiness is implemented by adapters that can be registered without their
// backing API credentials.
type readiness interface {
	Ready() bool
}

// Configured reports whether an adapter for the platform is wired and ready.
func (g *ValidationGateway) Configured(platform string) bool {
	v, ok := g.validators[platform]
	if !ok {
		return false
	}
	if r, ok := v.(readiness); ok {
		return r.Ready()
	}
	return true
}
