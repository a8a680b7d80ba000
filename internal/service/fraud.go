package service

import (
	"context"
	"log"
	"math"
	"time"

	"entitlements-api/internal/model"
	"entitlements-api/internal/repository"
)

// Risk signal reasons. Accumulated, not exclusive.
const (
	ReasonMissingIdentity       = "missing_identity"
	ReasonMissingInstallID      = "missing_install_id"
	ReasonMissingTransactionRef = "missing_transaction_ref"
	ReasonReusedTransaction     = "reused_transaction_other_user"
	ReasonDuplicateTransaction  = "duplicate_transaction_same_user"
	ReasonVelocityExceeded      = "velocity_exceeded"
	ReasonUntrustedSnapshot     = "untrusted_client_snapshot_only"
)

// Signal weights. Additive; the final score is clamped to [0,1].
const (
	weightMissingIdentity       = 0.2
	weightMissingInstallID      = 0.2
	weightMissingTransactionRef = 0.35
	weightReusedTransaction     = 0.7
	weightDuplicateTransaction  = 0.15
	weightVelocityExceeded      = 0.35
	weightUntrustedSnapshot     = 0.25
)

// FraudScorer computes a bounded risk score from claim completeness,
// transaction reuse history, and request velocity. Scoring is advisory:
// store lookup failures skip the signal rather than failing the request
// (ownership itself is enforced at verdict acceptance, not here).
type FraudScorer struct {
	store             repository.Store
	velocityThreshold int
	velocityWindow    time.Duration
}

// FraudScorerConfig holds scoring thresholds.
type FraudScorerConfig struct {
	VelocityThreshold int
	VelocityWindow    time.Duration
}

// NewFraudScorer creates a fraud scorer backed by the given store.
func NewFraudScorer(store repository.Store, cfg FraudScorerConfig) *FraudScorer {
	if cfg.VelocityThreshold <= 0 {
		cfg.VelocityThreshold = 30
	}
	if cfg.VelocityWindow <= 0 {
		cfg.VelocityWindow = time.Hour
	}
	return &FraudScorer{
		store:             store,
		velocityThreshold: cfg.VelocityThreshold,
		velocityWindow:    cfg.VelocityWindow,
	}
}

// Score evaluates a claim. trustedValidation indicates whether the verdict
// being scored has been confirmed by a store-side validation; scoring a raw
// client claim before validation adds the untrusted-snapshot signal.
func (f *FraudScorer) Score(ctx context.Context, claim model.PurchaseClaim, trustedValidation bool) model.RiskAssessment {
	var score float64
	var reasons []string

	add := func(weight float64, reason string) {
		score += weight
		reasons = append(reasons, reason)
	}

	if claim.Identity == "" {
		add(weightMissingIdentity, ReasonMissingIdentity)
	}
	if claim.InstallID == "" {
		add(weightMissingInstallID, ReasonMissingInstallID)
	}

	if claim.TransactionRef == "" {
		add(weightMissingTransactionRef, ReasonMissingTransactionRef)
	} else {
		seen, err := f.store.GetTransactionSeen(ctx, claim.TransactionRef)
		switch {
		case err != nil:
			log.Printf("[FraudScorer] Reuse lookup failed for ref=%s: %v", claim.TransactionRef, err)
		case seen != nil && seen.Identity != claim.Identity:
			add(weightReusedTransaction, ReasonReusedTransaction)
		case seen != nil:
			add(weightDuplicateTransaction, ReasonDuplicateTransaction)
		}
	}

	if claim.InstallID != "" {
		count, err := f.store.IncrVelocity(ctx, claim.InstallID, f.velocityWindow)
		if err != nil {
			log.Printf("[FraudScorer] Velocity tracking failed for install=%s: %v", claim.InstallID, err)
		} else if count > f.velocityThreshold {
			add(weightVelocityExceeded, ReasonVelocityExceeded)
		}
	}

	if !trustedValidation {
		add(weightUntrustedSnapshot, ReasonUntrustedSnapshot)
	}

	return model.RiskAssessment{
		Score:   clampScore(score),
		Reasons: reasons,
	}
}

// clampScore bounds the score to [0,1] and rounds to three decimals.
func clampScore(score float64) float64 {
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return math.Round(score*1000) / 1000
}
