package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"entitlements-api/internal/model"
	"entitlements-api/internal/repository"
)

// ErrTransactionReused is returned when a transaction reference is already
// owned by a different identity. Ownership is first-writer-wins and never
// reassigned within the replay window.
var ErrTransactionReused = errors.New("transaction reference already claimed by another user")

// EntitlementService owns the ledger: it applies trusted verdicts, records
// untrusted client snapshots without letting them shadow trusted state, and
// enforces transaction ownership.
type EntitlementService struct {
	store          repository.Store
	transactionTTL time.Duration
}

func NewEntitlementService(store repository.Store, transactionTTL time.Duration) *EntitlementService {
	return &EntitlementService{store: store, transactionTTL: transactionTTL}
}

// Get returns the current record for an identity, or nil if none exists.
func (s *EntitlementService) Get(ctx context.Context, identity string) (*model.EntitlementRecord, error) {
	rec, err := s.store.GetRecord(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return rec, nil
}

// ClaimOwnership claims every non-empty reference for the identity. If any
// reference already belongs to another identity the call fails with
// ErrTransactionReused before any record is written. References the same
// identity already owns are fine (retries, renewals of the same purchase).
func (s *EntitlementService) ClaimOwnership(ctx context.Context, identity string, refs ...string) error {
	for _, ref := range refs {
		if ref == "" {
			continue
		}
		seen, _, err := s.store.ClaimTransaction(ctx, ref, identity, s.transactionTTL)
		if err != nil {
			return fmt.Errorf("claim transaction %s: %w", ref, err)
		}
		if seen != nil && seen.Identity != identity {
			return ErrTransactionReused
		}
	}
	return nil
}

// Owner returns the identity that first presented the reference, or "" if
// the reference was never seen or its window expired.
func (s *EntitlementService) Owner(ctx context.Context, ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	seen, err := s.store.GetTransactionSeen(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("get transaction owner: %w", err)
	}
	if seen == nil {
		return "", nil
	}
	return seen.Identity, nil
}

// AcceptVerdict merges a successful store verdict into the identity's record.
// The caller is responsible for ownership checks; this only writes.
func (s *EntitlementService) AcceptVerdict(ctx context.Context, identity string, verdict model.Verdict, source model.Source, installID string) (*model.EntitlementRecord, error) {
	if !verdict.OK {
		return nil, fmt.Errorf("refusing to record failed verdict: %s", verdict.Reason)
	}
	premium := verdict.IsActive
	patch := model.RecordPatch{
		Platform:              verdict.Platform,
		IsPremium:             &premium,
		ProductID:             verdict.ProductID,
		TransactionID:         verdict.TransactionID,
		OriginalTransactionID: verdict.OriginalTransactionID,
		ExpiresDate:           verdict.ExpiresDate,
		Source:                source,
		InstallID:             installID,
		Raw:                   verdict.Raw,
	}
	rec, err := s.store.UpsertRecord(ctx, identity, patch)
	if err != nil {
		return nil, fmt.Errorf("upsert record: %w", err)
	}
	log.Printf("[Entitlement] Recorded verdict for identity=%s source=%s premium=%t", identity, source, premium)
	return rec, nil
}

// RecordClientSnapshot stores an unverified client claim. A snapshot never
// shadows a record built from a trusted source: when one exists, the trusted
// record is returned unchanged and the snapshot is discarded.
func (s *EntitlementService) RecordClientSnapshot(ctx context.Context, claim model.PurchaseClaim, isPremium bool) (*model.EntitlementRecord, bool, error) {
	existing, err := s.store.GetRecord(ctx, claim.Identity)
	if err != nil {
		return nil, false, fmt.Errorf("get record: %w", err)
	}
	if existing != nil && existing.Source.Trusted() {
		return existing, false, nil
	}

	patch := model.RecordPatch{
		Platform:              claim.Platform,
		IsPremium:             &isPremium,
		ProductID:             claim.ProductID,
		TransactionID:         claim.TransactionRef,
		OriginalTransactionID: claim.TransactionRef,
		Source:                model.SourceClientClaim,
		InstallID:             claim.InstallID,
	}
	rec, err := s.store.UpsertRecord(ctx, claim.Identity, patch)
	if err != nil {
		return nil, false, fmt.Errorf("upsert record: %w", err)
	}
	return rec, true, nil
}
