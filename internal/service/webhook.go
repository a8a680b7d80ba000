package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"entitlements-api/internal/appstore"
	"entitlements-api/internal/model"
	"entitlements-api/internal/playstore"
)

// ErrWebhookVerifierInit is returned when the Apple notification decoder was
// never constructed (missing root certificates). Distinct from a signature
// failure: the request may be fine, the server is not.
var ErrWebhookVerifierInit = errors.New("webhook verifier not initialized")

// WebhookOutcome is what a processed store notification produced. Accepted
// means the notification was understood and acknowledged; Mapped means it
// changed a user record.
type WebhookOutcome struct {
	Accepted         bool                     `json:"accepted"`
	Mapped           bool                     `json:"mapped"`
	Test             bool                     `json:"test,omitempty"`
	NotificationType string                   `json:"notification_type,omitempty"`
	Reason           string                   `json:"reason,omitempty"`
	Identity         string                   `json:"identity,omitempty"`
	Record           *model.EntitlementRecord `json:"-"`
}

// WebhookService turns store server notifications into ledger updates.
type WebhookService struct {
	entitlements *EntitlementService
	gateway      *ValidationGateway
	decoder      *appstore.JWSDecoder
}

func NewWebhookService(entitlements *EntitlementService, gateway *ValidationGateway, decoder *appstore.JWSDecoder) *WebhookService {
	return &WebhookService{entitlements: entitlements, gateway: gateway, decoder: decoder}
}

// ProcessAppleNotification verifies and applies an App Store Server
// Notification V2. identityHint is an optional out-of-band user id (query
// parameter) used only when the payload itself cannot be attributed.
//
// Structurally malformed payloads are acknowledged with a soft-reject
// outcome: Apple redelivers on error responses and a malformed payload
// stays malformed. Returns appstore.ErrSignatureInvalid (wrapped) only
// when a well-formed payload fails signature verification, and
// ErrWebhookVerifierInit when no decoder is configured.
func (s *WebhookService) ProcessAppleNotification(ctx context.Context, body []byte, identityHint string) (*WebhookOutcome, error) {
	if s.decoder == nil {
		return nil, ErrWebhookVerifierInit
	}

	var envelope appstore.NotificationEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.SignedPayload == "" {
		return malformedOutcome(&WebhookOutcome{}), nil
	}

	var payload appstore.NotificationPayload
	if err := s.decoder.Decode(envelope.SignedPayload, &payload); err != nil {
		if errors.Is(err, appstore.ErrPayloadMalformed) {
			return malformedOutcome(&WebhookOutcome{}), nil
		}
		return nil, fmt.Errorf("notification payload: %w", err)
	}

	outcome := &WebhookOutcome{Accepted: true, NotificationType: payload.NotificationType}
	if payload.Subtype != "" {
		outcome.NotificationType = payload.NotificationType + "." + payload.Subtype
	}

	if payload.Data.SignedTransactionInfo == "" {
		outcome.Reason = "no_transaction_info"
		return outcome, nil
	}

	var txn appstore.Transaction
	if err := s.decoder.Decode(payload.Data.SignedTransactionInfo, &txn); err != nil {
		if errors.Is(err, appstore.ErrPayloadMalformed) {
			return malformedOutcome(outcome), nil
		}
		return nil, fmt.Errorf("transaction info: %w", err)
	}

	identity, err := s.resolveAppleIdentity(ctx, &txn, identityHint)
	if err != nil {
		return nil, err
	}
	if identity == "" {
		outcome.Reason = "identity_unresolved"
		log.Printf("[Webhook] Apple %s for txn=%s could not be attributed to a user", payload.NotificationType, txn.TransactionID)
		return outcome, nil
	}
	outcome.Identity = identity

	var renewal *appstore.RenewalInfo
	if payload.Data.SignedRenewalInfo != "" {
		renewal = &appstore.RenewalInfo{}
		if err := s.decoder.Decode(payload.Data.SignedRenewalInfo, renewal); err != nil {
			if errors.Is(err, appstore.ErrPayloadMalformed) {
				return malformedOutcome(outcome), nil
			}
			return nil, fmt.Errorf("renewal info: %w", err)
		}
	}

	active := appleNotificationActive(&txn, payload.NotificationType, time.Now())

	verdict := model.Verdict{
		OK:                    true,
		Trusted:               true,
		Platform:              model.PlatformApple,
		ProductID:             txn.ProductID,
		TransactionID:         txn.TransactionID,
		OriginalTransactionID: txn.OriginalTransactionID,
		IsActive:              active,
		ExpiresDate:           txn.ExpiresAt(),
		RevocationDate:        txn.RevokedAt(),
		Raw:                   appstore.NotificationDiagnostic(&txn, renewal),
	}

	// Webhook verdicts from an insecure decoder never shadow trusted state:
	// without signature verification the payload has client-claim trust.
	if s.decoder.Insecure() {
		return s.applyUntrustedWebhook(ctx, outcome, identity, verdict)
	}

	if err := s.entitlements.ClaimOwnership(ctx, identity, verdict.TransactionID, verdict.OriginalTransactionID); err != nil {
		if errors.Is(err, ErrTransactionReused) {
			outcome.Reason = "transaction_owned_elsewhere"
			return outcome, nil
		}
		return nil, err
	}

	rec, err := s.entitlements.AcceptVerdict(ctx, identity, verdict, model.SourceAppleWebhook, "")
	if err != nil {
		return nil, err
	}
	outcome.Mapped = true
	outcome.Record = rec
	return outcome, nil
}

// malformedOutcome marks a permanently-unprocessable payload as handled so
// the store stops redelivering it.
func malformedOutcome(outcome *WebhookOutcome) *WebhookOutcome {
	outcome.Accepted = false
	outcome.Reason = "payload_malformed"
	return outcome
}

// appleNotificationActive resolves the entitlement state a notification
// implies: revocation always deactivates; an expiry still in the future
// keeps the entitlement active regardless of notification type; terminating
// types deactivate only once no paid period remains.
func appleNotificationActive(txn *appstore.Transaction, notificationType string, now time.Time) bool {
	if txn.Revoked() {
		return false
	}
	if exp := txn.ExpiresAt(); exp != nil && exp.After(now) {
		return true
	}
	return !appstore.IsTerminatingNotification(notificationType)
}

// resolveAppleIdentity attributes a transaction to a user, in precedence
// order: the appAccountToken the app set at purchase time, the recorded
// owner of the transaction id, the owner of the original transaction id,
// then the out-of-band hint.
func (s *WebhookService) resolveAppleIdentity(ctx context.Context, txn *appstore.Transaction, hint string) (string, error) {
	if txn.AppAccountToken != "" {
		return txn.AppAccountToken, nil
	}
	for _, ref := range []string{txn.TransactionID, txn.OriginalTransactionID} {
		owner, err := s.entitlements.Owner(ctx, ref)
		if err != nil {
			return "", err
		}
		if owner != "" {
			return owner, nil
		}
	}
	return hint, nil
}

// applyUntrustedWebhook records the verdict through the snapshot path so an
// existing trusted record is preserved.
func (s *WebhookService) applyUntrustedWebhook(ctx context.Context, outcome *WebhookOutcome, identity string, verdict model.Verdict) (*WebhookOutcome, error) {
	claim := model.PurchaseClaim{
		Platform:       verdict.Platform,
		ProductID:      verdict.ProductID,
		TransactionRef: verdict.OriginalTransactionID,
		Identity:       identity,
	}
	rec, written, err := s.entitlements.RecordClientSnapshot(ctx, claim, verdict.IsActive)
	if err != nil {
		return nil, err
	}
	outcome.Mapped = written
	outcome.Record = rec
	if !written {
		outcome.Reason = "trusted_record_preserved"
	}
	return outcome, nil
}

// ProcessGoogleNotification decodes a real-time developer notification and
// re-validates the purchase token against the Play Developer API. The push
// payload's own state fields are never trusted directly.
func (s *WebhookService) ProcessGoogleNotification(ctx context.Context, body []byte) (*WebhookOutcome, error) {
	notif, err := playstore.DecodeEnvelope(body)
	if err != nil {
		return nil, err
	}

	kind := notif.Kind()
	outcome := &WebhookOutcome{Accepted: true, NotificationType: string(kind)}

	if kind == playstore.KindTest {
		outcome.Test = true
		return outcome, nil
	}
	if kind == playstore.KindUnknown {
		outcome.Reason = "unrecognized_notification"
		return outcome, nil
	}

	token, productID := notif.PurchaseToken()
	if token == "" {
		outcome.Reason = "missing_purchase_token"
		return outcome, nil
	}

	identity, err := s.entitlements.Owner(ctx, token)
	if err != nil {
		return nil, err
	}
	if identity == "" {
		outcome.Reason = "identity_unresolved"
		log.Printf("[Webhook] Google %s for an unrecognized purchase token", kind)
		return outcome, nil
	}
	outcome.Identity = identity

	claim := model.PurchaseClaim{
		Platform:       model.PlatformGoogle,
		ProductID:      productID,
		TransactionRef: token,
		Identity:       identity,
	}
	verdict := s.gateway.Validate(ctx, claim)

	if !verdict.OK {
		// A voided purchase is terminal even when the API lookup fails
		// (voided tokens often stop resolving). Other failures stay pending
		// until the next successful validation.
		if kind == playstore.KindVoidedPurchase {
			rec, uerr := s.deactivate(ctx, identity, claim)
			if uerr != nil {
				return nil, uerr
			}
			outcome.Mapped = true
			outcome.Record = rec
			outcome.Reason = "voided_offline"
			return outcome, nil
		}
		outcome.Reason = "validation_unresolved: " + verdict.Reason
		return outcome, nil
	}

	if kind == playstore.KindVoidedPurchase {
		verdict.IsActive = false
	}

	rec, err := s.entitlements.AcceptVerdict(ctx, identity, verdict, model.SourceGoogleWebhook, "")
	if err != nil {
		return nil, err
	}
	outcome.Mapped = true
	outcome.Record = rec
	return outcome, nil
}

// deactivate flips the record to inactive without new store evidence.
func (s *WebhookService) deactivate(ctx context.Context, identity string, claim model.PurchaseClaim) (*model.EntitlementRecord, error) {
	verdict := model.Verdict{
		OK:                    true,
		Trusted:               true,
		Platform:              claim.Platform,
		ProductID:             claim.ProductID,
		OriginalTransactionID: claim.TransactionRef,
		IsActive:              false,
	}
	return s.entitlements.AcceptVerdict(ctx, identity, verdict, model.SourceGoogleWebhook, "")
}
