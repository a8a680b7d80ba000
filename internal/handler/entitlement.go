package handler

import (
	"encoding/json"
	"net/http"

	"entitlements-api/internal/middleware"
	"entitlements-api/internal/model"
	"entitlements-api/internal/service"
	"entitlements-api/pkg/apierror"
	"entitlements-api/pkg/response"
)

// EntitlementHandler serves the current entitlement record and accepts
// untrusted client state syncs.
type EntitlementHandler struct {
	entitlements *service.EntitlementService
	fraud        *service.FraudScorer
	sessions     *service.SessionService
}

// NewEntitlementHandler creates a new entitlement handler.
func NewEntitlementHandler(entitlements *service.EntitlementService, fraud *service.FraudScorer, sessions *service.SessionService) *EntitlementHandler {
	return &EntitlementHandler{entitlements: entitlements, fraud: fraud, sessions: sessions}
}

// resolveIdentity picks the identity for the request: the session token's
// when present, otherwise an explicit identity from query or body. Session
// callers may not read other identities.
func resolveIdentity(r *http.Request, explicit string) (string, *apierror.Error) {
	session := middleware.GetSessionFromContext(r.Context())
	if session != nil && session.Identity != "" {
		if explicit != "" && explicit != session.Identity {
			return "", apierror.Forbidden("identity does not match session token")
		}
		return session.Identity, nil
	}
	if explicit == "" {
		return "", apierror.BadRequest("identity is required")
	}
	return explicit, nil
}

// EntitlementResponse wraps the record with a trust marker so clients can
// distinguish store-confirmed state from their own last sync.
type EntitlementResponse struct {
	Entitlement *model.EntitlementRecord `json:"entitlement"`
	Trusted     bool                     `json:"trusted"`
}

// Get handles GET /entitlement
func (h *EntitlementHandler) Get(w http.ResponseWriter, r *http.Request) {
	identity, apiErr := resolveIdentity(r, r.URL.Query().Get("identity"))
	if apiErr != nil {
		response.Error(w, apiErr)
		return
	}

	rec, err := h.entitlements.Get(r.Context(), identity)
	if err != nil {
		response.Error(w, apierror.InternalError("failed to load entitlement"))
		return
	}
	if rec == nil {
		response.Error(w, apierror.NotFound("no entitlement record for this user"))
		return
	}

	response.OK(w, EntitlementResponse{
		Entitlement: rec,
		Trusted:     rec.Source.Trusted(),
	})
}

// SyncRequest represents the untrusted client snapshot body.
type SyncRequest struct {
	Identity       string `json:"identity"`
	Platform       string `json:"platform"`
	ProductID      string `json:"product_id"`
	TransactionRef string `json:"transaction_ref"`
	InstallID      string `json:"install_id"`
	IsPremium      bool   `json:"is_premium"`
}

// SyncResponse reports whether the snapshot was stored or discarded, with
// the risk assessment of the unverified claim.
type SyncResponse struct {
	Stored      bool                     `json:"stored"`
	Entitlement *model.EntitlementRecord `json:"entitlement"`
	Risk        model.RiskAssessment     `json:"risk"`
}

// Sync handles POST /entitlement/sync
func (h *EntitlementHandler) Sync(w http.ResponseWriter, r *http.Request) {
	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierror.BadRequest("invalid request body"))
		return
	}
	defer r.Body.Close()

	identity, apiErr := resolveIdentity(r, req.Identity)
	if apiErr != nil {
		response.Error(w, apiErr)
		return
	}

	claim := model.PurchaseClaim{
		Platform:       req.Platform,
		ProductID:      req.ProductID,
		TransactionRef: req.TransactionRef,
		Identity:       identity,
		InstallID:      req.InstallID,
	}

	// The snapshot is never store-confirmed, so it always carries the
	// untrusted signal.
	risk := h.fraud.Score(r.Context(), claim, false)

	rec, stored, err := h.entitlements.RecordClientSnapshot(r.Context(), claim, req.IsPremium)
	if err != nil {
		response.Error(w, apierror.InternalError("failed to store snapshot"))
		return
	}

	response.OK(w, SyncResponse{Stored: stored, Entitlement: rec, Risk: risk})
}
