package handler

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"entitlements-api/internal/middleware"
	"entitlements-api/internal/model"
	"entitlements-api/internal/repository"
	"entitlements-api/internal/service"
	"entitlements-api/pkg/apierror"
	"entitlements-api/pkg/response"
)

// ValidateHandler runs the full purchase validation pipeline: idempotency
// replay, fraud pre-screen, store-side validation, ownership claim, and the
// ledger write.
type ValidateHandler struct {
	entitlements   *service.EntitlementService
	gateway        *service.ValidationGateway
	fraud          *service.FraudScorer
	sessions       *service.SessionService
	store          repository.Store
	idempotencyTTL time.Duration
	rejectScore    float64
}

// NewValidateHandler creates a new validation handler.
func NewValidateHandler(
	entitlements *service.EntitlementService,
	gateway *service.ValidationGateway,
	fraud *service.FraudScorer,
	sessions *service.SessionService,
	store repository.Store,
	idempotencyTTL time.Duration,
	rejectScore float64,
) *ValidateHandler {
	if rejectScore <= 0 {
		rejectScore = 0.95
	}
	return &ValidateHandler{
		entitlements:   entitlements,
		gateway:        gateway,
		fraud:          fraud,
		sessions:       sessions,
		store:          store,
		idempotencyTTL: idempotencyTTL,
		rejectScore:    rejectScore,
	}
}

// ValidateRequest represents the purchase validation request body.
type ValidateRequest struct {
	Platform       string `json:"platform"`
	ProductID      string `json:"product_id"`
	TransactionRef string `json:"transaction_ref"`
	Identity       string `json:"identity"`
	InstallID      string `json:"install_id"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// ValidateResponse represents a successful validation outcome.
type ValidateResponse struct {
	Entitlement *model.EntitlementRecord `json:"entitlement"`
	Verdict     model.Verdict            `json:"verdict"`
	Risk        model.RiskAssessment     `json:"risk"`
}

// cachedResponse is the terminal response stored for idempotent replay.
type cachedResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// Validate handles POST /purchase/validate
func (h *ValidateHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierror.BadRequest("invalid request body"))
		return
	}
	defer r.Body.Close()

	if req.Platform != model.PlatformApple && req.Platform != model.PlatformGoogle {
		response.Error(w, apierror.ValidationError("unsupported platform",
			apierror.FieldError{Field: "platform", Message: "must be apple or google"}))
		return
	}
	if req.TransactionRef == "" {
		response.Error(w, apierror.ValidationError("missing transaction reference",
			apierror.FieldError{Field: "transaction_ref", Message: "is required"}))
		return
	}

	identity, apiErr := resolveIdentity(r, req.Identity)
	if apiErr != nil {
		response.Error(w, apiErr)
		return
	}

	// A session token pins identity, install, and platform at issue time;
	// the claim may not present different ones.
	if session := middleware.GetSessionFromContext(r.Context()); session != nil {
		if err := h.sessions.CheckBinding(session, identity, req.InstallID, req.Platform); err != nil {
			response.Error(w, apierror.Forbidden(err.Error()))
			return
		}
	}

	claim := model.PurchaseClaim{
		Platform:       req.Platform,
		ProductID:      req.ProductID,
		TransactionRef: req.TransactionRef,
		Identity:       identity,
		InstallID:      req.InstallID,
	}

	idemKey := h.idempotencyKey(r, &req, identity)
	if h.replayIdempotent(w, r, idemKey) {
		return
	}

	// Pre-screen before spending a store API call. Strictly above the
	// threshold: reuse alone must still reach the ownership conflict path.
	preRisk := h.fraud.Score(r.Context(), claim, false)
	if preRisk.Score > h.rejectScore {
		h.terminal(w, r, idemKey, http.StatusForbidden, errorBody("FRAUD_RISK_TOO_HIGH",
			"claim rejected by risk screening", preRisk))
		return
	}

	verdict := h.gateway.Validate(r.Context(), claim)
	if !verdict.OK {
		h.terminal(w, r, idemKey, http.StatusUnprocessableEntity, errorBody("VALIDATION_FAILED",
			verdict.Reason, preRisk))
		return
	}

	risk := h.fraud.Score(r.Context(), claim, verdict.Trusted)

	err := h.entitlements.ClaimOwnership(r.Context(), identity,
		claim.TransactionRef, verdict.TransactionID, verdict.OriginalTransactionID)
	if err != nil {
		if errors.Is(err, service.ErrTransactionReused) {
			h.terminal(w, r, idemKey, http.StatusConflict, errorBody("TRANSACTION_REUSED",
				"transaction already claimed by another user", risk))
			return
		}
		response.Error(w, apierror.InternalError("failed to record transaction ownership"))
		return
	}

	rec, err := h.entitlements.AcceptVerdict(r.Context(), identity, verdict, model.SourceStoreValidation, req.InstallID)
	if err != nil {
		response.Error(w, apierror.InternalError("failed to store entitlement"))
		return
	}

	body, _ := json.Marshal(response.Response{Success: true, Data: ValidateResponse{
		Entitlement: rec,
		Verdict:     verdict,
		Risk:        risk,
	}})
	h.writeAndCache(w, r, idemKey, http.StatusOK, body)
}

// idempotencyKey derives the replay key: the explicit header or body key
// when provided, otherwise the claim's identifying fields. The stored key
// always mixes in the resolved identity so a client-chosen key can never
// replay another user's cached response.
func (h *ValidateHandler) idempotencyKey(r *http.Request, req *ValidateRequest, identity string) string {
	key := r.Header.Get("X-Idempotency-Key")
	if key == "" {
		key = req.IdempotencyKey
	}
	if key == "" {
		key = req.Platform + "\x00" + req.TransactionRef
	}
	sum := sha256.Sum256([]byte(identity + "\x00" + key))
	return hex.EncodeToString(sum[:])
}

// replayIdempotent writes the cached response if one exists.
func (h *ValidateHandler) replayIdempotent(w http.ResponseWriter, r *http.Request, key string) bool {
	data, err := h.store.GetIdempotent(r.Context(), key)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			log.Printf("[Validate] Idempotency lookup failed: %v", err)
		}
		return false
	}

	var cached cachedResponse
	if err := json.Unmarshal(data, &cached); err != nil {
		log.Printf("[Validate] Discarding unreadable idempotency entry: %v", err)
		return false
	}

	w.Header().Set("X-Idempotent-Replay", "true")
	response.Raw(w, cached.Status, cached.Body)
	return true
}

// terminal writes an error outcome and caches it for replay. Failures are
// terminal too: a retried request must observe the same answer.
func (h *ValidateHandler) terminal(w http.ResponseWriter, r *http.Request, key string, status int, body []byte) {
	h.writeAndCache(w, r, key, status, body)
}

func (h *ValidateHandler) writeAndCache(w http.ResponseWriter, r *http.Request, key string, status int, body []byte) {
	entry, err := json.Marshal(cachedResponse{Status: status, Body: body})
	if err == nil {
		if perr := h.store.PutIdempotent(r.Context(), key, entry, h.idempotencyTTL); perr != nil {
			log.Printf("[Validate] Failed to cache response for replay: %v", perr)
		}
	}
	response.Raw(w, status, body)
}

// errorBody builds the uniform error response body with the risk assessment
// attached.
func errorBody(code, message string, risk model.RiskAssessment) []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"success": false,
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
		"risk": risk,
	})
	return body
}
