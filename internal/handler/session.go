package handler

import (
	"encoding/json"
	"net/http"

	"entitlements-api/internal/service"
	"entitlements-api/pkg/apierror"
	"entitlements-api/pkg/response"
)

// SessionHandler handles session token issuance.
type SessionHandler struct {
	sessions *service.SessionService
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(sessions *service.SessionService) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

// SessionRequest represents the request body for session creation.
type SessionRequest struct {
	Identity  string `json:"identity"`
	InstallID string `json:"install_id"`
	Platform  string `json:"platform"`
}

// SessionResponse represents the issued session token.
type SessionResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
}

// Create handles POST /auth/session
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil || !h.sessions.Enabled() {
		response.Error(w, apierror.New(http.StatusServiceUnavailable, "SESSION_DISABLED",
			"Session tokens are not enabled on this server"))
		return
	}

	var req SessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierror.BadRequest("invalid request body"))
		return
	}
	defer r.Body.Close()

	if req.InstallID == "" {
		response.Error(w, apierror.BadRequest("install_id is required"))
		return
	}

	token, _, err := h.sessions.Issue(req.Identity, req.InstallID, req.Platform)
	if err != nil {
		response.Error(w, apierror.InternalError("failed to issue session token"))
		return
	}

	response.OK(w, SessionResponse{
		Token:     token,
		ExpiresIn: int64(h.sessions.TTL().Seconds()),
	})
}
