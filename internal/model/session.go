package model

// SessionTokenPayload is the signed body of a session token. It binds a
// request to an installation and user identity and is never mutated
// server-side after issuance.
type SessionTokenPayload struct {
	Version   int    `json:"v"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
	TokenID   string `json:"jti"`
	Identity  string `json:"identity,omitempty"`
	InstallID string `json:"install_id,omitempty"`
	Platform  string `json:"platform,omitempty"`
}
