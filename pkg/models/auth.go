package models

import "time"

// Scope names an API capability grant.
type Scope string

const (
	ScopeChat          Scope = "chat"
	ScopeSessions      Scope = "sessions"
	ScopeSettingsRead  Scope = "settings:read"
	ScopeSettingsWrite Scope = "settings:write"
	ScopeChannels      Scope = "channels"
	ScopeMemory        Scope = "memory"
	ScopeAdmin         Scope = "admin"
)

// APIKeyRecord is a long-lived scoped bearer credential. Only the sha-256
// hash is stored; the plaintext is derivable only at creation time.
type APIKeyRecord struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	KeyHash    string    `json:"key_hash"`
	Prefix     string    `json:"prefix"` // first 12 chars, for display
	Scopes     []Scope   `json:"scopes"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at,omitzero"`
	ExpiresAt  time.Time `json:"expires_at,omitzero"`
	Revoked    bool      `json:"revoked"`
}

// OAuthToken is a token pair issued by the local PKCE authorization server.
type OAuthToken struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ClientID     string    `json:"client_id"`
	Scope        string    `json:"scope"`
	ExpiresAt    time.Time `json:"expires_at"`
	CreatedAt    time.Time `json:"created_at"`
	Revoked      bool      `json:"revoked"`
}

// AuthorizationCode is the short-lived one-shot code of the PKCE flow.
// Codes live in memory only and are marked used before any side effect.
type AuthorizationCode struct {
	Code                string    `json:"code"`
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	Scope               string    `json:"scope"`
	CodeChallenge       string    `json:"code_challenge"`
	CodeChallengeMethod string    `json:"code_challenge_method"`
	Used                bool      `json:"used"`
	ExpiresAt           time.Time `json:"expires_at"`
}
