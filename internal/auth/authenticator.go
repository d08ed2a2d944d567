package auth

import (
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/pocketpaw/pocketpaw/pkg/models"
)

// ErrUnauthorized is returned when no layer accepts the request.
var ErrUnauthorized = errors.New("unauthorized")

// Method names how a request was authenticated.
type Method string

const (
	MethodLocalhost Method = "localhost"
	MethodMaster    Method = "master"
	MethodSession   Method = "session"
	MethodAPIKey    Method = "api_key"
	MethodOAuth     Method = "oauth"
)

// Identity is the outcome of authentication. Full-access methods carry the
// admin scope, which satisfies every requirement.
type Identity struct {
	Method Method
	Name   string
	Scopes []models.Scope
}

// HasScope reports whether the identity satisfies a required scope.
func (id Identity) HasScope(required models.Scope) bool {
	for _, s := range id.Scopes {
		if s == models.ScopeAdmin || s == required {
			return true
		}
	}
	return false
}

// sessionCookieName is the HttpOnly cookie set by /auth/login.
const sessionCookieName = "pocketpaw_session"

// Authenticator resolves a request identity through the layered rules:
// localhost, master bearer, session token (header or cookie), API key, and
// OAuth access token, in that order.
type Authenticator struct {
	masterFn func() string
	sessions *SessionTokens
	keys     *KeyStore
	oauth    *OAuthServer
}

// NewAuthenticator wires the layers together. Any of keys and oauth may be
// nil to disable that layer.
func NewAuthenticator(masterFn func() string, sessions *SessionTokens, keys *KeyStore, oauth *OAuthServer) *Authenticator {
	return &Authenticator{masterFn: masterFn, sessions: sessions, keys: keys, oauth: oauth}
}

var adminScopes = []models.Scope{models.ScopeAdmin}

// Authenticate resolves the request to an identity or ErrUnauthorized.
func (a *Authenticator) Authenticate(r *http.Request) (Identity, error) {
	token := bearerToken(r)
	if token == "" {
		if c, err := r.Cookie(sessionCookieName); err == nil {
			token = c.Value
		}
	}

	if token != "" {
		if id, ok := a.resolveToken(token); ok {
			return id, nil
		}
		// A presented-but-invalid credential never falls back to the
		// localhost grant.
		return Identity{}, ErrUnauthorized
	}

	if isLocalhost(r.RemoteAddr) {
		return Identity{Method: MethodLocalhost, Scopes: adminScopes}, nil
	}
	return Identity{}, ErrUnauthorized
}

func (a *Authenticator) resolveToken(token string) (Identity, bool) {
	if master := a.masterFn(); master != "" &&
		subtle.ConstantTimeCompare([]byte(token), []byte(master)) == 1 {
		return Identity{Method: MethodMaster, Scopes: adminScopes}, true
	}

	switch {
	case strings.HasPrefix(token, apiKeyPrefix):
		if a.keys == nil {
			return Identity{}, false
		}
		record, ok := a.keys.Verify(token)
		if !ok {
			return Identity{}, false
		}
		return Identity{Method: MethodAPIKey, Name: record.Name, Scopes: record.Scopes}, true

	case strings.HasPrefix(token, accessTokenPrefix):
		if a.oauth == nil {
			return Identity{}, false
		}
		grant, ok := a.oauth.VerifyAccess(token)
		if !ok {
			return Identity{}, false
		}
		return Identity{Method: MethodOAuth, Name: grant.ClientID, Scopes: parseScopes(grant.Scope)}, true

	default:
		if a.sessions != nil && a.sessions.Verify(token) == nil {
			return Identity{Method: MethodSession, Scopes: adminScopes}, true
		}
		return Identity{}, false
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

func isLocalhost(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func parseScopes(scope string) []models.Scope {
	var out []models.Scope
	for _, s := range strings.Fields(scope) {
		out = append(out, models.Scope(s))
	}
	return out
}
