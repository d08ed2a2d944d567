package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pocketpaw/pocketpaw/pkg/models"
)

const (
	accessTokenPrefix  = "ppat_"
	refreshTokenPrefix = "pprt_"

	codeTTL        = 10 * time.Minute
	accessTokenTTL = time.Hour
)

// OAuth flow errors.
var (
	ErrCodeInvalid     = errors.New("authorization code invalid or expired")
	ErrCodeUsed        = errors.New("authorization code already used")
	ErrVerifierInvalid = errors.New("code verifier does not match challenge")
	ErrGrantInvalid    = errors.New("grant invalid or revoked")
)

// OAuthServer implements the local PKCE authorization server. Codes live in
// memory only; issued token pairs are persisted to oauth_tokens.json (0600).
type OAuthServer struct {
	path string

	mu     sync.Mutex
	codes  map[string]*models.AuthorizationCode
	tokens []models.OAuthToken

	now func() time.Time // test seam
}

// NewOAuthServer loads (or initializes) the token file under stateDir.
func NewOAuthServer(stateDir string) (*OAuthServer, error) {
	s := &OAuthServer{
		path:  filepath.Join(stateDir, "oauth_tokens.json"),
		codes: make(map[string]*models.AuthorizationCode),
		now:   time.Now,
	}

	data, err := os.ReadFile(s.path)
	switch {
	case os.IsNotExist(err):
		// first run
	case err != nil:
		return nil, fmt.Errorf("read oauth tokens: %w", err)
	default:
		if err := json.Unmarshal(data, &s.tokens); err != nil {
			return nil, fmt.Errorf("parse oauth tokens: %w", err)
		}
	}
	return s, nil
}

// Authorize records consent and mints a one-shot authorization code bound
// to the PKCE challenge. Only the S256 method is accepted.
func (s *OAuthServer) Authorize(clientID, redirectURI, scope, challenge, method string) (string, error) {
	if method != "S256" {
		return "", fmt.Errorf("unsupported code_challenge_method %q", method)
	}
	if challenge == "" {
		return "", errors.New("code_challenge is required")
	}

	code, err := randomToken("")
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneCodesLocked()
	s.codes[code] = &models.AuthorizationCode{
		Code:                code,
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		Scope:               scope,
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
		ExpiresAt:           s.now().Add(codeTTL),
	}
	return code, nil
}

// Exchange redeems an authorization code for a token pair. The code is
// marked used before any side effect, so a replay can never issue twice
// even if persistence fails mid-way.
func (s *OAuthServer) Exchange(code, verifier, clientID, redirectURI string) (models.OAuthToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ac := s.codes[code]
	if ac == nil || s.now().After(ac.ExpiresAt) {
		return models.OAuthToken{}, ErrCodeInvalid
	}
	if ac.Used {
		return models.OAuthToken{}, ErrCodeUsed
	}

	// Any failed attempt burns the code; only a successful redemption is
	// remembered for replay detection.
	if ac.ClientID != clientID {
		delete(s.codes, code)
		return models.OAuthToken{}, ErrCodeInvalid
	}
	// redirect_uri is optional on exchange; when sent it must match the
	// one bound at authorization time.
	if redirectURI != "" && ac.RedirectURI != redirectURI {
		delete(s.codes, code)
		return models.OAuthToken{}, ErrCodeInvalid
	}
	if challengeFromVerifier(verifier) != ac.CodeChallenge {
		delete(s.codes, code)
		return models.OAuthToken{}, ErrVerifierInvalid
	}
	ac.Used = true

	return s.issueLocked(ac.ClientID, ac.Scope)
}

// Refresh rotates a token pair. The old pair is revoked permanently.
func (s *OAuthServer) Refresh(refreshToken string) (models.OAuthToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.tokens {
		t := &s.tokens[i]
		if t.RefreshToken != refreshToken || t.Revoked {
			continue
		}
		t.Revoked = true
		return s.issueLocked(t.ClientID, t.Scope)
	}
	return models.OAuthToken{}, ErrGrantInvalid
}

// Revoke permanently disables the pair holding the given access or refresh
// token. Revoking an unknown token is not an error, per RFC 7009.
func (s *OAuthServer) Revoke(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.tokens {
		t := &s.tokens[i]
		if t.AccessToken == token || t.RefreshToken == token {
			t.Revoked = true
			return s.saveLocked()
		}
	}
	return nil
}

// VerifyAccess resolves an access token to its grant.
func (s *OAuthServer) VerifyAccess(accessToken string) (models.OAuthToken, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tokens {
		if t.AccessToken == accessToken && !t.Revoked && s.now().Before(t.ExpiresAt) {
			return t, true
		}
	}
	return models.OAuthToken{}, false
}

// issueLocked mints and persists a new token pair. Must hold s.mu.
func (s *OAuthServer) issueLocked(clientID, scope string) (models.OAuthToken, error) {
	access, err := randomToken(accessTokenPrefix)
	if err != nil {
		return models.OAuthToken{}, err
	}
	refresh, err := randomToken(refreshTokenPrefix)
	if err != nil {
		return models.OAuthToken{}, err
	}

	token := models.OAuthToken{
		AccessToken:  access,
		RefreshToken: refresh,
		ClientID:     clientID,
		Scope:        scope,
		CreatedAt:    s.now().UTC(),
		ExpiresAt:    s.now().Add(accessTokenTTL),
	}
	s.tokens = append(s.tokens, token)
	if err := s.saveLocked(); err != nil {
		return models.OAuthToken{}, err
	}
	return token, nil
}

// pruneCodesLocked drops expired codes. Must hold s.mu.
func (s *OAuthServer) pruneCodesLocked() {
	for code, ac := range s.codes {
		if s.now().After(ac.ExpiresAt) {
			delete(s.codes, code)
		}
	}
}

// saveLocked persists the token list. Must hold s.mu.
func (s *OAuthServer) saveLocked() error {
	data, err := json.MarshalIndent(s.tokens, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write oauth tokens: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// challengeFromVerifier computes BASE64URL-NOPAD(SHA256(verifier)).
func challengeFromVerifier(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func randomToken(prefix string) (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return prefix + base64.RawURLEncoding.EncodeToString(buf), nil
}
