package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pocketpaw/pocketpaw/pkg/models"
)

func TestSessionTokenRoundTrip(t *testing.T) {
	master := "top-secret"
	s := NewSessionTokens(
		func() string { return master },
		func() time.Duration { return time.Hour },
	)

	token, expiresAt, err := s.Issue()
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if time.Until(expiresAt) < 55*time.Minute {
		t.Errorf("expiry too soon: %v", expiresAt)
	}
	if err := s.Verify(token); err != nil {
		t.Errorf("Verify: %v", err)
	}
}

func TestMasterRegenerationInvalidatesSessions(t *testing.T) {
	master := "first"
	s := NewSessionTokens(
		func() string { return master },
		func() time.Duration { return time.Hour },
	)
	token, _, err := s.Issue()
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	master = "second"
	if err := s.Verify(token); err == nil {
		t.Error("token survived master regeneration")
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	store, err := NewKeyStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewKeyStore: %v", err)
	}

	plaintext, record, err := store.Create("ci", []models.Scope{models.ScopeChat}, time.Time{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(plaintext) < 20 || plaintext[:3] != "pp_" {
		t.Errorf("plaintext = %q", plaintext)
	}
	if record.Prefix != plaintext[:12] {
		t.Errorf("prefix = %q", record.Prefix)
	}

	got, ok := store.Verify(plaintext)
	if !ok || got.Name != "ci" {
		t.Fatalf("Verify = (%+v, %v)", got, ok)
	}

	if err := store.Revoke(record.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, ok := store.Verify(plaintext); ok {
		t.Error("revoked key still verifies")
	}
}

func TestAPIKeyExpiry(t *testing.T) {
	store, _ := NewKeyStore(t.TempDir())
	plaintext, _, err := store.Create("old", nil, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, ok := store.Verify(plaintext); ok {
		t.Error("expired key still verifies")
	}
}

func TestAPIKeyRotate(t *testing.T) {
	store, _ := NewKeyStore(t.TempDir())
	oldPlain, record, _ := store.Create("svc", []models.Scope{models.ScopeMemory}, time.Time{})

	newPlain, rotated, err := store.Rotate(record.ID)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if newPlain == oldPlain {
		t.Error("rotate returned the same key material")
	}
	if rotated.Scopes[0] != models.ScopeMemory {
		t.Errorf("scopes lost in rotation: %+v", rotated)
	}
	if _, ok := store.Verify(oldPlain); ok {
		t.Error("old key material still verifies after rotation")
	}
	if _, ok := store.Verify(newPlain); !ok {
		t.Error("new key material does not verify")
	}
}

func TestAPIKeysPersist(t *testing.T) {
	dir := t.TempDir()
	store, _ := NewKeyStore(dir)
	plaintext, _, _ := store.Create("persisted", nil, time.Time{})

	store2, err := NewKeyStore(dir)
	if err != nil {
		t.Fatalf("NewKeyStore (reload): %v", err)
	}
	if _, ok := store2.Verify(plaintext); !ok {
		t.Error("key lost across reload")
	}
}

func TestPKCEExchange(t *testing.T) {
	srv, err := NewOAuthServer(t.TempDir())
	if err != nil {
		t.Fatalf("NewOAuthServer: %v", err)
	}

	verifier := "some-high-entropy-verifier-string"
	challenge := challengeFromVerifier(verifier)

	code, err := srv.Authorize("cli", "http://127.0.0.1:1234/cb", "chat", challenge, "S256")
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}

	token, err := srv.Exchange(code, verifier, "cli", "http://127.0.0.1:1234/cb")
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if token.AccessToken[:5] != "ppat_" || token.RefreshToken[:5] != "pprt_" {
		t.Errorf("token prefixes wrong: %+v", token)
	}

	// One-shot: a replay is reported distinctly from a bad code.
	if _, err := srv.Exchange(code, verifier, "cli", "http://127.0.0.1:1234/cb"); !errors.Is(err, ErrCodeUsed) {
		t.Errorf("replay err = %v, want ErrCodeUsed", err)
	}
}

func TestPKCEExchangeWithoutRedirectURI(t *testing.T) {
	srv, _ := NewOAuthServer(t.TempDir())
	code, _ := srv.Authorize("cli", "http://127.0.0.1:1234/cb", "chat", challengeFromVerifier("v"), "S256")

	// Clients may omit redirect_uri on exchange.
	if _, err := srv.Exchange(code, "v", "cli", ""); err != nil {
		t.Fatalf("Exchange without redirect_uri: %v", err)
	}
}

func TestPKCEExchangeMismatchedRedirectURI(t *testing.T) {
	srv, _ := NewOAuthServer(t.TempDir())
	code, _ := srv.Authorize("cli", "http://127.0.0.1:1234/cb", "chat", challengeFromVerifier("v"), "S256")

	if _, err := srv.Exchange(code, "v", "cli", "http://evil.example/cb"); err != ErrCodeInvalid {
		t.Errorf("err = %v, want ErrCodeInvalid", err)
	}
}

func TestPKCEWrongVerifier(t *testing.T) {
	srv, _ := NewOAuthServer(t.TempDir())
	code, _ := srv.Authorize("cli", "uri", "chat", challengeFromVerifier("right"), "S256")

	if _, err := srv.Exchange(code, "wrong", "cli", "uri"); err != ErrVerifierInvalid {
		t.Errorf("err = %v, want ErrVerifierInvalid", err)
	}
	// The failed attempt consumed the code.
	if _, err := srv.Exchange(code, "right", "cli", "uri"); err != ErrCodeInvalid {
		t.Errorf("err after burn = %v, want ErrCodeInvalid", err)
	}
}

func TestPKCECodeExpiry(t *testing.T) {
	srv, _ := NewOAuthServer(t.TempDir())
	code, _ := srv.Authorize("cli", "uri", "chat", challengeFromVerifier("v"), "S256")

	srv.now = func() time.Time { return time.Now().Add(11 * time.Minute) }
	if _, err := srv.Exchange(code, "v", "cli", "uri"); err != ErrCodeInvalid {
		t.Errorf("err = %v, want ErrCodeInvalid", err)
	}
}

func TestRefreshRotatesAndRevokes(t *testing.T) {
	srv, _ := NewOAuthServer(t.TempDir())
	verifier := "v"
	code, _ := srv.Authorize("cli", "uri", "chat", challengeFromVerifier(verifier), "S256")
	first, _ := srv.Exchange(code, verifier, "cli", "uri")

	second, err := srv.Refresh(first.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if _, ok := srv.VerifyAccess(first.AccessToken); ok {
		t.Error("old access token survives refresh")
	}
	if _, ok := srv.VerifyAccess(second.AccessToken); !ok {
		t.Error("new access token invalid")
	}
	// The consumed refresh token is dead.
	if _, err := srv.Refresh(first.RefreshToken); err == nil {
		t.Error("old refresh token reusable")
	}
}

func TestRevokeIsPermanent(t *testing.T) {
	srv, _ := NewOAuthServer(t.TempDir())
	code, _ := srv.Authorize("cli", "uri", "chat", challengeFromVerifier("v"), "S256")
	token, _ := srv.Exchange(code, "v", "cli", "uri")

	if err := srv.Revoke(token.AccessToken); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, ok := srv.VerifyAccess(token.AccessToken); ok {
		t.Error("revoked access token verifies")
	}
	if _, err := srv.Refresh(token.RefreshToken); err == nil {
		t.Error("revoked pair refreshable")
	}
}

func newTestAuthenticator(t *testing.T) (*Authenticator, *KeyStore, *OAuthServer) {
	t.Helper()
	keys, err := NewKeyStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewKeyStore: %v", err)
	}
	oauth, err := NewOAuthServer(t.TempDir())
	if err != nil {
		t.Fatalf("NewOAuthServer: %v", err)
	}
	sessions := NewSessionTokens(
		func() string { return "master-token" },
		func() time.Duration { return time.Hour },
	)
	return NewAuthenticator(func() string { return "master-token" }, sessions, keys, oauth), keys, oauth
}

func request(remoteAddr, bearer string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	r.RemoteAddr = remoteAddr
	if bearer != "" {
		r.Header.Set("Authorization", "Bearer "+bearer)
	}
	return r
}

func TestAuthenticateLayers(t *testing.T) {
	a, keys, _ := newTestAuthenticator(t)

	// Localhost without credentials gets full access.
	id, err := a.Authenticate(request("127.0.0.1:54321", ""))
	if err != nil || id.Method != MethodLocalhost || !id.HasScope(models.ScopeSettingsWrite) {
		t.Errorf("localhost = (%+v, %v)", id, err)
	}

	// Remote without credentials is refused.
	if _, err := a.Authenticate(request("10.0.0.8:1000", "")); err == nil {
		t.Error("remote unauthenticated request allowed")
	}

	// Master bearer gets full access from anywhere.
	id, err = a.Authenticate(request("10.0.0.8:1000", "master-token"))
	if err != nil || id.Method != MethodMaster {
		t.Errorf("master = (%+v, %v)", id, err)
	}

	// Scoped API key.
	plaintext, _, _ := keys.Create("bot", []models.Scope{models.ScopeChat}, time.Time{})
	id, err = a.Authenticate(request("10.0.0.8:1000", plaintext))
	if err != nil || id.Method != MethodAPIKey {
		t.Fatalf("api key = (%+v, %v)", id, err)
	}
	if !id.HasScope(models.ScopeChat) || id.HasScope(models.ScopeSettingsWrite) {
		t.Errorf("api key scopes wrong: %+v", id)
	}
}

func TestMasterTokenNearMissRejected(t *testing.T) {
	a, _, _ := newTestAuthenticator(t)
	for _, tok := range []string{"master-toke", "master-tokenX", "Master-token"} {
		if _, err := a.Authenticate(request("10.0.0.8:1000", tok)); err == nil {
			t.Errorf("near-miss token %q accepted", tok)
		}
	}
}

func TestInvalidBearerDoesNotFallBackToLocalhost(t *testing.T) {
	a, _, _ := newTestAuthenticator(t)
	if _, err := a.Authenticate(request("127.0.0.1:54321", "pp_bogus")); err == nil {
		t.Error("invalid credential from localhost was accepted")
	}
}

func TestOAuthAccessTokenIdentity(t *testing.T) {
	a, _, oauth := newTestAuthenticator(t)
	code, _ := oauth.Authorize("webapp", "uri", "chat memory", challengeFromVerifier("v"), "S256")
	token, _ := oauth.Exchange(code, "v", "webapp", "uri")

	id, err := a.Authenticate(request("10.0.0.8:1000", token.AccessToken))
	if err != nil || id.Method != MethodOAuth {
		t.Fatalf("oauth = (%+v, %v)", id, err)
	}
	if !id.HasScope(models.ScopeChat) || !id.HasScope(models.ScopeMemory) || id.HasScope(models.ScopeAdmin) {
		t.Errorf("oauth scopes wrong: %+v", id)
	}
}

func TestSessionCookieAuthenticates(t *testing.T) {
	a, _, _ := newTestAuthenticator(t)
	token, _, err := a.sessions.Issue()
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	r := request("10.0.0.8:1000", "")
	r.AddCookie(&http.Cookie{Name: sessionCookieName, Value: token})
	id, err := a.Authenticate(r)
	if err != nil || id.Method != MethodSession {
		t.Errorf("cookie session = (%+v, %v)", id, err)
	}
}
