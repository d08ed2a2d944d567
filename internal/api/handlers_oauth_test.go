package api

import (
	"crypto/sha256"
	"encoding/base64"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"
)

// noRedirect returns the 302 instead of following it.
var noRedirect = &http.Client{
	CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	},
}

func pkcePair() (verifier, challenge string) {
	verifier = "test-verifier-0123456789-0123456789-0123456789"
	sum := sha256.Sum256([]byte(verifier))
	return verifier, base64.RawURLEncoding.EncodeToString(sum[:])
}

func authorizeCode(t *testing.T, env *testEnv, challenge string) string {
	t.Helper()
	form := url.Values{
		"client_id":             {"test-app"},
		"redirect_uri":          {"http://localhost:9999/callback"},
		"scope":                 {"chat"},
		"state":                 {"xyz"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
		"action":                {"allow"},
	}
	resp, err := noRedirect.PostForm(env.server.URL+"/oauth/authorize/consent", form)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("consent status = %d", resp.StatusCode)
	}
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	if loc.Query().Get("state") != "xyz" {
		t.Errorf("state not echoed: %s", loc)
	}
	code := loc.Query().Get("code")
	if code == "" {
		t.Fatalf("no code in redirect: %s", loc)
	}
	return code
}

func TestAuthorizePageRendersConsent(t *testing.T) {
	env := newTestEnv(t)

	_, challenge := pkcePair()
	resp := env.get(t, "/oauth/authorize?client_id=test-app&redirect_uri="+
		url.QueryEscape("http://localhost:9999/callback")+"&code_challenge="+challenge)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "test-app") {
		t.Errorf("consent page missing client id")
	}
}

func TestAuthorizeRejectsMissingChallenge(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/oauth/authorize?client_id=test-app&redirect_uri=http://x")
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestDenyRedirectsWithError(t *testing.T) {
	env := newTestEnv(t)

	form := url.Values{
		"redirect_uri": {"http://localhost:9999/callback"},
		"state":        {"s1"},
		"action":       {"deny"},
	}
	resp, err := noRedirect.PostForm(env.server.URL+"/oauth/authorize/consent", form)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	loc, _ := url.Parse(resp.Header.Get("Location"))
	if loc.Query().Get("error") != "access_denied" {
		t.Errorf("redirect = %s", loc)
	}
}

func TestFullPKCEFlow(t *testing.T) {
	env := newTestEnv(t)
	verifier, challenge := pkcePair()
	code := authorizeCode(t, env, challenge)

	// Exchange the code.
	resp, err := http.PostForm(env.server.URL+"/oauth/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {verifier},
		"client_id":     {"test-app"},
		"redirect_uri":  {"http://localhost:9999/callback"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("token status = %d", resp.StatusCode)
	}
	var grant struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		TokenType    string `json:"token_type"`
	}
	decodeBody(t, resp, &grant)
	if grant.AccessToken == "" || grant.TokenType != "Bearer" {
		t.Fatalf("grant = %+v", grant)
	}

	// Replaying the one-shot code fails with the replay-specific detail.
	replay, _ := http.PostForm(env.server.URL+"/oauth/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {verifier},
		"client_id":     {"test-app"},
		"redirect_uri":  {"http://localhost:9999/callback"},
	})
	if replay.StatusCode != http.StatusBadRequest {
		t.Errorf("code replay status = %d", replay.StatusCode)
	}
	var replayBody struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	decodeBody(t, replay, &replayBody)
	if replayBody.Error != "invalid_grant" || replayBody.Detail != "code_already_used" {
		t.Errorf("replay body = %+v", replayBody)
	}

	// Refresh rotates the pair.
	refresh, _ := http.PostForm(env.server.URL+"/oauth/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {grant.RefreshToken},
	})
	if refresh.StatusCode != http.StatusOK {
		t.Fatalf("refresh status = %d", refresh.StatusCode)
	}
	var refreshed struct {
		AccessToken string `json:"access_token"`
	}
	decodeBody(t, refresh, &refreshed)
	if refreshed.AccessToken == "" || refreshed.AccessToken == grant.AccessToken {
		t.Errorf("refresh did not rotate the access token")
	}

	// Revoke the refreshed token.
	revoke := env.post(t, "/oauth/revoke", map[string]string{"token": refreshed.AccessToken})
	revoke.Body.Close()
	if revoke.StatusCode != http.StatusOK {
		t.Errorf("revoke status = %d", revoke.StatusCode)
	}
}

func TestExchangeWithoutRedirectURI(t *testing.T) {
	env := newTestEnv(t)
	verifier, challenge := pkcePair()
	code := authorizeCode(t, env, challenge)

	// redirect_uri is optional on exchange.
	resp, err := http.PostForm(env.server.URL+"/oauth/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {verifier},
		"client_id":     {"test-app"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("token status = %d", resp.StatusCode)
	}
	var grant struct {
		AccessToken string `json:"access_token"`
	}
	decodeBody(t, resp, &grant)
	if grant.AccessToken == "" {
		t.Fatal("no access token issued")
	}
}

func TestExchangeWithMismatchedRedirectURIFails(t *testing.T) {
	env := newTestEnv(t)
	verifier, challenge := pkcePair()
	code := authorizeCode(t, env, challenge)

	resp, _ := http.PostForm(env.server.URL+"/oauth/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {verifier},
		"client_id":     {"test-app"},
		"redirect_uri":  {"http://attacker.example/callback"},
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestExchangeWithWrongVerifierFails(t *testing.T) {
	env := newTestEnv(t)
	_, challenge := pkcePair()
	code := authorizeCode(t, env, challenge)

	resp, _ := http.PostForm(env.server.URL+"/oauth/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {"completely-wrong-verifier-value-here"},
		"client_id":     {"test-app"},
		"redirect_uri":  {"http://localhost:9999/callback"},
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
