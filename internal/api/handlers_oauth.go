package api

import (
	"errors"
	"html/template"
	"net/http"
	"net/url"
	"time"

	"github.com/pocketpaw/pocketpaw/internal/auth"
	"github.com/pocketpaw/pocketpaw/pkg/models"
)

// consentTemplate is the minimal PKCE consent page. The runtime is
// single-user, so the form only confirms the requesting client and scope.
var consentTemplate = template.Must(template.New("consent").Parse(`<!DOCTYPE html>
<html>
<head><title>pocketpaw — authorize</title></head>
<body>
<h1>Authorize {{.ClientID}}</h1>
<p>The application <strong>{{.ClientID}}</strong> requests access with scope: <code>{{.Scope}}</code></p>
<form method="POST" action="/oauth/authorize/consent">
  <input type="hidden" name="client_id" value="{{.ClientID}}">
  <input type="hidden" name="redirect_uri" value="{{.RedirectURI}}">
  <input type="hidden" name="scope" value="{{.Scope}}">
  <input type="hidden" name="state" value="{{.State}}">
  <input type="hidden" name="code_challenge" value="{{.CodeChallenge}}">
  <input type="hidden" name="code_challenge_method" value="{{.ChallengeMethod}}">
  <button type="submit" name="action" value="allow">Allow</button>
  <button type="submit" name="action" value="deny">Deny</button>
</form>
</body>
</html>`))

type consentParams struct {
	ClientID        string
	RedirectURI     string
	Scope           string
	State           string
	CodeChallenge   string
	ChallengeMethod string
}

// handleOAuthAuthorize renders the consent form.
func (s *Server) handleOAuthAuthorize(w http.ResponseWriter, r *http.Request) {
	if s.opts.OAuth == nil {
		writeError(w, http.StatusServiceUnavailable, "oauth disabled")
		return
	}
	q := r.URL.Query()
	params := consentParams{
		ClientID:        q.Get("client_id"),
		RedirectURI:     q.Get("redirect_uri"),
		Scope:           q.Get("scope"),
		State:           q.Get("state"),
		CodeChallenge:   q.Get("code_challenge"),
		ChallengeMethod: q.Get("code_challenge_method"),
	}
	if params.ClientID == "" || params.RedirectURI == "" || params.CodeChallenge == "" {
		writeError(w, http.StatusBadRequest, "client_id, redirect_uri and code_challenge are required")
		return
	}
	if _, err := url.ParseRequestURI(params.RedirectURI); err != nil {
		writeError(w, http.StatusBadRequest, "invalid redirect_uri")
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	consentTemplate.Execute(w, params)
}

// handleOAuthConsent resolves the form: allow issues a one-shot code,
// deny redirects with an error. Both paths 302 back to the client.
func (s *Server) handleOAuthConsent(w http.ResponseWriter, r *http.Request) {
	if s.opts.OAuth == nil {
		writeError(w, http.StatusServiceUnavailable, "oauth disabled")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form")
		return
	}

	redirectURI := r.PostFormValue("redirect_uri")
	target, err := url.ParseRequestURI(redirectURI)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid redirect_uri")
		return
	}
	state := r.PostFormValue("state")

	redirect := func(values url.Values) {
		if state != "" {
			values.Set("state", state)
		}
		target.RawQuery = values.Encode()
		http.Redirect(w, r, target.String(), http.StatusFound)
	}

	if r.PostFormValue("action") != "allow" {
		redirect(url.Values{"error": {"access_denied"}})
		return
	}

	code, err := s.opts.OAuth.Authorize(
		r.PostFormValue("client_id"),
		redirectURI,
		r.PostFormValue("scope"),
		r.PostFormValue("code_challenge"),
		r.PostFormValue("code_challenge_method"),
	)
	if err != nil {
		redirect(url.Values{"error": {"invalid_request"}})
		return
	}
	if s.opts.Audit != nil {
		s.opts.Audit.Log(models.AuditInfo, "api", "oauth_authorize",
			r.PostFormValue("client_id"), "ok", nil)
	}
	redirect(url.Values{"code": {code}})
}

// handleOAuthToken exchanges a code or refresh token for a token pair.
func (s *Server) handleOAuthToken(w http.ResponseWriter, r *http.Request) {
	if s.opts.OAuth == nil {
		writeError(w, http.StatusServiceUnavailable, "oauth disabled")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form")
		return
	}

	var (
		token models.OAuthToken
		err   error
	)
	switch grant := r.PostFormValue("grant_type"); grant {
	case "authorization_code":
		token, err = s.opts.OAuth.Exchange(
			r.PostFormValue("code"),
			r.PostFormValue("code_verifier"),
			r.PostFormValue("client_id"),
			r.PostFormValue("redirect_uri"),
		)
	case "refresh_token":
		token, err = s.opts.OAuth.Refresh(r.PostFormValue("refresh_token"))
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		return
	}
	if err != nil {
		body := map[string]string{
			"error":             "invalid_grant",
			"error_description": err.Error(),
		}
		if errors.Is(err, auth.ErrCodeUsed) {
			body["detail"] = "code_already_used"
		}
		writeJSON(w, http.StatusBadRequest, body)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  token.AccessToken,
		"refresh_token": token.RefreshToken,
		"token_type":    "Bearer",
		"expires_in":    int(time.Until(token.ExpiresAt).Seconds()),
		"scope":         token.Scope,
	})
}

// handleOAuthRevoke invalidates an access or refresh token.
func (s *Server) handleOAuthRevoke(w http.ResponseWriter, r *http.Request) {
	if s.opts.OAuth == nil {
		writeError(w, http.StatusServiceUnavailable, "oauth disabled")
		return
	}
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.opts.OAuth.Revoke(req.Token); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}
