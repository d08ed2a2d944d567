package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/pocketpaw/pocketpaw/pkg/models"
)

// sessionCookieName matches the cookie set by /auth/login.
const sessionCookieName = "pocketpaw_session"

// handleAuthSession exchanges the master token for a session token.
func (s *Server) handleAuthSession(w http.ResponseWriter, r *http.Request) {
	if !s.masterPresented(r.Header.Get("Authorization")) {
		writeError(w, http.StatusUnauthorized, "master token required")
		return
	}

	token, expires, err := s.opts.Sessions.Issue()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "issue session token")
		return
	}
	hours := int(time.Until(expires).Round(time.Hour) / time.Hour)
	writeJSON(w, http.StatusOK, map[string]any{
		"session_token":    token,
		"expires_in_hours": hours,
	})
}

// handleAuthLogin verifies the master token from the body and sets the
// session cookie.
func (s *Server) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.masterPresented("Bearer " + req.Token) {
		if s.opts.Audit != nil {
			s.opts.Audit.Log(models.AuditWarning, "api", "login", "", "denied",
				map[string]any{"remote": r.RemoteAddr})
		}
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	token, expires, err := s.opts.Sessions.Issue()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "issue session token")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAuthLogout clears the session cookie.
func (s *Server) handleAuthLogout(w http.ResponseWriter, _ *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) masterPresented(header string) bool {
	master := s.opts.Settings.Get().MasterToken
	if master == "" {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	return subtle.ConstantTimeCompare([]byte(token), []byte(master)) == 1
}

func (s *Server) handleAPIKeyList(w http.ResponseWriter, r *http.Request) {
	if s.opts.Keys == nil {
		writeError(w, http.StatusServiceUnavailable, "api keys disabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": s.opts.Keys.List()})
}

// handleAPIKeyCreate mints a key; the plaintext appears only in this
// response.
func (s *Server) handleAPIKeyCreate(w http.ResponseWriter, r *http.Request) {
	if s.opts.Keys == nil {
		writeError(w, http.StatusServiceUnavailable, "api keys disabled")
		return
	}
	var req struct {
		Name      string    `json:"name"`
		Scopes    []string  `json:"scopes"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	scopes := make([]models.Scope, 0, len(req.Scopes))
	for _, sc := range req.Scopes {
		scopes = append(scopes, models.Scope(sc))
	}

	plaintext, record, err := s.opts.Keys.Create(req.Name, scopes, req.ExpiresAt)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.opts.Audit != nil {
		s.opts.Audit.Log(models.AuditInfo, "api", "api_key_create", record.ID, "ok",
			map[string]any{"name": record.Name})
	}
	writeJSON(w, http.StatusCreated, map[string]any{"key": plaintext, "record": record})
}

func (s *Server) handleAPIKeyRevoke(w http.ResponseWriter, r *http.Request) {
	if s.opts.Keys == nil {
		writeError(w, http.StatusServiceUnavailable, "api keys disabled")
		return
	}
	id := r.PathValue("id")
	if err := s.opts.Keys.Revoke(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if s.opts.Audit != nil {
		s.opts.Audit.Log(models.AuditInfo, "api", "api_key_revoke", id, "ok", nil)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (s *Server) handleAPIKeyRotate(w http.ResponseWriter, r *http.Request) {
	if s.opts.Keys == nil {
		writeError(w, http.StatusServiceUnavailable, "api keys disabled")
		return
	}
	id := r.PathValue("id")
	plaintext, record, err := s.opts.Keys.Rotate(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if s.opts.Audit != nil {
		s.opts.Audit.Log(models.AuditInfo, "api", "api_key_rotate", id, "ok", nil)
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": plaintext, "record": record})
}
