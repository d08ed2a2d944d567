package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/oauth2"

	"github.com/pocketpaw/pocketpaw/pkg/models"
)

// refreshEarly refreshes integration tokens this long before expiry so a
// token never goes stale mid-request.
const refreshEarly = 60 * time.Second

// IntegrationAuditor records security findings; *audit.Logger satisfies it.
type IntegrationAuditor interface {
	Log(severity models.AuditSeverity, actor, action, target, status string, ctx map[string]any)
}

// IntegrationTokens stores third-party OAuth tokens, one file per service
// under oauth/ (0600). Tokens are refreshed through golang.org/x/oauth2
// shortly before expiry and the refreshed token is persisted.
type IntegrationTokens struct {
	dir   string
	audit IntegrationAuditor
}

// NewIntegrationTokens creates the store under stateDir/oauth.
func NewIntegrationTokens(stateDir string, audit IntegrationAuditor) (*IntegrationTokens, error) {
	dir := filepath.Join(stateDir, "oauth")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create oauth dir: %w", err)
	}
	return &IntegrationTokens{dir: dir, audit: audit}, nil
}

// Save persists a token for the service.
func (s *IntegrationTokens) Save(service string, token *oauth2.Token) error {
	data, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		return err
	}
	path := s.tokenPath(service)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s token: %w", service, err)
	}
	return os.Rename(tmp, path)
}

// Token loads the service's token, refreshing it when it expires within
// refreshEarly. Group- or world-readable token files are refused and
// recorded as a security finding.
func (s *IntegrationTokens) Token(ctx context.Context, service string, cfg *oauth2.Config) (*oauth2.Token, error) {
	path := s.tokenPath(service)

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s token: %w", service, err)
	}
	if mode := info.Mode().Perm(); mode&0o077 != 0 {
		if s.audit != nil {
			s.audit.Log(models.AuditCritical, "auth", "integration_token_check", service, "refused",
				map[string]any{"mode": fmt.Sprintf("%o", mode)})
		}
		return nil, fmt.Errorf("%s token file is group/world readable (%o), refusing to use it", service, mode)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s token: %w", service, err)
	}
	var token oauth2.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("parse %s token: %w", service, err)
	}

	if token.Expiry.IsZero() || time.Until(token.Expiry) > refreshEarly {
		return &token, nil
	}

	refreshed, err := cfg.TokenSource(ctx, &token).Token()
	if err != nil {
		return nil, fmt.Errorf("refresh %s token: %w", service, err)
	}
	if refreshed.AccessToken != token.AccessToken {
		if err := s.Save(service, refreshed); err != nil {
			return nil, err
		}
	}
	return refreshed, nil
}

// Delete removes the service's token file.
func (s *IntegrationTokens) Delete(service string) error {
	err := os.Remove(s.tokenPath(service))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (s *IntegrationTokens) tokenPath(service string) string {
	return filepath.Join(s.dir, service+".json")
}
