package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pocketpaw/pocketpaw/pkg/models"
)

// apiKeyPrefix marks plaintext API keys. Only the sha-256 hash is stored.
const apiKeyPrefix = "pp_"

// ErrKeyNotFound is returned when no API key record matches the given ID.
var ErrKeyNotFound = errors.New("api key not found")

// KeyStore manages scoped API keys persisted to api_keys.json (0600).
type KeyStore struct {
	path string

	mu      sync.Mutex
	records []models.APIKeyRecord
}

// NewKeyStore loads (or initializes) the key file under stateDir.
func NewKeyStore(stateDir string) (*KeyStore, error) {
	s := &KeyStore{path: filepath.Join(stateDir, "api_keys.json")}

	data, err := os.ReadFile(s.path)
	switch {
	case os.IsNotExist(err):
		// first run
	case err != nil:
		return nil, fmt.Errorf("read api keys: %w", err)
	default:
		if err := json.Unmarshal(data, &s.records); err != nil {
			return nil, fmt.Errorf("parse api keys: %w", err)
		}
	}
	return s, nil
}

// Create mints a new key. The plaintext is returned exactly once; only its
// hash is stored. A zero expiresAt means the key does not expire.
func (s *KeyStore) Create(name string, scopes []models.Scope, expiresAt time.Time) (string, models.APIKeyRecord, error) {
	plaintext, err := newKeyMaterial()
	if err != nil {
		return "", models.APIKeyRecord{}, err
	}

	record := models.APIKeyRecord{
		ID:        uuid.NewString(),
		Name:      name,
		KeyHash:   hashKey(plaintext),
		Prefix:    plaintext[:12],
		Scopes:    scopes,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: expiresAt,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	if err := s.saveLocked(); err != nil {
		s.records = s.records[:len(s.records)-1]
		return "", models.APIKeyRecord{}, err
	}
	return plaintext, record, nil
}

// Verify resolves a plaintext key to its record. Revoked and expired keys
// fail. LastUsedAt is updated best-effort.
func (s *KeyStore) Verify(plaintext string) (models.APIKeyRecord, bool) {
	if !strings.HasPrefix(plaintext, apiKeyPrefix) {
		return models.APIKeyRecord{}, false
	}
	hash := hashKey(plaintext)

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.records {
		r := &s.records[i]
		if r.KeyHash != hash || r.Revoked {
			continue
		}
		if !r.ExpiresAt.IsZero() && time.Now().After(r.ExpiresAt) {
			return models.APIKeyRecord{}, false
		}
		r.LastUsedAt = time.Now().UTC()
		_ = s.saveLocked() // usage timestamp is advisory
		return *r, true
	}
	return models.APIKeyRecord{}, false
}

// Revoke permanently disables a key.
func (s *KeyStore) Revoke(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.records {
		if s.records[i].ID == id {
			s.records[i].Revoked = true
			return s.saveLocked()
		}
	}
	return ErrKeyNotFound
}

// Rotate replaces the key material of an existing record, keeping its name
// and scopes, and returns the new plaintext.
func (s *KeyStore) Rotate(id string) (string, models.APIKeyRecord, error) {
	plaintext, err := newKeyMaterial()
	if err != nil {
		return "", models.APIKeyRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.records {
		r := &s.records[i]
		if r.ID != id {
			continue
		}
		if r.Revoked {
			return "", models.APIKeyRecord{}, errors.New("cannot rotate a revoked key")
		}
		r.KeyHash = hashKey(plaintext)
		r.Prefix = plaintext[:12]
		r.CreatedAt = time.Now().UTC()
		r.LastUsedAt = time.Time{}
		if err := s.saveLocked(); err != nil {
			return "", models.APIKeyRecord{}, err
		}
		return plaintext, *r, nil
	}
	return "", models.APIKeyRecord{}, ErrKeyNotFound
}

// List returns every record, including revoked ones.
func (s *KeyStore) List() []models.APIKeyRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.APIKeyRecord, len(s.records))
	copy(out, s.records)
	return out
}

// saveLocked persists the records. Must hold s.mu.
func (s *KeyStore) saveLocked() error {
	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write api keys: %w", err)
	}
	return os.Rename(tmp, s.path)
}

func newKeyMaterial() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return apiKeyPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

func hashKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}
