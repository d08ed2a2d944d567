package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pocketpaw/pocketpaw/pkg/models"
)

// defaultSessionTitle is the title given to sessions until they are renamed.
const defaultSessionTitle = "Untitled"

// AppendSessionMessage stores one conversation message as a session memory
// entry and updates the session index.
func (s *Store) AppendSessionMessage(ctx context.Context, sessionKey string, channel models.Channel, role, content string) (models.MemoryEntry, error) {
	entry, err := s.Save(ctx, models.MemoryEntry{
		Type:       models.MemorySession,
		Content:    content,
		Role:       role,
		SessionKey: sessionKey,
	})
	if err != nil {
		return models.MemoryEntry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.sessions[sessionKey]
	if !ok {
		info = models.SessionInfo{
			Key:     sessionKey,
			Title:   defaultSessionTitle,
			Channel: channel,
		}
	}
	info.MessageCount++
	info.LastActivity = entry.CreatedAt
	if channel != "" {
		info.Channel = channel
	}
	s.sessions[sessionKey] = info

	if err := s.saveSessionIndexLocked(); err != nil {
		return models.MemoryEntry{}, err
	}
	return entry, nil
}

// GetSession returns the session's messages in chronological order.
func (s *Store) GetSession(ctx context.Context, sessionKey string) ([]models.MemoryEntry, error) {
	dir := filepath.Join(s.root, string(models.MemorySession), sessionDir(sessionKey))
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []models.MemoryEntry
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		entry, err := readEntry(filepath.Join(dir, f.Name()))
		if err != nil {
			s.logger.Warn("skipping unreadable session entry", "path", f.Name(), "error", err)
			continue
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ClearSession deletes the session's messages and its index record.
func (s *Store) ClearSession(ctx context.Context, sessionKey string) error {
	dir := filepath.Join(s.root, string(models.MemorySession), sessionDir(sessionKey))
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionKey)
	return s.saveSessionIndexLocked()
}

// ListSessions returns the session index, most recently active first.
func (s *Store) ListSessions(ctx context.Context) []models.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.SessionInfo, 0, len(s.sessions))
	for _, info := range s.sessions {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity.After(out[j].LastActivity) })
	return out
}

// SessionInfo returns the index record for one session.
func (s *Store) SessionInfo(sessionKey string) (models.SessionInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.sessions[sessionKey]
	return info, ok
}

// RenameSession sets the session's title.
func (s *Store) RenameSession(ctx context.Context, sessionKey, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.sessions[sessionKey]
	if !ok {
		return ErrNotFound
	}
	info.Title = title
	s.sessions[sessionKey] = info
	return s.saveSessionIndexLocked()
}

// TouchSession records activity for sessions that exist without stored
// messages yet, so they appear in listings.
func (s *Store) TouchSession(sessionKey string, channel models.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.sessions[sessionKey]
	if !ok {
		info = models.SessionInfo{
			Key:     sessionKey,
			Title:   defaultSessionTitle,
			Channel: channel,
		}
	}
	info.LastActivity = time.Now().UTC()
	s.sessions[sessionKey] = info
	if err := s.saveSessionIndexLocked(); err != nil {
		s.logger.Warn("session index write failed", "error", err)
	}
}

func (s *Store) sessionIndexPath() string {
	return filepath.Join(s.root, "index.json")
}

func (s *Store) loadSessionIndex() error {
	data, err := os.ReadFile(s.sessionIndexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read session index: %w", err)
	}
	if err := json.Unmarshal(data, &s.sessions); err != nil {
		return fmt.Errorf("parse session index: %w", err)
	}
	return nil
}

// saveSessionIndexLocked persists the index. Must hold s.mu.
func (s *Store) saveSessionIndexLocked() error {
	data, err := json.MarshalIndent(s.sessions, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.sessionIndexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write session index: %w", err)
	}
	return os.Rename(tmp, s.sessionIndexPath())
}
