// Package memory implements the persistent memory manager: long-term and
// daily notes plus per-session conversation history, stored as one JSON
// file per entry under a type-partitioned tree with a session index for
// fast listing. An optional SQLite index accelerates search; it is
// best-effort and the store always falls back to a file scan.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pocketpaw/pocketpaw/pkg/models"
)

// ErrNotFound is returned when no entry exists with the requested ID.
var ErrNotFound = errors.New("memory entry not found")

// SearchIndex accelerates content search. Implementations are best-effort:
// any error makes the store fall back to scanning files.
type SearchIndex interface {
	Index(entry models.MemoryEntry) error
	Remove(id string) error
	Search(ctx context.Context, query string, limit int) ([]string, error)
	Close() error
}

// Store is the memory manager over a type-partitioned file tree.
type Store struct {
	root   string
	logger *slog.Logger
	index  SearchIndex

	mu       sync.Mutex
	sessions map[string]models.SessionInfo
}

// NewStore opens (or initializes) the memory tree under root. index may be
// nil to disable indexed search.
func NewStore(root string, index SearchIndex, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, t := range []models.MemoryType{models.MemoryLongTerm, models.MemoryDaily, models.MemorySession} {
		if err := os.MkdirAll(filepath.Join(root, string(t)), 0o700); err != nil {
			return nil, fmt.Errorf("create memory dir: %w", err)
		}
	}

	s := &Store{
		root:     root,
		logger:   logger.With("component", "memory"),
		index:    index,
		sessions: make(map[string]models.SessionInfo),
	}
	if err := s.loadSessionIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

// Save persists an entry, assigning ID and timestamps when absent.
func (s *Store) Save(ctx context.Context, entry models.MemoryEntry) (models.MemoryEntry, error) {
	if entry.Type == "" {
		entry.Type = models.MemoryLongTerm
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now

	if err := s.writeEntry(entry); err != nil {
		return models.MemoryEntry{}, err
	}

	if s.index != nil {
		if err := s.index.Index(entry); err != nil {
			s.logger.Warn("search index update failed", "error", err, "id", entry.ID)
		}
	}
	return entry, nil
}

// Get loads an entry by ID, searching every type partition.
func (s *Store) Get(ctx context.Context, id string) (models.MemoryEntry, error) {
	path, err := s.findEntry(id)
	if err != nil {
		return models.MemoryEntry{}, err
	}
	return readEntry(path)
}

// Delete removes an entry by ID.
func (s *Store) Delete(ctx context.Context, id string) error {
	path, err := s.findEntry(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	if s.index != nil {
		if err := s.index.Remove(id); err != nil {
			s.logger.Warn("search index removal failed", "error", err, "id", id)
		}
	}
	return nil
}

// Search returns entries whose content matches the query, newest first,
// optionally filtered by type and tags.
func (s *Store) Search(ctx context.Context, query string, entryType models.MemoryType, tags []string, limit int) ([]models.MemoryEntry, error) {
	if limit <= 0 {
		limit = 10
	}

	if s.index != nil {
		if entries, err := s.searchIndexed(ctx, query, entryType, tags, limit); err == nil {
			return entries, nil
		} else {
			s.logger.Warn("indexed search failed, scanning files", "error", err)
		}
	}
	return s.searchScan(ctx, query, entryType, tags, limit)
}

// GetByType returns every entry of one type, newest first.
func (s *Store) GetByType(ctx context.Context, entryType models.MemoryType) ([]models.MemoryEntry, error) {
	entries, err := s.scanType(ctx, entryType)
	if err != nil {
		return nil, err
	}
	sortNewestFirst(entries)
	return entries, nil
}

func (s *Store) searchIndexed(ctx context.Context, query string, entryType models.MemoryType, tags []string, limit int) ([]models.MemoryEntry, error) {
	// Over-fetch so post-filtering can still fill the limit.
	ids, err := s.index.Search(ctx, query, limit*4)
	if err != nil {
		return nil, err
	}

	var out []models.MemoryEntry
	for _, id := range ids {
		entry, err := s.Get(ctx, id)
		if err != nil {
			continue // index ahead of the tree; skip
		}
		if matchesFilters(entry, entryType, tags) {
			out = append(out, entry)
		}
		if len(out) >= limit {
			break
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *Store) searchScan(ctx context.Context, query string, entryType models.MemoryType, tags []string, limit int) ([]models.MemoryEntry, error) {
	needle := strings.ToLower(query)
	types := []models.MemoryType{models.MemoryLongTerm, models.MemoryDaily, models.MemorySession}
	if entryType != "" {
		types = []models.MemoryType{entryType}
	}

	var out []models.MemoryEntry
	for _, t := range types {
		entries, err := s.scanType(ctx, t)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if needle != "" && !strings.Contains(strings.ToLower(entry.Content), needle) {
				continue
			}
			if matchesFilters(entry, entryType, tags) {
				out = append(out, entry)
			}
		}
	}

	sortNewestFirst(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func matchesFilters(entry models.MemoryEntry, entryType models.MemoryType, tags []string) bool {
	if entryType != "" && entry.Type != entryType {
		return false
	}
	for _, want := range tags {
		found := false
		for _, have := range entry.Tags {
			if strings.EqualFold(have, want) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (s *Store) scanType(ctx context.Context, entryType models.MemoryType) ([]models.MemoryEntry, error) {
	var out []models.MemoryEntry
	root := filepath.Join(s.root, string(entryType))
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !strings.HasSuffix(path, ".json") || d.Name() == "index.json" {
			return nil
		}
		entry, err := readEntry(path)
		if err != nil {
			s.logger.Warn("skipping unreadable memory entry", "path", path, "error", err)
			return nil
		}
		out = append(out, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) entryPath(entry models.MemoryEntry) string {
	if entry.Type == models.MemorySession && entry.SessionKey != "" {
		return filepath.Join(s.root, string(entry.Type), sessionDir(entry.SessionKey), entry.ID+".json")
	}
	return filepath.Join(s.root, string(entry.Type), entry.ID+".json")
}

func (s *Store) writeEntry(entry models.MemoryEntry) error {
	path := s.entryPath(entry)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create entry dir: %w", err)
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write entry: %w", err)
	}
	return nil
}

func (s *Store) findEntry(id string) (string, error) {
	name := id + ".json"
	var found string
	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Name() == name {
			found = path
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", ErrNotFound
	}
	return found, nil
}

func readEntry(path string) (models.MemoryEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.MemoryEntry{}, err
	}
	var entry models.MemoryEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return models.MemoryEntry{}, fmt.Errorf("parse entry %s: %w", path, err)
	}
	return entry, nil
}

func sortNewestFirst(entries []models.MemoryEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
}

// sessionDir maps a session key to a safe directory name.
func sessionDir(sessionKey string) string {
	return url.PathEscape(sessionKey)
}

// Close releases the search index, if any.
func (s *Store) Close() error {
	if s.index != nil {
		return s.index.Close()
	}
	return nil
}
