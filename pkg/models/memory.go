package models

import "time"

// MemoryType partitions the memory store.
type MemoryType string

const (
	MemoryLongTerm MemoryType = "long_term"
	MemoryDaily    MemoryType = "daily"
	MemorySession  MemoryType = "session"
)

// MemoryEntry is one persisted memory record. Role and SessionKey are
// populated only for session entries.
type MemoryEntry struct {
	ID         string         `json:"id"`
	Type       MemoryType     `json:"type"`
	Content    string         `json:"content"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	Tags       []string       `json:"tags,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Role       string         `json:"role,omitempty"`
	SessionKey string         `json:"session_key,omitempty"`
}
