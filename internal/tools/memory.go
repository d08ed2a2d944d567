package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pocketpaw/pocketpaw/pkg/models"
)

// MemoryStore is the slice of the memory manager the tools need.
type MemoryStore interface {
	Search(ctx context.Context, query string, entryType models.MemoryType, tags []string, limit int) ([]models.MemoryEntry, error)
	Save(ctx context.Context, entry models.MemoryEntry) (models.MemoryEntry, error)
}

// MemorySearchTool queries stored memories.
type MemorySearchTool struct {
	store MemoryStore
}

// NewMemorySearchTool creates a search tool over the store.
func NewMemorySearchTool(store MemoryStore) *MemorySearchTool {
	return &MemorySearchTool{store: store}
}

func (t *MemorySearchTool) Name() string { return "memory_search" }

func (t *MemorySearchTool) Description() string {
	return "Search stored memories by text query, optionally filtered by type and tags."
}

func (t *MemorySearchTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "Text to search for.",
			},
			"type": map[string]any{
				"type":        "string",
				"enum":        []string{"long_term", "daily", "session"},
				"description": "Restrict to one memory type.",
			},
			"tags": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Require all of these tags.",
			},
			"limit": map[string]any{
				"type":        "integer",
				"minimum":     1,
				"maximum":     50,
				"description": "Maximum results (default 10).",
			},
		},
		"required": []string{"query"},
	})
}

func (t *MemorySearchTool) TrustLevel() models.TrustLevel { return models.TrustStandard }

func (t *MemorySearchTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	var params struct {
		Query string   `json:"query"`
		Type  string   `json:"type"`
		Tags  []string `json:"tags"`
		Limit int      `json:"limit"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return "", Invariant("invalid parameters: %v", err)
	}
	if params.Limit <= 0 {
		params.Limit = 10
	}

	entries, err := t.store.Search(ctx, params.Query, models.MemoryType(params.Type), params.Tags, params.Limit)
	if err != nil {
		return "", Runtimef("memory search: %v", err)
	}
	if len(entries) == 0 {
		return "No matching memories.", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d matching memories:\n", len(entries))
	for _, e := range entries {
		fmt.Fprintf(&b, "- [%s] %s", e.Type, e.Content)
		if len(e.Tags) > 0 {
			fmt.Fprintf(&b, " (tags: %s)", strings.Join(e.Tags, ", "))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// MemorySaveTool persists a new long-term or daily memory.
type MemorySaveTool struct {
	store MemoryStore
}

// NewMemorySaveTool creates a save tool over the store.
func NewMemorySaveTool(store MemoryStore) *MemorySaveTool {
	return &MemorySaveTool{store: store}
}

func (t *MemorySaveTool) Name() string { return "memory_save" }

func (t *MemorySaveTool) Description() string {
	return "Save a memory for later recall. Use long_term for durable facts and daily for day-scoped notes."
}

func (t *MemorySaveTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"content": map[string]any{
				"type":        "string",
				"description": "The memory text.",
			},
			"type": map[string]any{
				"type":        "string",
				"enum":        []string{"long_term", "daily"},
				"description": "Memory type (default long_term).",
			},
			"tags": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Tags for later filtering.",
			},
		},
		"required": []string{"content"},
	})
}

func (t *MemorySaveTool) TrustLevel() models.TrustLevel { return models.TrustHigh }

func (t *MemorySaveTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	var params struct {
		Content string   `json:"content"`
		Type    string   `json:"type"`
		Tags    []string `json:"tags"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return "", Invariant("invalid parameters: %v", err)
	}
	if strings.TrimSpace(params.Content) == "" {
		return "", Invariant("content is required")
	}

	entryType := models.MemoryType(params.Type)
	if entryType == "" {
		entryType = models.MemoryLongTerm
	}

	saved, err := t.store.Save(ctx, models.MemoryEntry{
		Type:    entryType,
		Content: params.Content,
		Tags:    params.Tags,
	})
	if err != nil {
		return "", Runtimef("memory save: %v", err)
	}
	return fmt.Sprintf("Saved %s memory %s", saved.Type, saved.ID), nil
}
