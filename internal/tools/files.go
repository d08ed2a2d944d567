package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pocketpaw/pocketpaw/internal/rails"
	"github.com/pocketpaw/pocketpaw/pkg/models"
)

const readLimit = 200000

// FilesConfig scopes the filesystem tools to the jail root.
type FilesConfig struct {
	JailRoot string
}

// ReadTool reads a file inside the jail.
type ReadTool struct {
	cfg FilesConfig
}

// NewReadTool creates a read tool scoped to the jail.
func NewReadTool(cfg FilesConfig) *ReadTool { return &ReadTool{cfg: cfg} }

func (t *ReadTool) Name() string { return "read_file" }

func (t *ReadTool) Description() string {
	return "Read a file from the workspace. Paths are relative to the workspace root."
}

func (t *ReadTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file, relative to the workspace.",
			},
		},
		"required": []string{"path"},
	})
}

func (t *ReadTool) TrustLevel() models.TrustLevel { return models.TrustStandard }

func (t *ReadTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return "", Invariant("invalid parameters: %v", err)
	}

	resolved, err := resolvePath(t.cfg.JailRoot, params.Path)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return "", Runtimef("file not found: %s", params.Path)
		}
		return "", Runtimef("read file: %v", err)
	}
	if len(data) > readLimit {
		return string(data[:readLimit]) + "\n...[truncated]", nil
	}
	return string(data), nil
}

// WriteTool writes a file inside the jail, creating parent directories.
type WriteTool struct {
	cfg FilesConfig
}

// NewWriteTool creates a write tool scoped to the jail.
func NewWriteTool(cfg FilesConfig) *WriteTool { return &WriteTool{cfg: cfg} }

func (t *WriteTool) Name() string { return "write_file" }

func (t *WriteTool) Description() string {
	return "Write content to a file in the workspace, replacing any existing content. Parent directories are created."
}

func (t *WriteTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file, relative to the workspace.",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Full file content to write.",
			},
		},
		"required": []string{"path", "content"},
	})
}

func (t *WriteTool) TrustLevel() models.TrustLevel { return models.TrustCritical }

// Preview renders the plan-step line for a pending write.
func (t *WriteTool) Preview(input json.RawMessage) string {
	var params struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(input, &params); err != nil || params.Path == "" {
		return ""
	}
	return fmt.Sprintf("Write to %s (%d bytes)", params.Path, len(params.Content))
}

func (t *WriteTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	var params struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return "", Invariant("invalid parameters: %v", err)
	}

	resolved, err := resolvePath(t.cfg.JailRoot, params.Path)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return "", Runtimef("create parent directories: %v", err)
	}
	if err := os.WriteFile(resolved, []byte(params.Content), 0o644); err != nil {
		return "", Runtimef("write file: %v", err)
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(params.Content), params.Path), nil
}

// ListDirTool lists a directory inside the jail.
type ListDirTool struct {
	cfg FilesConfig
}

// NewListDirTool creates a list tool scoped to the jail.
func NewListDirTool(cfg FilesConfig) *ListDirTool { return &ListDirTool{cfg: cfg} }

func (t *ListDirTool) Name() string { return "list_dir" }

func (t *ListDirTool) Description() string {
	return "List the entries of a workspace directory."
}

func (t *ListDirTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Directory path, relative to the workspace. Defaults to the workspace root.",
			},
		},
	})
}

func (t *ListDirTool) TrustLevel() models.TrustLevel { return models.TrustStandard }

func (t *ListDirTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	var params struct {
		Path string `json:"path"`
	}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &params); err != nil {
			return "", Invariant("invalid parameters: %v", err)
		}
	}
	if params.Path == "" {
		params.Path = "."
	}

	resolved, err := resolvePath(t.cfg.JailRoot, params.Path)
	if err != nil {
		return "", err
	}

	entries, err := os.ReadDir(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return "", Runtimef("directory not found: %s", params.Path)
		}
		return "", Runtimef("list directory: %v", err)
	}
	if len(entries) == 0 {
		return "(empty directory)", nil
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	var b strings.Builder
	for _, e := range entries {
		if e.IsDir() {
			fmt.Fprintf(&b, "%s/\n", e.Name())
			continue
		}
		info, err := e.Info()
		if err != nil {
			fmt.Fprintf(&b, "%s\n", e.Name())
			continue
		}
		fmt.Fprintf(&b, "%s  (%d bytes)\n", e.Name(), info.Size())
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// resolvePath applies the jail check and classifies its failures.
func resolvePath(jailRoot, path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", Invariant("path is required")
	}
	resolved, err := rails.ResolveInJail(jailRoot, path)
	if err != nil {
		if errors.Is(err, rails.ErrOutsideJail) {
			return "", Denied("path escapes the workspace: %s", path)
		}
		return "", Runtimef("resolve path: %v", err)
	}
	return resolved, nil
}
