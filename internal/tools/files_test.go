package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestReadWriteRoundTrip(t *testing.T) {
	jail := t.TempDir()
	cfg := FilesConfig{JailRoot: jail}

	write := NewWriteTool(cfg)
	out, err := write.Execute(context.Background(), json.RawMessage(`{"path":"notes/a.txt","content":"hello"}`))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if !strings.Contains(out, "5 bytes") {
		t.Errorf("write result = %q", out)
	}

	read := NewReadTool(cfg)
	got, err := read.Execute(context.Background(), json.RawMessage(`{"path":"notes/a.txt"}`))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != "hello" {
		t.Errorf("read = %q, want hello", got)
	}
}

func TestWritePreview(t *testing.T) {
	tool := NewWriteTool(FilesConfig{JailRoot: t.TempDir()})
	got := tool.Preview(json.RawMessage(`{"path":"notes/a.txt","content":"hello"}`))
	if got != "Write to notes/a.txt (5 bytes)" {
		t.Errorf("preview = %q", got)
	}
	if got := tool.Preview(json.RawMessage(`{"content":"no path"}`)); got != "" {
		t.Errorf("preview without path = %q", got)
	}
}

func TestJailEscapeDenied(t *testing.T) {
	jail := t.TempDir()
	cfg := FilesConfig{JailRoot: jail}

	for _, path := range []string{"../outside.txt", "/etc/passwd", "a/../../outside"} {
		_, err := NewReadTool(cfg).Execute(context.Background(), mustJSON(t, map[string]any{"path": path}))
		if err == nil {
			t.Errorf("read %q should fail", path)
			continue
		}
		if KindOf(err) != KindDenied {
			t.Errorf("read %q kind = %s, want denied", path, KindOf(err))
		}
	}

	_, err := NewWriteTool(cfg).Execute(context.Background(), json.RawMessage(`{"path":"../escape.txt","content":"x"}`))
	if err == nil || KindOf(err) != KindDenied {
		t.Errorf("write escape err = %v", err)
	}
}

func TestSymlinkEscapeDenied(t *testing.T) {
	jail := t.TempDir()
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(jail, "link")); err != nil {
		t.Skipf("symlink: %v", err)
	}

	_, err := NewReadTool(FilesConfig{JailRoot: jail}).Execute(
		context.Background(), json.RawMessage(`{"path":"link/secret.txt"}`))
	if err == nil || KindOf(err) != KindDenied {
		t.Errorf("symlink escape err = %v", err)
	}
}

func TestReadMissingFile(t *testing.T) {
	_, err := NewReadTool(FilesConfig{JailRoot: t.TempDir()}).Execute(
		context.Background(), json.RawMessage(`{"path":"nope.txt"}`))
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("err = %v", err)
	}
}

func TestListDir(t *testing.T) {
	jail := t.TempDir()
	os.WriteFile(filepath.Join(jail, "b.txt"), []byte("bb"), 0o644)
	os.Mkdir(filepath.Join(jail, "sub"), 0o755)

	out, err := NewListDirTool(FilesConfig{JailRoot: jail}).Execute(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "b.txt") || !strings.Contains(out, "sub/") {
		t.Errorf("list = %q", out)
	}
}

func TestListEmptyDir(t *testing.T) {
	out, err := NewListDirTool(FilesConfig{JailRoot: t.TempDir()}).Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if out != "(empty directory)" {
		t.Errorf("list = %q", out)
	}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}
