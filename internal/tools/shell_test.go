package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

type fakeGuardian struct {
	safe   bool
	reason string
	asked  []string
}

func (g *fakeGuardian) Scan(ctx context.Context, command string) (bool, string) {
	g.asked = append(g.asked, command)
	return g.safe, g.reason
}

func TestShellRunsCommand(t *testing.T) {
	tool := NewShellTool(&fakeGuardian{safe: true}, t.TempDir())
	out, err := tool.Execute(context.Background(), json.RawMessage(`{"command":"echo hi"}`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if strings.TrimSpace(out) != "hi" {
		t.Errorf("out = %q", out)
	}
}

func TestShellRailsBlockBeforeGuardian(t *testing.T) {
	g := &fakeGuardian{safe: true}
	tool := NewShellTool(g, t.TempDir())

	_, err := tool.Execute(context.Background(), json.RawMessage(`{"command":"rm -rf / --no-preserve-root"}`))
	if err == nil || KindOf(err) != KindDenied {
		t.Fatalf("err = %v, want denied", err)
	}
	if len(g.asked) != 0 {
		t.Error("guardian consulted for a rails-blocked command")
	}
	if !strings.Contains(err.Error(), "Dangerous command blocked") {
		t.Errorf("err = %v, want dangerous-command message", err)
	}
}

func TestShellPreview(t *testing.T) {
	tool := NewShellTool(nil, t.TempDir())
	if got := tool.Preview(json.RawMessage(`{"command":" ls -la "}`)); got != "Run: ls -la" {
		t.Errorf("preview = %q", got)
	}
	if got := tool.Preview(json.RawMessage(`not json`)); got != "" {
		t.Errorf("preview of bad input = %q", got)
	}
}

func TestShellGuardianBlocks(t *testing.T) {
	g := &fakeGuardian{safe: false, reason: "touches credentials"}
	tool := NewShellTool(g, t.TempDir())

	_, err := tool.Execute(context.Background(), json.RawMessage(`{"command":"cat ~/.ssh/id_rsa"}`))
	if err == nil || KindOf(err) != KindDenied {
		t.Fatalf("err = %v, want denied", err)
	}
	if !strings.Contains(err.Error(), "touches credentials") {
		t.Errorf("err = %v, want guardian reason", err)
	}
	if len(g.asked) != 1 {
		t.Errorf("guardian asked %d times, want 1", len(g.asked))
	}
}

func TestShellNonZeroExitIsResult(t *testing.T) {
	tool := NewShellTool(&fakeGuardian{safe: true}, t.TempDir())
	out, err := tool.Execute(context.Background(), json.RawMessage(`{"command":"exit 3"}`))
	if err != nil {
		t.Fatalf("non-zero exit should not be an error: %v", err)
	}
	if !strings.Contains(out, "exit code 3") {
		t.Errorf("out = %q", out)
	}
}

func TestShellTimeout(t *testing.T) {
	tool := NewShellTool(&fakeGuardian{safe: true}, t.TempDir())
	_, err := tool.Execute(context.Background(), json.RawMessage(`{"command":"sleep 5","timeout_seconds":1}`))
	if err == nil || KindOf(err) != KindTimeout {
		t.Errorf("err = %v, want timeout", err)
	}
}

func TestShellEmptyCommand(t *testing.T) {
	tool := NewShellTool(nil, t.TempDir())
	_, err := tool.Execute(context.Background(), json.RawMessage(`{"command":"  "}`))
	if err == nil || KindOf(err) != KindInvariant {
		t.Errorf("err = %v, want invariant", err)
	}
}
