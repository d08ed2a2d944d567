package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/pocketpaw/pocketpaw/internal/rails"
	"github.com/pocketpaw/pocketpaw/pkg/models"
)

const (
	shellDefaultTimeout = 60 * time.Second
	shellMaxTimeout     = 120 * time.Second
	shellOutputLimit    = 30000
)

// Guardian classifies a shell command after the static rails pass.
type Guardian interface {
	Scan(ctx context.Context, command string) (safe bool, reason string)
}

// ShellTool executes shell commands inside the workspace. Every command
// passes the dangerous-command rails first and the Guardian second; either
// refusal aborts without executing.
type ShellTool struct {
	guardian Guardian
	workdir  string
}

// NewShellTool creates a shell tool rooted at workdir.
func NewShellTool(guardian Guardian, workdir string) *ShellTool {
	return &ShellTool{guardian: guardian, workdir: workdir}
}

func (t *ShellTool) Name() string { return "shell" }

func (t *ShellTool) Description() string {
	return "Run a shell command in the workspace and return its output. Commands time out after 60 seconds by default (120 max)."
}

func (t *ShellTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "Shell command to execute.",
			},
			"timeout_seconds": map[string]any{
				"type":        "integer",
				"description": "Timeout in seconds (default 60, max 120).",
				"minimum":     1,
				"maximum":     120,
			},
		},
		"required": []string{"command"},
	})
}

func (t *ShellTool) TrustLevel() models.TrustLevel { return models.TrustCritical }

// Preview renders the plan-step line for a pending command.
func (t *ShellTool) Preview(input json.RawMessage) string {
	var params struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(input, &params); err != nil || params.Command == "" {
		return ""
	}
	return "Run: " + strings.TrimSpace(params.Command)
}

func (t *ShellTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	var params struct {
		Command        string `json:"command"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return "", Invariant("invalid parameters: %v", err)
	}
	command := strings.TrimSpace(params.Command)
	if command == "" {
		return "", Invariant("command is required")
	}

	if dangerous, pattern := rails.CheckCommand(command); dangerous {
		return "", Denied("Dangerous command blocked (matched %q)", pattern)
	}

	if t.guardian != nil {
		safe, reason := t.guardian.Scan(ctx, command)
		if !safe {
			return "", Denied("command blocked by guardian: %s", reason)
		}
	}

	timeout := shellDefaultTimeout
	if params.TimeoutSeconds > 0 {
		timeout = time.Duration(params.TimeoutSeconds) * time.Second
		if timeout > shellMaxTimeout {
			timeout = shellMaxTimeout
		}
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	cmd.Dir = t.workdir

	output, err := cmd.CombinedOutput()
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return "", Timeoutf("command timed out after %s", timeout)
	}

	text := truncate(string(output), shellOutputLimit)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Non-zero exit is information for the model, not a failure.
			return fmt.Sprintf("exit code %d\n%s", exitErr.ExitCode(), text), nil
		}
		return "", Runtimef("run command: %v", err)
	}
	if text == "" {
		return "(no output)", nil
	}
	return text, nil
}
