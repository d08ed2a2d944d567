// Package guardian implements the secondary-model command scanner. The
// shell tool consults it after the static rails pass; a secondary model
// classifies the command as SAFE or DANGEROUS with a reason. The policy is
// fail-safe: if the provider cannot be reached or returns garbage, the
// command is blocked.
package guardian

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/pocketpaw/pocketpaw/pkg/models"
)

const systemPrompt = `You are a security scanner for shell commands about to run on a personal machine.
Classify the command you are given. Respond with STRICT JSON only, no prose, no code fences:
{"status": "SAFE" | "DANGEROUS", "reason": "<one short sentence>"}
A command is DANGEROUS if it can destroy data, exfiltrate secrets or credentials, escalate privileges, disable security controls, or take over the system. Otherwise it is SAFE.`

// Auditor records Guardian decisions; *audit.Logger satisfies it.
type Auditor interface {
	Log(severity models.AuditSeverity, actor, action, target, status string, ctx map[string]any)
}

// classifier produces the raw model response for a command. It is a seam
// for tests; the production implementation calls the Anthropic API.
type classifier func(ctx context.Context, command string) (string, error)

// Guardian scans shell commands with a secondary model.
type Guardian struct {
	logger   *slog.Logger
	audit    Auditor
	classify classifier
	disabled bool
}

// Config configures the Guardian. An empty APIKey disables scanning.
type Config struct {
	APIKey string
	Model  string
	Audit  Auditor
	Logger *slog.Logger
}

// New creates a Guardian. Without an API key it is disabled: every Scan
// passes and records an alert so operators can detect the gap.
func New(cfg Config) *Guardian {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	g := &Guardian{
		logger: logger.With("component", "guardian"),
		audit:  cfg.Audit,
	}

	if strings.TrimSpace(cfg.APIKey) == "" {
		g.disabled = true
		return g
	}

	model := cfg.Model
	if model == "" {
		model = "claude-3-5-haiku-latest"
	}
	client := anthropic.NewClient(option.WithAPIKey(cfg.APIKey))
	g.classify = func(ctx context.Context, command string) (string, error) {
		message, err := client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(model),
			MaxTokens: 256,
			System: []anthropic.TextBlockParam{
				{Type: "text", Text: systemPrompt},
			},
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(command)),
			},
		})
		if err != nil {
			return "", err
		}
		var b strings.Builder
		for _, block := range message.Content {
			if block.Type == "text" {
				b.WriteString(block.Text)
			}
		}
		return b.String(), nil
	}
	return g
}

// verdict is the strict JSON shape the model must return.
type verdict struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// Scan classifies a command. It returns (true, reason) for safe commands,
// (false, reason) for dangerous ones, and fails safe on any provider or
// parse error. Every decision is audited.
func (g *Guardian) Scan(ctx context.Context, command string) (safe bool, reason string) {
	if g.disabled {
		g.record(models.AuditAlert, command, "disabled", "Guardian disabled")
		return true, "Guardian disabled"
	}

	raw, err := g.classify(ctx, command)
	if err != nil {
		g.logger.Warn("guardian provider unreachable", "error", err)
		g.record(models.AuditWarning, command, "error", "guardian error")
		return false, "guardian error"
	}

	v, err := parseVerdict(raw)
	if err != nil {
		g.logger.Warn("guardian returned malformed verdict", "error", err, "raw", truncate(raw, 200))
		g.record(models.AuditWarning, command, "error", "guardian error")
		return false, "guardian error"
	}

	switch strings.ToUpper(v.Status) {
	case "SAFE":
		g.record(models.AuditInfo, command, "allowed", v.Reason)
		return true, v.Reason
	case "DANGEROUS":
		g.record(models.AuditWarning, command, "blocked", v.Reason)
		return false, v.Reason
	default:
		g.record(models.AuditWarning, command, "error", "guardian error")
		return false, "guardian error"
	}
}

// parseVerdict extracts the JSON object from the response, tolerating
// models that wrap it in fences or prose despite the prompt.
func parseVerdict(raw string) (verdict, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return verdict{}, errors.New("no JSON object in response")
	}

	var v verdict
	if err := json.Unmarshal([]byte(raw[start:end+1]), &v); err != nil {
		return verdict{}, fmt.Errorf("decode verdict: %w", err)
	}
	if v.Status == "" {
		return verdict{}, errors.New("verdict missing status")
	}
	return v, nil
}

func (g *Guardian) record(severity models.AuditSeverity, command, status, reason string) {
	if g.audit == nil {
		return
	}
	g.audit.Log(severity, "guardian", "command_scan", truncate(command, 200), status, map[string]any{
		"reason": reason,
	})
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
