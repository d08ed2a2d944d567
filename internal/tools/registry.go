package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/pocketpaw/pocketpaw/internal/observability"
	"github.com/pocketpaw/pocketpaw/internal/tools/policy"
	"github.com/pocketpaw/pocketpaw/pkg/models"
)

// resultLogLimit caps the result preview in the structured log line. The
// value returned to the model is never truncated.
const resultLogLimit = 200

// Auditor records tool lifecycle events; *audit.Logger satisfies it.
type Auditor interface {
	Log(severity models.AuditSeverity, actor, action, target, status string, ctx map[string]any)
}

// PlanGate suspends critical tool calls until a human resolves the
// session's plan. Implementations publish the plan_proposed event and wait
// on the plan manager.
type PlanGate interface {
	// Enabled reports whether plan mode applies right now.
	Enabled() bool

	// Propose appends the call to the session's plan and blocks until the
	// plan is approved, rejected, or times out.
	Propose(ctx context.Context, sessionKey string, call models.ToolCall, preview string) (approved bool, err error)
}

// Options wires a Registry's collaborators.
type Options struct {
	Logger   *slog.Logger
	Audit    Auditor
	Resolver *policy.Resolver

	// PolicyFn returns the active policy; called per invocation so settings
	// changes take effect without re-registering tools.
	PolicyFn func() *policy.Policy

	// Gate is consulted for critical tools; nil disables the plan gate.
	Gate PlanGate

	// Scanner inspects textual results; ScanFn gates it per invocation.
	Scanner *Scanner
	ScanFn  func() bool
}

// Registry maps tool names to callable units and mediates every execution.
type Registry struct {
	logger   *slog.Logger
	audit    Auditor
	resolver *policy.Resolver
	policyFn func() *policy.Policy
	gate     PlanGate
	scanner  *Scanner
	scanFn   func() bool

	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = policy.NewResolver()
	}
	policyFn := opts.PolicyFn
	if policyFn == nil {
		policyFn = func() *policy.Policy { return nil }
	}
	scanFn := opts.ScanFn
	if scanFn == nil {
		scanFn = func() bool { return false }
	}
	return &Registry{
		logger:   logger.With("component", "tools"),
		audit:    opts.Audit,
		resolver: resolver,
		policyFn: policyFn,
		gate:     opts.Gate,
		scanner:  opts.Scanner,
		scanFn:   scanFn,
		tools:    make(map[string]Tool),
		schemas:  make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool. Names must be unique; the tool's schema is compiled
// once here so invalid schemas fail at startup, not per call.
func (r *Registry) Register(t Tool) error {
	name := t.Name()
	if name == "" {
		return fmt.Errorf("tool has empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}

	schema, err := jsonschema.CompileString(name+".schema.json", string(t.Schema()))
	if err != nil {
		return fmt.Errorf("compile schema for %q: %w", name, err)
	}

	r.tools[name] = t
	r.schemas[name] = schema
	return nil
}

// Get returns a registered tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Definitions returns the advertised tool list, filtered by the active
// policy and sorted by name.
func (r *Registry) Definitions() []models.ToolDefinition {
	pol := r.policyFn()

	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]models.ToolDefinition, 0, len(r.tools))
	for name, t := range r.tools {
		if !r.resolver.IsAllowed(pol, name) {
			continue
		}
		defs = append(defs, Definition(t))
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute runs the full invocation pipeline for one tool call and always
// produces a result; failures are carried in-band as "Error: ..." content
// with IsError set.
func (r *Registry) Execute(ctx context.Context, sessionKey string, call models.ToolCall) models.ToolResult {
	tool, ok := r.Get(call.Name)
	if !ok {
		return r.fail(call, Invariant("tool not found: %s", call.Name))
	}

	if !r.resolver.IsAllowed(r.policyFn(), call.Name) {
		r.record(models.AuditWarning, call, "denied", map[string]any{"reason": "policy"})
		return r.fail(call, Denied("tool denied by policy: %s", call.Name))
	}

	trust := tool.TrustLevel()
	r.record(attemptSeverity(trust), call, "attempt", map[string]any{
		"trust_level": string(trust),
		"session":     sessionKey,
	})

	if trust == models.TrustCritical && r.gate != nil && r.gate.Enabled() {
		approved, err := r.gate.Propose(ctx, sessionKey, call, preview(tool, call))
		if err != nil {
			r.record(models.AuditWarning, call, "plan_timeout", nil)
			return r.fail(call, Timeoutf("plan approval timed out for %s", call.Name))
		}
		if !approved {
			r.record(models.AuditWarning, call, "plan_rejected", nil)
			return r.fail(call, Denied("plan rejected for %s", call.Name))
		}
	}

	if err := r.validateInput(call); err != nil {
		r.record(models.AuditWarning, call, "error", map[string]any{"error": err.Error()})
		return r.fail(call, Invariant("invalid input for %s: %v", call.Name, err))
	}

	content, err := r.run(WithSession(ctx, sessionKey), tool, call)
	if err != nil {
		// Rails and guardian refusals are blocks, not plain errors.
		if KindOf(err) == KindDenied {
			r.record(models.AuditCritical, call, "block", map[string]any{
				"error": err.Error(),
			})
		} else {
			r.record(models.AuditWarning, call, "error", map[string]any{
				"error": err.Error(),
				"kind":  string(KindOf(err)),
			})
		}
		observability.ToolExecutions.WithLabelValues(call.Name, "error").Inc()
		return r.fail(call, err)
	}

	if r.scanner != nil && r.scanFn() {
		if level, sanitized := r.scanner.Scan(content); level > ThreatNone {
			r.record(models.AuditWarning, call, "injection_detected", map[string]any{
				"threat_level": level.String(),
			})
			content = sanitized
		}
	}

	r.record(models.AuditInfo, call, "success", nil)
	observability.ToolExecutions.WithLabelValues(call.Name, "success").Inc()
	r.logger.Info("tool executed",
		"tool", call.Name,
		"session", sessionKey,
		"result", truncate(content, resultLogLimit))

	return models.ToolResult{ToolCallID: call.ID, Content: content}
}

// run executes the tool with panic containment.
func (r *Registry) run(ctx context.Context, tool Tool, call models.ToolCall) (content string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool panicked", "tool", call.Name, "panic", rec)
			err = Runtimef("tool %s panicked: %v", call.Name, rec)
		}
	}()
	return tool.Execute(ctx, call.Input)
}

func (r *Registry) validateInput(call models.ToolCall) error {
	r.mu.RLock()
	schema := r.schemas[call.Name]
	r.mu.RUnlock()
	if schema == nil {
		return nil
	}

	input := call.Input
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(input, &decoded); err != nil {
		return err
	}
	return schema.Validate(decoded)
}

func (r *Registry) fail(call models.ToolCall, err error) models.ToolResult {
	return models.ToolResult{
		ToolCallID: call.ID,
		Content:    AsResult(err),
		IsError:    true,
	}
}

func (r *Registry) record(severity models.AuditSeverity, call models.ToolCall, status string, ctx map[string]any) {
	if r.audit == nil {
		return
	}
	r.audit.Log(severity, "agent", "tool_execute", call.Name, status, ctx)
}

// attemptSeverity mirrors the trust level onto the audit severity scale.
func attemptSeverity(trust models.TrustLevel) models.AuditSeverity {
	switch trust {
	case models.TrustCritical:
		return models.AuditCritical
	case models.TrustHigh:
		return models.AuditWarning
	default:
		return models.AuditInfo
	}
}

func previewInput(call models.ToolCall) string {
	return truncate(string(call.Input), resultLogLimit)
}

// preview renders the human-readable plan-step line for a call, falling
// back to the truncated raw input.
func preview(tool Tool, call models.ToolCall) string {
	if p, ok := tool.(Previewer); ok {
		if line := p.Preview(call.Input); line != "" {
			return line
		}
	}
	return previewInput(call)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
