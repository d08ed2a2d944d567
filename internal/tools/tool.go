// Package tools implements the tool registry: callable units advertised to
// the model, a policy gate over them, and the invocation pipeline that
// audits, validates, plan-gates, and scans every execution.
package tools

import (
	"context"
	"encoding/json"

	"github.com/pocketpaw/pocketpaw/pkg/models"
)

// Tool is one callable unit. Names are globally unique per process.
type Tool interface {
	Name() string
	Description() string

	// Schema returns the JSON Schema for the tool's input object.
	Schema() json.RawMessage

	// TrustLevel tags the severity of what the tool can do; it drives the
	// attempt-audit severity and the plan gate.
	TrustLevel() models.TrustLevel

	// Execute runs the tool and returns its textual result. Errors should
	// be *Error values so the registry can classify them.
	Execute(ctx context.Context, input json.RawMessage) (string, error)
}

// Previewer is implemented by tools that can describe a pending call in
// one human-readable line for plan approval.
type Previewer interface {
	Preview(input json.RawMessage) string
}

// Definition builds the advertised description of a tool.
func Definition(t Tool) models.ToolDefinition {
	return models.ToolDefinition{
		Name:        t.Name(),
		Description: t.Description(),
		InputSchema: t.Schema(),
		TrustLevel:  t.TrustLevel(),
	}
}

func mustSchema(schema map[string]any) json.RawMessage {
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}
