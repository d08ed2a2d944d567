package models

import "encoding/json"

// TrustLevel tags a tool with the severity of what it can do.
type TrustLevel string

const (
	// TrustStandard tools require no extra gate.
	TrustStandard TrustLevel = "standard"

	// TrustHigh tools require an explicit policy allow.
	TrustHigh TrustLevel = "high"

	// TrustCritical tools execute shell commands, mutate the filesystem, or
	// delegate to external agents. They pass through the plan gate when plan
	// mode is on, and the shell tool additionally through the Guardian.
	TrustCritical TrustLevel = "critical"
)

// ToolDefinition describes a callable unit advertised to the model.
// Names are globally unique per process.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
	TrustLevel  TrustLevel      `json:"trust_level"`
}

// ToolCall is the model's request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is the outcome of a tool execution, returned to the model as
// text. Errors are carried in-band with IsError set.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}
