package models

import (
	"encoding/json"
	"time"
)

// PlanStatus is the lifecycle state of an execution plan.
type PlanStatus string

const (
	PlanProposed  PlanStatus = "proposed"
	PlanApproved  PlanStatus = "approved"
	PlanRejected  PlanStatus = "rejected"
	PlanExecuting PlanStatus = "executing"
	PlanCompleted PlanStatus = "completed"
)

// PlanTTL is how long a proposed plan stays active before it expires.
const PlanTTL = 5 * time.Minute

// PlanStep is one pending tool call inside a plan.
type PlanStep struct {
	ToolName  string          `json:"tool_name"`
	ToolInput json.RawMessage `json:"tool_input"`
	Preview   string          `json:"preview"`
}

// ExecutionPlan is an ordered batch of tool calls awaiting user approval.
// A plan is active while its status is proposed and it is younger than
// PlanTTL.
type ExecutionPlan struct {
	SessionKey string     `json:"session_key"`
	Status     PlanStatus `json:"status"`
	Steps      []PlanStep `json:"steps"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Expired reports whether a proposed plan has passed its TTL.
func (p *ExecutionPlan) Expired(now time.Time) bool {
	return p.Status == PlanProposed && now.Sub(p.CreatedAt) > PlanTTL
}
