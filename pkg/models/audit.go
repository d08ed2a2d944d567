package models

import "time"

// AuditSeverity ranks audit events.
type AuditSeverity string

const (
	AuditInfo     AuditSeverity = "info"
	AuditWarning  AuditSeverity = "warning"
	AuditCritical AuditSeverity = "critical"
	AuditAlert    AuditSeverity = "alert"
)

// AuditEvent is one append-only audit record. Events are never updated or
// deleted once written.
type AuditEvent struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Severity  AuditSeverity  `json:"severity"`
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	Target    string         `json:"target,omitempty"`
	Status    string         `json:"status,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}
