package models

import "time"

// Reminder is a deferred prompt that re-enters the bus at TriggerAt on
// behalf of its source session. A non-empty CronExpr makes the reminder
// recurring.
type Reminder struct {
	ID               string    `json:"id"`
	Text             string    `json:"text"`
	TriggerAt        time.Time `json:"trigger_at"`
	CreatedAt        time.Time `json:"created_at"`
	SourceSessionKey string    `json:"source_session_key"`
	CronExpr         string    `json:"cron_expr,omitempty"`
}
