package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pocketpaw/pocketpaw/pkg/models"
)

// ReminderCreator is the slice of the scheduler the tool needs.
type ReminderCreator interface {
	Create(ctx context.Context, reminder models.Reminder) (models.Reminder, error)
}

// ReminderTool schedules a reminder for the current session. The session
// key comes from the execution context, never from the model.
type ReminderTool struct {
	creator ReminderCreator
}

// NewReminderTool creates the reminder tool.
func NewReminderTool(creator ReminderCreator) *ReminderTool {
	return &ReminderTool{creator: creator}
}

func (t *ReminderTool) Name() string { return "create_reminder" }

func (t *ReminderTool) Description() string {
	return "Schedule a reminder. The reminder text is delivered back to this conversation at the trigger time. An optional cron expression makes it recurring."
}

func (t *ReminderTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]any{
				"type":        "string",
				"description": "What to be reminded about.",
			},
			"trigger_at": map[string]any{
				"type":        "string",
				"description": "Trigger time in RFC 3339 format, e.g. 2026-08-24T18:00:00Z.",
			},
			"cron": map[string]any{
				"type":        "string",
				"description": "Optional cron expression for a recurring reminder, e.g. \"0 9 * * MON\".",
			},
		},
		"required": []string{"text", "trigger_at"},
	})
}

func (t *ReminderTool) TrustLevel() models.TrustLevel { return models.TrustStandard }

func (t *ReminderTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	var params struct {
		Text      string `json:"text"`
		TriggerAt string `json:"trigger_at"`
		Cron      string `json:"cron"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return "", Invariant("invalid parameters: %v", err)
	}
	if strings.TrimSpace(params.Text) == "" {
		return "", Invariant("text is required")
	}

	triggerAt, err := time.Parse(time.RFC3339, params.TriggerAt)
	if err != nil {
		return "", Invariant("trigger_at must be RFC 3339: %v", err)
	}

	reminder := models.Reminder{
		Text:             params.Text,
		TriggerAt:        triggerAt,
		CronExpr:         strings.TrimSpace(params.Cron),
		SourceSessionKey: SessionFromContext(ctx),
	}

	created, err := t.creator.Create(ctx, reminder)
	if err != nil {
		return "", Runtimef("create reminder: %v", err)
	}

	if created.CronExpr != "" {
		return fmt.Sprintf("Recurring reminder %s set (%s), first trigger %s",
			created.ID, created.CronExpr, created.TriggerAt.Format(time.RFC3339)), nil
	}
	return fmt.Sprintf("Reminder %s set for %s", created.ID, created.TriggerAt.Format(time.RFC3339)), nil
}
