package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pocketpaw/pocketpaw/pkg/models"
)

// StatusTool reports runtime health: uptime, version, and active channels.
type StatusTool struct {
	version  string
	started  time.Time
	channels func() []string
}

// NewStatusTool creates the status tool. channels reports the currently
// running adapters; nil is treated as none.
func NewStatusTool(version string, channels func() []string) *StatusTool {
	return &StatusTool{
		version:  version,
		started:  time.Now(),
		channels: channels,
	}
}

func (t *StatusTool) Name() string { return "status" }

func (t *StatusTool) Description() string {
	return "Report runtime status: version, uptime, and active channels."
}

func (t *StatusTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{"type": "object", "properties": map[string]any{}})
}

func (t *StatusTool) TrustLevel() models.TrustLevel { return models.TrustStandard }

func (t *StatusTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	uptime := time.Since(t.started).Round(time.Second)
	active := "none"
	if t.channels != nil {
		if names := t.channels(); len(names) > 0 {
			active = strings.Join(names, ", ")
		}
	}
	return fmt.Sprintf("version %s, up %s, channels: %s", t.version, uptime, active), nil
}
