package agent

import (
	"context"
	"log/slog"

	"github.com/pocketpaw/pocketpaw/internal/bus"
	"github.com/pocketpaw/pocketpaw/internal/plan"
	"github.com/pocketpaw/pocketpaw/pkg/models"
)

// Gate adapts the plan manager to the tool registry's approval hook. Each
// critical tool call becomes a plan step; the calling goroutine parks until
// a human resolves the plan or it times out.
type Gate struct {
	logger  *slog.Logger
	plans   *plan.Manager
	bus     *bus.Bus
	enabled func() bool
}

// NewGate wires the gate. enabled is read per call so flipping plan mode in
// the settings takes effect immediately.
func NewGate(logger *slog.Logger, plans *plan.Manager, b *bus.Bus, enabled func() bool) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		logger:  logger.With("component", "gate"),
		plans:   plans,
		bus:     b,
		enabled: enabled,
	}
}

// Enabled reports whether plan mode is on right now.
func (g *Gate) Enabled() bool { return g.enabled() }

// Propose appends the call to the session's plan, announces it, and blocks
// until approval, rejection, or the plan TTL elapses.
func (g *Gate) Propose(ctx context.Context, sessionKey string, call models.ToolCall, preview string) (bool, error) {
	p := g.plans.AddStep(sessionKey, call.Name, call.Input, preview)
	g.logger.Info("plan step proposed", "session", sessionKey, "tool", call.Name, "steps", len(p.Steps))

	if g.bus != nil {
		g.bus.PublishSystem(ctx, &models.SystemEvent{
			Type:    models.EventPlanProposed,
			Content: "Approval required: " + call.Name,
			Metadata: map[string]any{
				"session_key": sessionKey,
				"tool":        call.Name,
				"preview":     preview,
				"steps":       len(p.Steps),
			},
		})
	}

	status, err := g.plans.WaitForApproval(ctx, sessionKey, models.PlanTTL)
	if err != nil {
		return false, err
	}
	return status == models.PlanApproved, nil
}
