// Package plan implements the per-session tool-approval gate. Tool calls
// proposed while plan mode is on are batched into an ExecutionPlan; the
// agent loop blocks until a human approves or rejects the batch, or the
// plan times out.
package plan

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/pocketpaw/pocketpaw/pkg/models"
)

// ErrTimeout is returned when a plan stays proposed past the wait deadline.
var ErrTimeout = errors.New("plan approval timed out")

// ErrNoPlan is returned when no active plan exists for the session.
var ErrNoPlan = errors.New("no active plan")

type entry struct {
	plan     *models.ExecutionPlan
	resolved chan struct{} // closed when the plan leaves proposed
}

// Manager tracks one active plan per session key. The agent loop is the
// only writer per session; approval and rejection arrive from the HTTP
// surface or a channel command.
type Manager struct {
	logger *slog.Logger

	mu    sync.Mutex
	plans map[string]*entry

	now func() time.Time // test seam
}

// NewManager creates an empty plan manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger: logger.With("component", "plan"),
		plans:  make(map[string]*entry),
		now:    time.Now,
	}
}

// AddStep appends a step to the session's proposed plan, creating the plan
// if none exists. An existing plan in any non-proposed state, or an expired
// one, is replaced; a waiter on the replaced plan observes rejected.
func (m *Manager) AddStep(sessionKey, toolName string, toolInput []byte, preview string) *models.ExecutionPlan {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.plans[sessionKey]
	if e == nil || e.plan.Status != models.PlanProposed || e.plan.Expired(m.now()) {
		if e != nil {
			m.resolveLocked(e, models.PlanRejected)
		}
		e = &entry{
			plan: &models.ExecutionPlan{
				SessionKey: sessionKey,
				Status:     models.PlanProposed,
				CreatedAt:  m.now(),
			},
			resolved: make(chan struct{}),
		}
		m.plans[sessionKey] = e
	}

	e.plan.Steps = append(e.plan.Steps, models.PlanStep{
		ToolName:  toolName,
		ToolInput: toolInput,
		Preview:   preview,
	})
	return clonePlan(e.plan)
}

// Replace discards any existing plan for the session. A waiter on the old
// plan observes rejected. Used when a new turn starts a fresh batch.
func (m *Manager) Replace(sessionKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.plans[sessionKey]; e != nil {
		m.resolveLocked(e, models.PlanRejected)
		delete(m.plans, sessionKey)
	}
}

// Approve transitions a proposed plan to approved and releases the waiter.
func (m *Manager) Approve(sessionKey string) error {
	return m.transition(sessionKey, models.PlanApproved)
}

// Reject transitions a proposed plan to rejected and releases the waiter.
func (m *Manager) Reject(sessionKey string) error {
	return m.transition(sessionKey, models.PlanRejected)
}

func (m *Manager) transition(sessionKey string, status models.PlanStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.plans[sessionKey]
	if e == nil || e.plan.Status != models.PlanProposed || e.plan.Expired(m.now()) {
		return ErrNoPlan
	}
	m.resolveLocked(e, status)
	m.logger.Info("plan resolved", "session", sessionKey, "status", status, "steps", len(e.plan.Steps))
	return nil
}

// resolveLocked moves an entry out of proposed. Must hold m.mu.
func (m *Manager) resolveLocked(e *entry, status models.PlanStatus) {
	if e.plan.Status != models.PlanProposed {
		return
	}
	e.plan.Status = status
	close(e.resolved)
}

// WaitForApproval blocks until the session's plan leaves proposed, then
// returns the final status. It returns ErrTimeout after timeout and the
// context error on cancellation; in both cases the plan stays proposed
// until it expires or is resolved.
func (m *Manager) WaitForApproval(ctx context.Context, sessionKey string, timeout time.Duration) (models.PlanStatus, error) {
	m.mu.Lock()
	e := m.plans[sessionKey]
	m.mu.Unlock()

	if e == nil {
		return "", ErrNoPlan
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-e.resolved:
		m.mu.Lock()
		status := e.plan.Status
		m.mu.Unlock()
		return status, nil
	case <-timer.C:
		return "", ErrTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// GetActivePlan returns a copy of the session's plan, or nil when none
// exists or the proposed plan has passed its TTL. Expired entries are
// purged on access.
func (m *Manager) GetActivePlan(sessionKey string) *models.ExecutionPlan {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.plans[sessionKey]
	if e == nil {
		return nil
	}
	if e.plan.Expired(m.now()) {
		m.resolveLocked(e, models.PlanRejected)
		delete(m.plans, sessionKey)
		return nil
	}
	return clonePlan(e.plan)
}

// MarkExecuting transitions an approved plan to executing.
func (m *Manager) MarkExecuting(sessionKey string) {
	m.setStatus(sessionKey, models.PlanApproved, models.PlanExecuting)
}

// MarkCompleted transitions an executing plan to completed and drops it.
func (m *Manager) MarkCompleted(sessionKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.plans[sessionKey]
	if e != nil && e.plan.Status == models.PlanExecuting {
		e.plan.Status = models.PlanCompleted
		delete(m.plans, sessionKey)
	}
}

func (m *Manager) setStatus(sessionKey string, from, to models.PlanStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.plans[sessionKey]
	if e != nil && e.plan.Status == from {
		e.plan.Status = to
	}
}

func clonePlan(p *models.ExecutionPlan) *models.ExecutionPlan {
	out := *p
	out.Steps = make([]models.PlanStep, len(p.Steps))
	copy(out.Steps, p.Steps)
	return &out
}
