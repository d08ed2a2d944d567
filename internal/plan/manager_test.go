package plan

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pocketpaw/pocketpaw/pkg/models"
)

func TestAddStepCreatesProposedPlan(t *testing.T) {
	m := NewManager(nil)

	p := m.AddStep("s1", "write_file", []byte(`{"path":"a.txt"}`), "Write to a.txt")
	if p.Status != models.PlanProposed {
		t.Errorf("status = %s, want proposed", p.Status)
	}
	if len(p.Steps) != 1 || p.Steps[0].ToolName != "write_file" {
		t.Errorf("steps = %+v", p.Steps)
	}

	p = m.AddStep("s1", "exec", []byte(`{}`), "Run command")
	if len(p.Steps) != 2 {
		t.Errorf("second AddStep should append, got %d steps", len(p.Steps))
	}
}

func TestApproveReleasesWaiter(t *testing.T) {
	m := NewManager(nil)
	m.AddStep("s1", "write_file", nil, "Write to x")

	done := make(chan models.PlanStatus, 1)
	go func() {
		status, err := m.WaitForApproval(context.Background(), "s1", 5*time.Second)
		if err != nil {
			t.Errorf("WaitForApproval: %v", err)
		}
		done <- status
	}()

	time.Sleep(20 * time.Millisecond)
	if err := m.Approve("s1"); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	select {
	case status := <-done:
		if status != models.PlanApproved {
			t.Errorf("waiter saw %s, want approved", status)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not released")
	}
}

func TestRejectReleasesWaiter(t *testing.T) {
	m := NewManager(nil)
	m.AddStep("s1", "exec", nil, "Run command")

	go func() {
		time.Sleep(20 * time.Millisecond)
		m.Reject("s1")
	}()

	status, err := m.WaitForApproval(context.Background(), "s1", time.Second)
	if err != nil {
		t.Fatalf("WaitForApproval: %v", err)
	}
	if status != models.PlanRejected {
		t.Errorf("status = %s, want rejected", status)
	}
}

func TestWaitTimeout(t *testing.T) {
	m := NewManager(nil)
	m.AddStep("s1", "exec", nil, "Run command")

	_, err := m.WaitForApproval(context.Background(), "s1", 30*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", err)
	}
}

func TestNewPlanReplacesOldAndRejectsWaiter(t *testing.T) {
	m := NewManager(nil)
	m.AddStep("s1", "exec", nil, "first")

	done := make(chan models.PlanStatus, 1)
	go func() {
		status, _ := m.WaitForApproval(context.Background(), "s1", 5*time.Second)
		done <- status
	}()
	time.Sleep(20 * time.Millisecond)

	m.Replace("s1")
	m.AddStep("s1", "write_file", nil, "second")

	select {
	case status := <-done:
		if status != models.PlanRejected {
			t.Errorf("replaced waiter saw %s, want rejected", status)
		}
	case <-time.After(time.Second):
		t.Fatal("replaced waiter not released")
	}

	p := m.GetActivePlan("s1")
	if p == nil || len(p.Steps) != 1 || p.Steps[0].Preview != "second" {
		t.Errorf("active plan after replace = %+v", p)
	}
}

func TestExpiredPlanIsAbsentAndPurged(t *testing.T) {
	m := NewManager(nil)

	past := time.Now().Add(-10 * time.Minute)
	m.now = func() time.Time { return past }
	m.AddStep("s1", "exec", nil, "old")
	m.now = time.Now

	if p := m.GetActivePlan("s1"); p != nil {
		t.Errorf("expired plan should be absent, got %+v", p)
	}
	// Purged: approving now reports no plan.
	if err := m.Approve("s1"); !errors.Is(err, ErrNoPlan) {
		t.Errorf("Approve after expiry = %v, want ErrNoPlan", err)
	}
}

func TestApproveWithoutPlan(t *testing.T) {
	m := NewManager(nil)
	if err := m.Approve("missing"); !errors.Is(err, ErrNoPlan) {
		t.Errorf("err = %v, want ErrNoPlan", err)
	}
}

func TestExecutionLifecycle(t *testing.T) {
	m := NewManager(nil)
	m.AddStep("s1", "exec", nil, "cmd")
	m.Approve("s1")

	m.MarkExecuting("s1")
	if p := m.GetActivePlan("s1"); p == nil || p.Status != models.PlanExecuting {
		t.Errorf("plan = %+v, want executing", p)
	}

	m.MarkCompleted("s1")
	if p := m.GetActivePlan("s1"); p != nil {
		t.Errorf("completed plan should be dropped, got %+v", p)
	}
}
