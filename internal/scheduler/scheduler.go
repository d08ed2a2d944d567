// Package scheduler delivers reminders: deferred prompts that re-enter
// the bus at their trigger time on behalf of the session that created
// them.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/pocketpaw/pocketpaw/internal/bus"
	"github.com/pocketpaw/pocketpaw/pkg/models"
)

// maxSleep caps the worker's idle stretch so clock adjustments and store
// edits are picked up even without a wake signal.
const maxSleep = time.Minute

// RouteFunc resolves the transport a chat's traffic arrived on.
// Unroutable sessions fall back to the API channel.
type RouteFunc func(chatID string) (models.Channel, bool)

// Options configures a Scheduler.
type Options struct {
	Logger *slog.Logger
	Route  RouteFunc
	Now    func() time.Time // test seam
}

// Scheduler owns the reminder store and a single worker that sleeps until
// the next trigger. Triggers missed while the process was down fire at
// startup in trigger order.
type Scheduler struct {
	logger *slog.Logger
	path   string
	bus    *bus.Bus
	route  RouteFunc
	now    func() time.Time

	mu        sync.Mutex
	reminders map[string]models.Reminder
	wake      chan struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New loads the reminder file (missing is fine) and returns a stopped
// scheduler.
func New(path string, b *bus.Bus, opts Options) (*Scheduler, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	s := &Scheduler{
		logger:    logger.With("component", "scheduler"),
		path:      path,
		bus:       b,
		route:     opts.Route,
		now:       now,
		reminders: make(map[string]models.Reminder),
		wake:      make(chan struct{}, 1),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Start launches the worker.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(runCtx)
	}()
}

// Stop halts the worker, waiting up to the context deadline.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Create validates and stores a reminder, waking the worker. It satisfies
// the reminder tool's creator interface.
func (s *Scheduler) Create(_ context.Context, reminder models.Reminder) (models.Reminder, error) {
	if strings.TrimSpace(reminder.Text) == "" {
		return models.Reminder{}, fmt.Errorf("reminder text is empty")
	}

	now := s.now()
	if reminder.CronExpr != "" {
		schedule, err := cron.ParseStandard(reminder.CronExpr)
		if err != nil {
			return models.Reminder{}, fmt.Errorf("invalid cron expression %q: %w", reminder.CronExpr, err)
		}
		if reminder.TriggerAt.IsZero() || !reminder.TriggerAt.After(now) {
			reminder.TriggerAt = schedule.Next(now)
		}
	} else if reminder.TriggerAt.IsZero() {
		return models.Reminder{}, fmt.Errorf("reminder trigger time is empty")
	}

	reminder.ID = uuid.NewString()
	reminder.CreatedAt = now

	s.mu.Lock()
	s.reminders[reminder.ID] = reminder
	err := s.persistLocked()
	s.mu.Unlock()
	if err != nil {
		return models.Reminder{}, err
	}

	s.logger.Info("reminder created",
		"id", reminder.ID, "trigger_at", reminder.TriggerAt, "recurring", reminder.CronExpr != "")
	s.signal()
	return reminder, nil
}

// List returns all pending reminders sorted by trigger time.
func (s *Scheduler) List() []models.Reminder {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Reminder, 0, len(s.reminders))
	for _, r := range s.reminders {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriggerAt.Before(out[j].TriggerAt) })
	return out
}

// Delete removes a reminder by id.
func (s *Scheduler) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reminders[id]; !ok {
		return fmt.Errorf("reminder %s not found", id)
	}
	delete(s.reminders, id)
	return s.persistLocked()
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run(ctx context.Context) {
	for {
		s.fireDue(ctx)

		wait := s.untilNext()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// untilNext computes the sleep until the earliest pending trigger.
func (s *Scheduler) untilNext() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	wait := maxSleep
	now := s.now()
	for _, r := range s.reminders {
		if d := r.TriggerAt.Sub(now); d < wait {
			wait = d
		}
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}

// fireDue publishes every due reminder in trigger order. Recurring
// reminders advance to their next cron occurrence; one-shots are removed.
func (s *Scheduler) fireDue(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []models.Reminder
	for _, r := range s.reminders {
		if !r.TriggerAt.After(now) {
			due = append(due, r)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].TriggerAt.Before(due[j].TriggerAt) })

	changed := false
	for _, r := range due {
		if r.CronExpr != "" {
			schedule, err := cron.ParseStandard(r.CronExpr)
			if err != nil {
				// Stored expression went bad (hand-edited file); drop it.
				s.logger.Warn("dropping reminder with invalid cron", "id", r.ID, "error", err)
				delete(s.reminders, r.ID)
				changed = true
				continue
			}
			next := r.TriggerAt
			for !next.After(now) {
				next = schedule.Next(next)
			}
			r.TriggerAt = next
			s.reminders[r.ID] = r
		} else {
			delete(s.reminders, r.ID)
		}
		changed = true
	}
	if changed {
		if err := s.persistLocked(); err != nil {
			s.logger.Error("persist reminders", "error", err)
		}
	}
	s.mu.Unlock()

	for _, r := range due {
		s.deliver(ctx, r)
	}
}

// deliver synthesizes the inbound message for one trigger.
func (s *Scheduler) deliver(ctx context.Context, r models.Reminder) {
	channel := models.ChannelAPI
	if s.route != nil {
		if ch, ok := s.route(r.SourceSessionKey); ok {
			channel = ch
		}
	}

	s.logger.Info("reminder fired", "id", r.ID, "session", r.SourceSessionKey)
	s.bus.PublishInbound(ctx, &models.InboundMessage{
		Channel:  channel,
		SenderID: "scheduler",
		ChatID:   r.SourceSessionKey,
		Content:  "Reminder: " + r.Text,
		Metadata: map[string]any{"reminder_id": r.ID},
	})
}

func (s *Scheduler) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read reminders: %w", err)
	}

	var stored []models.Reminder
	if err := json.Unmarshal(data, &stored); err != nil {
		return fmt.Errorf("parse reminders: %w", err)
	}
	for _, r := range stored {
		s.reminders[r.ID] = r
	}
	return nil
}

// persistLocked writes the store atomically. Caller holds s.mu.
func (s *Scheduler) persistLocked() error {
	out := make([]models.Reminder, 0, len(s.reminders))
	for _, r := range s.reminders {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriggerAt.Before(out[j].TriggerAt) })

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
