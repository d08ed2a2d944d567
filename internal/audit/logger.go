// Package audit provides the append-only JSONL audit log. Events are
// written by a single goroutine so concurrent appends never interleave,
// and they are never updated or deleted once written.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pocketpaw/pocketpaw/pkg/models"
)

// Subscriber receives events after they are durably appended.
type Subscriber func(models.AuditEvent)

// Logger appends audit events to a JSONL file and notifies subscribers.
type Logger struct {
	path   string
	logger *slog.Logger

	mu          sync.Mutex
	subscribers []Subscriber

	events chan models.AuditEvent
	done   chan struct{}
	once   sync.Once
}

// NewLogger creates an audit logger writing to path. The parent directory
// is created if needed.
func NewLogger(path string, logger *slog.Logger) (*Logger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}

	l := &Logger{
		path:   path,
		logger: logger.With("component", "audit"),
		events: make(chan models.AuditEvent, 256),
		done:   make(chan struct{}),
	}
	go l.writeLoop()
	return l, nil
}

// Subscribe registers a post-write callback. Subscribers run on the writer
// goroutine; a panicking subscriber is recovered and logged.
func (l *Logger) Subscribe(fn Subscriber) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subscribers = append(l.subscribers, fn)
}

// Record appends an event. ID and timestamp are filled in when empty.
func (l *Logger) Record(event models.AuditEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	select {
	case l.events <- event:
	case <-l.done:
	}
}

// Log is a convenience wrapper for the common fields.
func (l *Logger) Log(severity models.AuditSeverity, actor, action, target, status string, ctx map[string]any) {
	l.Record(models.AuditEvent{
		Severity: severity,
		Actor:    actor,
		Action:   action,
		Target:   target,
		Status:   status,
		Context:  ctx,
	})
}

// Close drains pending events and stops the writer.
func (l *Logger) Close() error {
	l.once.Do(func() { close(l.events) })
	<-l.done
	return nil
}

func (l *Logger) writeLoop() {
	defer close(l.done)
	for event := range l.events {
		l.append(event)
		l.notify(event)
	}
}

func (l *Logger) append(event models.AuditEvent) {
	line, err := json.Marshal(event)
	if err != nil {
		l.logger.Error("audit event marshal failed", "error", err, "action", event.Action)
		return
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		// Fatal-kind: log and carry on; the operator must intervene.
		l.logger.Error("audit log write failed", "error", err, "path", l.path)
		return
	}
	defer f.Close()

	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		l.logger.Error("audit log append failed", "error", err, "path", l.path)
	}
}

func (l *Logger) notify(event models.AuditEvent) {
	l.mu.Lock()
	subs := make([]Subscriber, len(l.subscribers))
	copy(subs, l.subscribers)
	l.mu.Unlock()

	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					l.logger.Warn("audit subscriber panicked", "panic", r)
				}
			}()
			fn(event)
		}()
	}
}

// QueryOptions filters Query results.
type QueryOptions struct {
	Severity models.AuditSeverity
	Action   string
	Since    time.Time
	Limit    int
}

// Query reads events back from the log file, oldest first. It serves the
// operational HTTP endpoints; it is not a hot path.
func (l *Logger) Query(ctx context.Context, opts QueryOptions) ([]models.AuditEvent, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []models.AuditEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var event models.AuditEvent
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			continue // tolerate a torn tail line
		}
		if opts.Severity != "" && event.Severity != opts.Severity {
			continue
		}
		if opts.Action != "" && event.Action != opts.Action {
			continue
		}
		if !opts.Since.IsZero() && event.Timestamp.Before(opts.Since) {
			continue
		}
		out = append(out, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[len(out)-opts.Limit:]
	}
	return out, nil
}
