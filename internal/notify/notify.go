// Package notify delivers user-facing risk messages.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Severity is the toast variant shown to the user.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Notification is one user-facing message.
type Notification struct {
	UserID   string
	Severity Severity
	Title    string
	Message  string
	At       time.Time
}

// Notifier is a fire-and-forget sink. Implementations must not block the caller
// on delivery failures.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// LogNotifier writes notifications to a structured logger.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(ctx context.Context, n Notification) {
	level := slog.LevelWarn
	if n.Severity == SeverityCritical {
		level = slog.LevelError
	}
	l.logger.Log(ctx, level, n.Title,
		"user_id", n.UserID,
		"severity", string(n.Severity),
		"message", n.Message,
	)
}

// Recorder keeps notifications in memory.
type Recorder struct {
	mu   sync.Mutex
	sent []Notification
}

func (r *Recorder) Notify(_ context.Context, n Notification) {
	r.mu.Lock()
	r.sent = append(r.sent, n)
	r.mu.Unlock()
}

// Sent returns a copy of everything recorded so far.
func (r *Recorder) Sent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.sent...)
}
