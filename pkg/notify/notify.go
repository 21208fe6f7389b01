// Package notify forwards generated patches and audit remediation items to
// an external alerting channel. Delivery is best effort: callers log
// notifier errors and carry on.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Kind of notification.
type Kind string

const (
	KindPatchGenerated      Kind = "patch_generated"
	KindRemediationRequired Kind = "remediation_required"
)

// Notification is one message to deliver.
type Notification struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Subject   string    `json:"subject"`
	CreatedAt time.Time `json:"created_at"`
	Payload   any       `json:"payload"`
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Nop discards every notification.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) error { return nil }

// LogNotifier writes notifications to a structured logger.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier logs through logger, or the default logger when nil.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "notify")}
}

func (l *LogNotifier) Notify(ctx context.Context, n Notification) error {
	l.logger.InfoContext(ctx, "notification", "id", n.ID, "kind", n.Kind, "subject", n.Subject)
	return nil
}

// Multi fans a notification out to every sink. All sinks are attempted;
// their errors are joined.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
