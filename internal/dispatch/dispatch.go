package dispatch

import (
	"context"
	"errors"
	"log/slog"
)

// Notifier is the push-notification collaborator. Callers treat it as
// fire-and-forget; an error is only ever logged.
type Notifier interface {
	Notify(ctx context.Context, customerID, title, message string) error
}

// Notification is the payload every transport sends.
type Notification struct {
	Type       string `json:"type"`
	CustomerID string `json:"customer_id"`
	Title      string `json:"title"`
	Message    string `json:"message"`
}

func newNotification(customerID, title, message string) Notification {
	return Notification{Type: "notification", CustomerID: customerID, Title: title, Message: message}
}

// LogNotifier only logs; the default when no transport is configured.
type LogNotifier struct{ Logger *slog.Logger }

func (l LogNotifier) Notify(ctx context.Context, customerID, title, message string) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notify", "customer_id", customerID, "title", title, "message", message)
	return nil
}

// Multi fans out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, customerID, title, message string) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, customerID, title, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
