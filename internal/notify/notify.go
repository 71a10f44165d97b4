package notify

import (
	"context"
	"log/slog"
)

// Mailer delivers a templated notification to a set of recipients. Delivery
// is fire-and-forget from the core's perspective: callers log failures and
// never let them roll back a committed operation.
type Mailer interface {
	SendMail(ctx context.Context, template string, data map[string]any, to []string, cc []string) error
}

// LogMailer writes notifications to the log instead of delivering them.
// Stands in for a real delivery backend in development and tests.
type LogMailer struct {
	Logger *slog.Logger
}

func NewLogMailer(logger *slog.Logger) *LogMailer {
	return &LogMailer{Logger: logger}
}

func (m *LogMailer) SendMail(ctx context.Context, template string, data map[string]any, to []string, cc []string) error {
	m.Logger.Info("sending mail",
		"template", template,
		"to", to,
		"cc", cc,
		"data", data)
	return nil
}
