package notify

import (
	"context"
	"log/slog"
)

// LogMailer renders intents and logs them instead of sending. It is used when
// notifications are disabled. Bodies carry tokens and are never logged.
type LogMailer struct{}

// Send implements Mailer
func (LogMailer) Send(_ context.Context, in Intent) error {
	msg, err := Render(in)
	if err != nil {
		return err
	}
	slog.Info("email intent (delivery disabled)",
		"template", string(in.Template),
		"to", in.To,
		"tenant_id", in.TenantID,
		"subject", msg.Subject,
	)
	return nil
}
