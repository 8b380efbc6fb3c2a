package services

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/clinicore/identity/internal/db/models"
	"github.com/clinicore/identity/internal/notify"
	"github.com/clinicore/identity/internal/safego"
	"github.com/clinicore/identity/internal/telemetry"
)

const asyncMailTimeout = 30 * time.Second

// Email delivery results for AuthEmailsTotal
const (
	mailSent   = "sent"
	mailFailed = "failed"
)

// mailDispatcher sends email intents and builds the links they carry
type mailDispatcher struct {
	mailer      notify.Mailer
	audit       *AuditEmitter
	frontendURL string
}

func newMailDispatcher(mailer notify.Mailer, emitter *AuditEmitter, frontendURL string) *mailDispatcher {
	if mailer == nil {
		mailer = notify.LogMailer{}
	}
	return &mailDispatcher{mailer: mailer, audit: emitter, frontendURL: strings.TrimRight(frontendURL, "/")}
}

// send delivers in and returns the delivery error
func (d *mailDispatcher) send(ctx context.Context, in notify.Intent) error {
	err := d.mailer.Send(ctx, in)
	result := mailSent
	if err != nil {
		result = mailFailed
	}
	telemetry.AuthEmailsTotal.WithLabelValues(string(in.Template), result).Inc()
	return err
}

// sendAsync delivers in the background. Failures are logged and audited as
// EMAIL_FAILED, never returned.
func (d *mailDispatcher) sendAsync(ctx context.Context, in notify.Intent) {
	ctx = context.WithoutCancel(ctx)
	safego.Go("email", func() {
		sendCtx, cancel := context.WithTimeout(ctx, asyncMailTimeout)
		defer cancel()
		if err := d.send(sendCtx, in); err != nil {
			slog.Error("failed to send email", "template", in.Template, "tenant_id", in.TenantID, "error", err)
			d.recordFailure(ctx, in, err)
		}
	})
}

func (d *mailDispatcher) recordFailure(ctx context.Context, in notify.Intent, err error) {
	if d.audit == nil {
		return
	}
	d.audit.EmitBestEffort(ctx, Event{
		Action:      models.ActionEmailFailed,
		TenantID:    in.TenantID,
		EntityType:  "email",
		Description: "email delivery failed",
		Details: map[string]interface{}{
			"template":  string(in.Template),
			"recipient": in.To,
			"error":     err.Error(),
		},
	})
}

func (d *mailDispatcher) link(path, token string) string {
	if token == "" {
		return d.frontendURL + path
	}
	return d.frontendURL + path + "?token=" + url.QueryEscape(token)
}

func (d *mailDispatcher) resetURL(token string) string  { return d.link("/reset-password", token) }
func (d *mailDispatcher) acceptURL(token string) string { return d.link("/accept-invitation", token) }
func (d *mailDispatcher) loginURL() string              { return d.link("/login", "") }
