// Package notify renders and delivers the identity emails: password reset,
// invitations, welcome and membership notices. Services build an Intent and
// hand it to a Mailer; the SMTP mailer picks the tenant's own mail server
// when one is configured and the platform server otherwise.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"text/template"
)

// Template names an email template
type Template string

const (
	TemplatePasswordReset      Template = "password_reset"
	TemplateInviteNewUser      Template = "invite_new_user"
	TemplateInviteExistingUser Template = "invite_existing_user"
	TemplateWelcome            Template = "welcome"
	TemplateNewMember          Template = "new_member"
	TemplateTenantAssignment   Template = "tenant_assignment"
	TemplatePasswordChanged    Template = "password_changed"
)

// Intent is a request to send one email
type Intent struct {
	Template Template
	To       string
	// TenantID selects the tenant SMTP override; empty uses the platform server
	TenantID string
	Data     map[string]interface{}
}

// Message is a rendered email
type Message struct {
	Subject string
	Body    string
}

// Mailer delivers intents
type Mailer interface {
	Send(ctx context.Context, in Intent) error
}

type emailTemplate struct {
	subject *template.Template
	body    *template.Template
}

func mustTemplate(name, subject, body string) emailTemplate {
	return emailTemplate{
		subject: template.Must(template.New(name + ".subject").Option("missingkey=error").Parse(subject)),
		body:    template.Must(template.New(name + ".body").Option("missingkey=error").Parse(body)),
	}
}

var templates = map[Template]emailTemplate{
	TemplatePasswordReset: mustTemplate("password_reset",
		`Reset your password`,
		`Hello {{.Name}},

We received a request to reset your password. Use the link below to choose a new one:

{{.ResetURL}}

The link expires in {{.ExpiresHours}} hour(s). If you did not ask for a reset, ignore this email.
`),
	TemplateInviteNewUser: mustTemplate("invite_new_user",
		`You have been invited to {{.TenantName}}`,
		`Hello,

{{.InviterName}} invited you to join {{.TenantName}} as {{.Role}}.

Create your account here:

{{.AcceptURL}}

The invitation expires in {{.ExpiresHours}} hours.
`),
	TemplateInviteExistingUser: mustTemplate("invite_existing_user",
		`You have been added to {{.TenantName}}`,
		`Hello {{.Name}},

{{.InviterName}} invited you to join {{.TenantName}} as {{.Role}}.
Accept the invitation with your existing account:

{{.AcceptURL}}

The invitation expires in {{.ExpiresHours}} hours.
`),
	TemplateWelcome: mustTemplate("welcome",
		`Welcome to {{.TenantName}}`,
		`Hello {{.Name}},

Your access to {{.TenantName}} is ready. Sign in at:

{{.LoginURL}}
`),
	TemplateNewMember: mustTemplate("new_member",
		`New member in {{.TenantName}}`,
		`Hello {{.AdminName}},

{{.MemberName}} ({{.MemberEmail}}) accepted the invitation and joined {{.TenantName}} as {{.Role}}.
`),
	TemplateTenantAssignment: mustTemplate("tenant_assignment",
		`You now have access to {{.TenantName}}`,
		`Hello {{.Name}},

An administrator gave you access to {{.TenantName}} as {{.Role}}. Sign in at:

{{.LoginURL}}
`),
	TemplatePasswordChanged: mustTemplate("password_changed",
		`Your password was changed`,
		`Hello {{.Name}},

The password for your account was changed on {{.ChangedAt}}.
If this was not you, reset your password immediately and contact your administrator.
`),
}

// Templates lists every known template
func Templates() []Template {
	return []Template{
		TemplatePasswordReset, TemplateInviteNewUser, TemplateInviteExistingUser,
		TemplateWelcome, TemplateNewMember, TemplateTenantAssignment, TemplatePasswordChanged,
	}
}

// Render produces the subject and body for in
func Render(in Intent) (Message, error) {
	t, ok := templates[in.Template]
	if !ok {
		return Message{}, fmt.Errorf("unknown email template %q", in.Template)
	}

	var subject, body bytes.Buffer
	if err := t.subject.Execute(&subject, in.Data); err != nil {
		return Message{}, fmt.Errorf("render %s subject: %w", in.Template, err)
	}
	if err := t.body.Execute(&body, in.Data); err != nil {
		return Message{}, fmt.Errorf("render %s body: %w", in.Template, err)
	}
	return Message{Subject: subject.String(), Body: body.String()}, nil
}
