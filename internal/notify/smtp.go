package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/clinicore/identity/internal/apperr"
	"github.com/clinicore/identity/internal/config"
	"github.com/clinicore/identity/internal/crypto"
	"github.com/clinicore/identity/internal/db/models"
)

// ErrNotConfigured is returned when neither the tenant nor the platform has a mail server
var ErrNotConfigured = errors.New("notify: no smtp server configured")

// TenantLookup loads the tenant that owns an SMTP override
type TenantLookup interface {
	GetByID(ctx context.Context, id string) (*models.Tenant, error)
}

// TamperHandler is called when a tenant's stored SMTP password cannot be decrypted
type TamperHandler func(ctx context.Context, tenantID string, err error)

// server is a resolved mail server
type server struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
	UseTLS   bool
	UseSSL   bool
}

type deliverFunc func(srv server, to []string, msg []byte) error

// SMTPMailer delivers intents over SMTP
type SMTPMailer struct {
	platform   config.SMTPConfig
	tenants    TenantLookup
	cipher     *crypto.SecretCipher
	onTampered TamperHandler
	deliver    deliverFunc
	now        func() time.Time
}

// NewSMTPMailer creates a mailer. tenants and cipher may be nil, in which case
// only the platform server is used.
func NewSMTPMailer(platform config.SMTPConfig, tenants TenantLookup, cipher *crypto.SecretCipher, onTampered TamperHandler) *SMTPMailer {
	return &SMTPMailer{
		platform:   platform,
		tenants:    tenants,
		cipher:     cipher,
		onTampered: onTampered,
		deliver:    deliverSMTP,
		now:        time.Now,
	}
}

// Send implements Mailer
func (m *SMTPMailer) Send(ctx context.Context, in Intent) error {
	msg, err := Render(in)
	if err != nil {
		return err
	}

	srv, err := m.resolve(ctx, in.TenantID)
	if err != nil {
		return err
	}

	return m.deliver(srv, []string{in.To}, m.compose(srv, in.To, msg))
}

// resolve picks the tenant override when it is enabled and complete,
// otherwise the platform server
func (m *SMTPMailer) resolve(ctx context.Context, tenantID string) (server, error) {
	if tenantID != "" && m.tenants != nil {
		t, err := m.tenants.GetByID(ctx, tenantID)
		if err != nil {
			slog.Warn("notify: tenant smtp lookup failed, using platform server", "tenant_id", tenantID, "error", err)
		} else if t != nil && t.SMTPSettings.Usable() {
			return m.tenantServer(ctx, t)
		}
	}

	if m.platform.Host == "" {
		return server{}, ErrNotConfigured
	}
	return server{
		Host:     m.platform.Host,
		Port:     m.platform.Port,
		Username: m.platform.Username,
		Password: m.platform.Password,
		From:     m.platform.From,
		FromName: m.platform.FromName,
		UseTLS:   m.platform.UseTLS,
		UseSSL:   m.platform.UseTLS && m.platform.Port == 465,
	}, nil
}

func (m *SMTPMailer) tenantServer(ctx context.Context, t *models.Tenant) (server, error) {
	s := t.SMTPSettings
	srv := server{
		Host:   *s.Host,
		Port:   587,
		From:   *s.FromEmail,
		UseTLS: s.UseTLS,
		UseSSL: s.UseSSL,
	}
	if s.Port != nil {
		srv.Port = *s.Port
	}
	if s.Username != nil {
		srv.Username = *s.Username
	}
	if s.FromName != nil {
		srv.FromName = *s.FromName
	}

	if s.HasPassword() {
		if m.cipher == nil {
			return server{}, apperr.ConfigTampered(errors.New("no cipher configured for tenant smtp password"))
		}
		plain, err := m.cipher.Open(*s.PasswordEncrypted)
		if err != nil {
			if m.onTampered != nil {
				m.onTampered(ctx, t.ID, err)
			}
			return server{}, apperr.ConfigTampered(err)
		}
		srv.Password = plain
	}
	return srv, nil
}

func (m *SMTPMailer) compose(srv server, to string, msg Message) []byte {
	from := (&mail.Address{Name: srv.FromName, Address: srv.From}).String()
	headers := strings.Join([]string{
		"From: " + from,
		"To: " + to,
		"Subject: " + msg.Subject,
		"Date: " + m.now().UTC().Format(time.RFC1123Z),
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=utf-8",
	}, "\r\n")
	body := strings.ReplaceAll(msg.Body, "\n", "\r\n")
	return []byte(headers + "\r\n\r\n" + body + "\r\n")
}

func deliverSMTP(srv server, to []string, msg []byte) error {
	addr := net.JoinHostPort(srv.Host, strconv.Itoa(srv.Port))

	var auth smtp.Auth
	if srv.Username != "" {
		auth = smtp.PlainAuth("", srv.Username, srv.Password, srv.Host)
	}

	if srv.UseSSL {
		return sendMailTLS(addr, srv.Host, auth, srv.From, to, msg)
	}
	// smtp.SendMail upgrades with STARTTLS whenever the server offers it
	return smtp.SendMail(addr, auth, srv.From, to, msg)
}

// sendMailTLS connects via implicit TLS (port 465) and sends a message,
// falling back to the STARTTLS path when the TLS dial fails.
func sendMailTLS(addr, host string, auth smtp.Auth, from string, to []string, msg []byte) error {
	tlsConfig := &tls.Config{
		ServerName: host,
		MinVersion: tls.VersionTLS12,
	}

	conn, err := tls.Dial("tcp", addr, tlsConfig)
	if err != nil {
		return smtp.SendMail(addr, auth, from, to, msg)
	}
	defer conn.Close()

	c, err := smtp.NewClient(conn, host)
	if err != nil {
		return fmt.Errorf("smtp new client: %w", err)
	}
	defer c.Quit() //nolint:errcheck

	if auth != nil {
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.Mail(from); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp RCPT TO %s: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	return w.Close()
}
