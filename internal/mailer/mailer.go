// Package mailer delivers email through pluggable transports: SMTP for
// production and a log-only mailer for development.
package mailer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mail "github.com/wneessen/go-mail"
)

// smtpTimeout bounds the SMTP dial and send.
const smtpTimeout = 15 * time.Second

// Message is a single outbound email.
type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

// Mailer sends email messages.
type Mailer interface {
	Send(ctx context.Context, msg *Message) error
}

// LogMailer logs messages instead of delivering them. Useful for development.
type LogMailer struct {
	logger *slog.Logger
}

// NewLogMailer creates a LogMailer. If logger is nil, slog.Default() is used.
func NewLogMailer(logger *slog.Logger) *LogMailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMailer{logger: logger}
}

func (m *LogMailer) Send(_ context.Context, msg *Message) error {
	m.logger.Info("mailer.LogMailer", "to", msg.To, "subject", msg.Subject, "text", msg.Text)
	return nil
}

// SMTPConfig holds SMTP delivery settings.
type SMTPConfig struct {
	Host       string
	Port       int
	Username   string
	Password   string
	From       string
	FromName   string
	AuthMethod string // PLAIN (default), LOGIN, CRAM-MD5
}

// SMTPMailer delivers email over SMTP.
type SMTPMailer struct {
	cfg SMTPConfig
}

// NewSMTPMailer creates an SMTPMailer. A zero Port defaults to 587.
func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &SMTPMailer{cfg: cfg}
}

func (m *SMTPMailer) Send(ctx context.Context, msg *Message) error {
	email := mail.NewMsg()
	if err := email.From(m.formatFrom()); err != nil {
		return fmt.Errorf("smtp: from address: %w", err)
	}
	if err := email.To(msg.To); err != nil {
		return fmt.Errorf("smtp: to address: %w", err)
	}
	email.Subject(msg.Subject)
	switch {
	case msg.Text != "" && msg.HTML != "":
		email.SetBodyString(mail.TypeTextPlain, msg.Text)
		email.AddAlternativeString(mail.TypeTextHTML, msg.HTML)
	case msg.HTML != "":
		email.SetBodyString(mail.TypeTextHTML, msg.HTML)
	default:
		email.SetBodyString(mail.TypeTextPlain, msg.Text)
	}

	opts := []mail.Option{
		mail.WithPort(m.cfg.Port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
		mail.WithTimeout(smtpTimeout),
	}
	if m.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(m.authType()),
			mail.WithUsername(m.cfg.Username),
			mail.WithPassword(m.cfg.Password),
		)
	}

	client, err := mail.NewClient(m.cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("smtp: client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, email); err != nil {
		return fmt.Errorf("smtp: send: %w", err)
	}
	return nil
}

func (m *SMTPMailer) formatFrom() string {
	if m.cfg.FromName == "" {
		return m.cfg.From
	}
	return fmt.Sprintf("%s <%s>", m.cfg.FromName, m.cfg.From)
}

func (m *SMTPMailer) authType() mail.SMTPAuthType {
	switch strings.ToUpper(m.cfg.AuthMethod) {
	case "LOGIN":
		return mail.SMTPAuthLogin
	case "CRAM-MD5":
		return mail.SMTPAuthCramMD5
	default:
		return mail.SMTPAuthPlain
	}
}
