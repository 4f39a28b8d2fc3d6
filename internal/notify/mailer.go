// ABOUTME: SMTP mailer implementation of the Notifier interface
// ABOUTME: Prefixes subjects with the client org so operators can route alerts

package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/wneessen/go-mail"
)

// MailerConfig holds SMTP delivery settings.
type MailerConfig struct {
	Host       string
	Port       int
	Username   string
	Password   string
	From       string
	Recipients []string
	ClientOrg  string
}

// Mailer sends alerts by email.
type Mailer struct {
	cfg    MailerConfig
	client *mail.Client
	logger *slog.Logger
}

// NewMailer creates a mailer from config. Pass nil logger for the default.
func NewMailer(cfg MailerConfig, logger *slog.Logger) (*Mailer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := mail.NewClient(cfg.Host,
		mail.WithPort(cfg.Port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(cfg.Username),
		mail.WithPassword(cfg.Password),
	)
	if err != nil {
		return nil, fmt.Errorf("creating smtp client: %w", err)
	}
	return &Mailer{
		cfg:    cfg,
		client: client,
		logger: logger.With("component", "mailer"),
	}, nil
}

// Send delivers one alert email to all configured recipients. The subject is
// prefixed with the client org.
func (m *Mailer) Send(ctx context.Context, alert Alert) error {
	msg := mail.NewMsg()
	if err := msg.From(m.cfg.From); err != nil {
		return fmt.Errorf("setting alert sender: %w", err)
	}
	if err := msg.To(m.cfg.Recipients...); err != nil {
		return fmt.Errorf("setting alert recipients: %w", err)
	}
	msg.Subject(fmt.Sprintf("%s server: %s", m.cfg.ClientOrg, alert.Subject))
	msg.SetBodyString(mail.TypeTextPlain, alert.Text)

	if err := m.client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("sending alert mail: %w", err)
	}

	m.logger.Info("alert sent",
		"subject", alert.Subject,
		"recipients", len(m.cfg.Recipients),
	)
	return nil
}
