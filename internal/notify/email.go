// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"fmt"
	"net/smtp"

	"github.com/PostHog/posthog-sub063/internal/config"
	"github.com/automa-saga/logx"
	"github.com/jordan-wright/email"
)

// EmailNotifier sends operator alerts over SMTP. Send failures are logged and
// dropped.
type EmailNotifier struct {
	cfg config.SMTPConfig
}

func NewEmailNotifier(cfg config.SMTPConfig) *EmailNotifier {
	return &EmailNotifier{cfg: cfg}
}

func (n *EmailNotifier) Notify(kind EventKind, migrationName, details string) {
	msg := email.NewEmail()
	msg.From = n.cfg.From
	msg.To = n.cfg.To
	msg.Subject = fmt.Sprintf("[async migrations] %s: %s", kind, migrationName)
	msg.Text = []byte(fmt.Sprintf(
		"Migration: %s\nEvent: %s\n\n%s\n", migrationName, kind, details))

	addr := fmt.Sprintf("%s:%d", n.cfg.Host, n.cfg.Port)
	var auth smtp.Auth
	if n.cfg.User != "" {
		auth = smtp.PlainAuth("", n.cfg.User, n.cfg.Password, n.cfg.Host)
	}

	if err := msg.Send(addr, auth); err != nil {
		logx.As().Error().
			Err(err).
			Str("event", string(kind)).
			Str("migration", migrationName).
			Msg("Failed to deliver notification email")
	}
}

// FromConfig picks the email notifier when SMTP is configured and falls back
// to the log otherwise.
func FromConfig(cfg config.SMTPConfig) Notifier {
	if cfg.Host == "" {
		return LogNotifier{}
	}
	return NewEmailNotifier(cfg)
}
