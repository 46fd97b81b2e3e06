package services

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/relaypanel/backend/internal/config"
	"github.com/relaypanel/backend/pkg/logger"
)

type EmailMessage struct {
	To      string
	Subject string
	Body    string
}

// EmailSender delivers transactional mail. Delivery is best effort at every
// call site: a mail failure never fails the request that triggered it.
type EmailSender interface {
	Send(ctx context.Context, msg EmailMessage) error
}

// NewEmailSender returns the SMTP sender when configured, otherwise a
// sender that only logs. Local development and tests run without SMTP.
func NewEmailSender(cfg config.SMTPConfig) EmailSender {
	if cfg.Enabled && cfg.Host != "" {
		return &SMTPSender{cfg: cfg}
	}
	return &LogSender{}
}

type SMTPSender struct {
	cfg config.SMTPConfig
}

func (s *SMTPSender) Send(_ context.Context, msg EmailMessage) error {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.Body)

	addr := s.cfg.Host + ":" + s.cfg.Port
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}

	return smtp.SendMail(addr, auth, s.cfg.From, []string{msg.To}, []byte(b.String()))
}

// LogSender records the mail instead of delivering it.
type LogSender struct{}

func (s *LogSender) Send(_ context.Context, msg EmailMessage) error {
	logger.Info("email delivery skipped, smtp disabled", map[string]interface{}{
		"to":      msg.To,
		"subject": msg.Subject,
	})
	return nil
}

// SendWelcomeEmail greets a freshly registered account. Fire and forget.
func SendWelcomeEmail(sender EmailSender, email, username string) {
	go func() {
		msg := EmailMessage{
			To:      email,
			Subject: "Welcome to Relay Panel",
			Body: fmt.Sprintf(
				"Hi %s,\n\nYour Relay Panel account is ready. Sign in to pick a plan and grab your subscription link.\n\nIf you did not create this account, contact support.\n",
				username,
			),
		}
		if err := sender.Send(context.Background(), msg); err != nil {
			logger.Error("failed to send welcome email", err, map[string]interface{}{
				"to": email,
			})
		}
	}()
}
