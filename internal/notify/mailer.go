package notify

import (
	"fmt"
	"net/smtp"
	"strings"
)

// Mailer delivers a message to a set of addresses. A nil Mailer on the
// Dispatcher disables email entirely.
type Mailer interface {
	Send(recipients []string, subject, body string) error
}

// SMTPMailer sends plain-text mail through a single SMTP host.
type SMTPMailer struct {
	Host string
	Port int
	From string
}

func (m SMTPMailer) Send(recipients []string, subject, body string) error {
	if len(recipients) == 0 {
		return nil
	}
	addr := fmt.Sprintf("%s:%d", m.Host, m.Port)
	msg := strings.Join([]string{
		"From: " + m.From,
		"To: " + strings.Join(recipients, ", "),
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=utf-8",
		"",
		body,
	}, "\r\n")
	if err := smtp.SendMail(addr, nil, m.From, recipients, []byte(msg)); err != nil {
		return fmt.Errorf("smtp send via %s: %w", addr, err)
	}
	return nil
}
