package adapters

import (
	"context"
	"fmt"

	"gopkg.in/gomail.v2"

	"kycgate/internal/kyc/models"
	"kycgate/internal/kyc/ports"
	"kycgate/internal/platform/config"
)

const codeSubject = "Your verification code"

// Dialer is satisfied by *gomail.Dialer.
type Dialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// EmailSender delivers codes over SMTP.
type EmailSender struct {
	dialer Dialer
	from   string
}

// NewEmailSender returns nil when no SMTP host is configured.
func NewEmailSender(cfg config.SMTPConfig) *EmailSender {
	if cfg.Host == "" {
		return nil
	}
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, string(cfg.Password.Reveal()))
	return NewEmailSenderWithDialer(d, cfg.From)
}

func NewEmailSenderWithDialer(d Dialer, from string) *EmailSender {
	return &EmailSender{dialer: d, from: from}
}

func (s *EmailSender) Send(ctx context.Context, destination, code string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", destination)
	m.SetHeader("Subject", codeSubject)
	m.SetBody("text/plain", codeMessage(code))

	if err := s.dialer.DialAndSend(m); err != nil {
		return ports.NewCapabilityError(ports.ErrorUnavailable, "otp_email", "smtp delivery failed", err)
	}
	return nil
}

func codeMessage(code string) string {
	return fmt.Sprintf("Your verification code is %s. It expires in %d minutes.",
		code, int(models.OTPTTL.Minutes()))
}
