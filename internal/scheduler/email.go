package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net/textproto"

	"gopkg.in/gomail.v2"

	"github.com/iago/membership-intake/internal/domain"
	"github.com/iago/membership-intake/internal/retry"
)

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// EmailSender delivers e-mail messages over SMTP.
type EmailSender struct {
	dialer *gomail.Dialer
	from   string
}

func NewEmailSender(cfg SMTPConfig) *EmailSender {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &EmailSender{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:   cfg.From,
	}
}

func (s *EmailSender) Send(ctx context.Context, message *domain.Message) error {
	if message.Channel != domain.ChannelEmail {
		return retry.Permanent(fmt.Errorf("email sender cannot deliver %q messages", message.Channel))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := buildEmail(s.from, message)
	if err := s.dialer.DialAndSend(msg); err != nil {
		return classifySMTPError(err)
	}
	return nil
}

func buildEmail(from string, message *domain.Message) *gomail.Message {
	msg := gomail.NewMessage()
	msg.SetHeader("From", from)
	msg.SetHeader("To", message.Recipient)
	msg.SetHeader("Subject", message.Subject)
	msg.SetBody("text/plain", message.Body)
	return msg
}

// classifySMTPError marks 5xx replies (bad mailbox, rejected content) as
// permanent; connection problems and 4xx replies stay retryable.
func classifySMTPError(err error) error {
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) && protoErr.Code >= 500 {
		return retry.Permanent(fmt.Errorf("smtp rejected message: %w", err))
	}
	return fmt.Errorf("smtp send: %w", err)
}
