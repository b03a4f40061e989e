package email

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"

	"auto-focus.app/licensing/internal/logger"
)

var (
	ErrMissingConfig     = errors.New("SMTP configuration missing")
	ErrInvalidConfig     = errors.New("invalid email configuration")
	ErrFailedToSendEmail = errors.New("failed to send email")
)

// Message is a plain-text transactional email.
type Message struct {
	To      string
	Subject string
	Body    string
	Tag     string
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
}

type SMTPSender struct {
	cfg  SMTPConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	if cfg.Host == "" || cfg.Port == "" || cfg.Username == "" || cfg.Password == "" {
		logger.Error("SMTP configuration missing")
		return nil, ErrMissingConfig
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	return &SMTPSender{cfg: cfg, send: smtp.SendMail}, nil
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)

	body := []byte(fmt.Sprintf("From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"\r\n"+
		"%s\r\n", s.cfg.From, msg.To, msg.Subject, msg.Body))

	addr := fmt.Sprintf("%s:%s", s.cfg.Host, s.cfg.Port)
	if err := s.send(addr, auth, s.cfg.From, []string{msg.To}, body); err != nil {
		return errors.Join(ErrFailedToSendEmail, err)
	}
	return nil
}

// LogSender only logs outgoing mail. Used when no email service is configured.
type LogSender struct{}

func (LogSender) Send(ctx context.Context, msg Message) error {
	logger.Info("Email not sent (log sender)", map[string]interface{}{
		"to":      msg.To,
		"subject": msg.Subject,
		"tag":     msg.Tag,
	})
	return nil
}
