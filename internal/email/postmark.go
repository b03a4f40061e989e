package email

import (
	"context"
	"errors"
	"fmt"

	"github.com/mrz1836/postmark"
)

type PostmarkConfig struct {
	ServerToken  string
	AccountToken string
	From         string
	ReplyTo      string
}

type postmarkAPI interface {
	SendEmail(ctx context.Context, email postmark.Email) (postmark.EmailResponse, error)
}

type PostmarkSender struct {
	client postmarkAPI
	cfg    PostmarkConfig
}

func NewPostmarkSender(cfg PostmarkConfig) (*PostmarkSender, error) {
	if cfg.ServerToken == "" || cfg.AccountToken == "" {
		return nil, fmt.Errorf("%w: postmark server and account tokens are required", ErrInvalidConfig)
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("%w: sender address is required", ErrInvalidConfig)
	}
	return &PostmarkSender{
		client: postmark.NewClient(cfg.ServerToken, cfg.AccountToken),
		cfg:    cfg,
	}, nil
}

func (p *PostmarkSender) Send(ctx context.Context, msg Message) error {
	resp, err := p.client.SendEmail(ctx, postmark.Email{
		From:     p.cfg.From,
		ReplyTo:  p.cfg.ReplyTo,
		To:       msg.To,
		Subject:  msg.Subject,
		Tag:      msg.Tag,
		TextBody: msg.Body,
	})
	if err != nil {
		return errors.Join(ErrFailedToSendEmail, err)
	}
	if resp.ErrorCode > 0 {
		return errors.Join(
			ErrFailedToSendEmail,
			fmt.Errorf("postmark error: %d - %s", resp.ErrorCode, resp.Message),
		)
	}
	return nil
}
