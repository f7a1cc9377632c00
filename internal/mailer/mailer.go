// Package mailer delivers one-time sign-in codes.
package mailer

import (
	"context"
	"fmt"
	"html"
	"log/slog"

	"github.com/resend/resend-go/v2"
)

// Sender delivers a sign-in code to an email address.
type Sender interface {
	SendSignInCode(ctx context.Context, to, code string) error
}

// ResendSender sends codes through the Resend API.
type ResendSender struct {
	client *resend.Client
	from   string
	logger *slog.Logger
}

func NewResendSender(apiKey, from string, logger *slog.Logger) *ResendSender {
	return &ResendSender{
		client: resend.NewClient(apiKey),
		from:   from,
		logger: logger,
	}
}

func (s *ResendSender) SendSignInCode(ctx context.Context, to, code string) error {
	params := &resend.SendEmailRequest{
		From:    s.from,
		To:      []string{to},
		Subject: "Your Duo sign-in code",
		Html:    signInHTML(code),
		Text:    "Your sign-in code is " + code + ". It expires in 10 minutes.",
	}
	sent, err := s.client.Emails.SendWithContext(ctx, params)
	if err != nil {
		s.logger.Error("sign-in code delivery failed", slog.String("to", to), slog.String("error", err.Error()))
		return fmt.Errorf("mailer: sending sign-in code: %w", err)
	}
	s.logger.Info("sign-in code sent", slog.String("message_id", sent.Id), slog.String("to", to))
	return nil
}

func signInHTML(code string) string {
	return `<p>Your sign-in code is</p><p style="font-size:24px;letter-spacing:4px"><strong>` +
		html.EscapeString(code) + `</strong></p><p>It expires in 10 minutes.</p>`
}

// NoopSender logs codes instead of sending them. Used in development when no
// Resend key is configured.
type NoopSender struct {
	logger *slog.Logger
}

func NewNoopSender(logger *slog.Logger) *NoopSender {
	return &NoopSender{logger: logger}
}

func (s *NoopSender) SendSignInCode(_ context.Context, to, code string) error {
	s.logger.Info("email delivery disabled, sign-in code logged instead",
		slog.String("to", to),
		slog.String("code", code),
	)
	return nil
}
