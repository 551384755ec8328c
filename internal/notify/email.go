package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/jordan-wright/email"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("consultwatch/internal/notify")

type EmailConfig struct {
	Server       string   `json:"server"`
	Port         int      `json:"port"`
	EmailAddress string   `json:"email_address"`
	Password     string   `json:"password"`
	To           []string `json:"to"`
}

func (c EmailConfig) Enabled() bool {
	return c.Server != "" && c.EmailAddress != "" && len(c.To) > 0
}

type sendFunc func(mail *email.Email, addr string, auth smtp.Auth) error

// EmailSink mails each notification through an SMTP server.
type EmailSink struct {
	config EmailConfig
	send   sendFunc
}

func NewEmailSink(config EmailConfig) EmailSink {
	return EmailSink{
		config: config,
		send: func(mail *email.Email, addr string, auth smtp.Auth) error {
			return mail.Send(addr, auth)
		},
	}
}

func (s EmailSink) Notify(ctx context.Context, n Notification) error {
	_, span := tracer.Start(ctx, "notify:email")
	defer span.End()
	span.SetAttributes(attribute.Int64("message_id", n.Id()))

	subject, body := Render(n)

	mail := email.NewEmail()
	mail.From = fmt.Sprintf("consultwatch <%s>", s.config.EmailAddress)
	mail.To = s.config.To
	mail.Subject = subject
	mail.Text = []byte(body)

	addr := fmt.Sprintf("%s:%d", s.config.Server, s.config.Port)
	err := s.send(mail, addr, smtp.PlainAuth("", s.config.EmailAddress, s.config.Password, s.config.Server))
	if err != nil && strings.Contains(err.Error(), "server doesn't support AUTH") {
		err = s.send(mail, addr, nil)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to send email")
		return fmt.Errorf("send notification email: %w", err)
	}
	return nil
}
