// Package notify delivers new portal answers to the account holder.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"consultwatch/internal/portal"
)

// MaxContentLength is the number of characters of message content included
// in a rendered notification.
const MaxContentLength = 1000

// Notification is one newly answered message. Detail is nil when the message
// page could not be fetched, the summary is all there is then.
type Notification struct {
	Summary portal.MessageSummary
	Detail  *portal.MessageDetail
}

func (n Notification) Id() int64 {
	return n.Summary.Id
}

type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

type Func func(ctx context.Context, n Notification) error

func (f Func) Notify(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// Render formats n as a subject line and a plain text body.
func Render(n Notification) (subject, body string) {
	var out strings.Builder
	out.WriteString("New Message Received\n\n")

	subject = n.Summary.Subject
	date := strings.TrimSpace(n.Summary.Date + " " + n.Summary.Time)
	if n.Detail != nil {
		if n.Detail.Subject != "" {
			subject = n.Detail.Subject
		}
		if n.Detail.Date != "" {
			date = n.Detail.Date
		}
	}

	if subject != "" {
		fmt.Fprintf(&out, "Subject: %s\n", subject)
	}
	if date != "" {
		fmt.Fprintf(&out, "Date: %s\n", date)
	}
	if n.Detail != nil {
		if n.Detail.Sender != "" {
			fmt.Fprintf(&out, "From: %s\n", n.Detail.Sender)
		}
		if content := n.Detail.Content(); content != "" {
			fmt.Fprintf(&out, "\nContent:\n%s\n", truncate(content, MaxContentLength))
		}
		for _, a := range n.Detail.Attachments {
			fmt.Fprintf(&out, "Attachment: %s (%s)\n", a.Name, a.Url)
		}
	}
	if n.Summary.Url != "" {
		fmt.Fprintf(&out, "\n%s\n", n.Summary.Url)
	}

	if subject == "" {
		subject = fmt.Sprintf("Message %d", n.Summary.Id)
	}
	return "New answer: " + subject, out.String()
}

func truncate(text string, limit int) string {
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return string(runes[:limit]) + "..."
}

// LogSink writes notifications to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Notify(ctx context.Context, n Notification) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	subject, body := Render(n)
	logger.InfoContext(
		ctx, "new answer",
		"id", n.Id(),
		"folder", n.Summary.Folder,
		"subject", subject,
		"body", body,
	)
	return nil
}

// Multi delivers to every sink in order, a failing sink does not stop the
// ones after it.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, sink := range m {
		err := sink.Notify(ctx, n)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
