package portal

import (
	"fmt"
	"os"
	"strings"
	"time"
	"unicode/utf8"
)

// Cookie is a single portal cookie with the attributes needed to replay it.
// Domain keeps a leading "." for domain cookies, a bare host means the cookie
// is host-only. A zero Expires marks a session cookie.
type Cookie struct {
	Name    string
	Value   string
	Domain  string
	Path    string
	Secure  bool
	Expires time.Time
}

// Session is the cookie set of an authenticated portal login.
type Session struct {
	Cookies  []Cookie
	IssuedAt time.Time
}

func (s Session) Empty() bool {
	return len(s.Cookies) == 0
}

// PendingChallenge is handed out when the portal asks for an SMS code, it
// must be submitted or cancelled before another login starts.
type PendingChallenge struct {
	Id        string
	Fields    map[string]string
	Endpoint  string
	CreatedAt time.Time

	session Session
}

func (c PendingChallenge) Expired(now time.Time, lifetime time.Duration) bool {
	if lifetime <= 0 {
		return false
	}
	return now.Sub(c.CreatedAt) > lifetime
}

type LoginOutcome int

const (
	LoginFailed LoginOutcome = iota
	LoginSucceeded
	LoginNeedsChallenge
)

func (o LoginOutcome) String() string {
	switch o {
	case LoginSucceeded:
		return "succeeded"
	case LoginNeedsChallenge:
		return "needs-challenge"
	default:
		return "failed"
	}
}

// LoginResult carries a Session only when Outcome is LoginSucceeded and a
// Challenge only when Outcome is LoginNeedsChallenge.
type LoginResult struct {
	Outcome   LoginOutcome
	Session   Session
	Challenge PendingChallenge
}

type MessageSummary struct {
	Id       int64     `json:"id"`
	Subject  string    `json:"subject"`
	Date     string    `json:"date"`
	Time     string    `json:"time,omitempty"`
	When     time.Time `json:"when"`
	Url      string    `json:"url"`
	Answered bool      `json:"answered"`
	Folder   string    `json:"folder"`
}

type Attachment struct {
	Name string `json:"name"`
	Url  string `json:"url"`
}

type MessageDetail struct {
	Id          int64        `json:"id"`
	Url         string       `json:"url"`
	Subject     string       `json:"subject"`
	Sender      string       `json:"sender"`
	Date        string       `json:"date"`
	Question    string       `json:"question"`
	Answer      string       `json:"answer"`
	Attachments []Attachment `json:"attachments"`
}

// Content renders the question and answer the way the portal shows them.
func (d MessageDetail) Content() string {
	var out strings.Builder
	if d.Question != "" {
		out.WriteString("Question: ")
		out.WriteString(d.Question)
	}
	if d.Answer != "" {
		if out.Len() > 0 {
			out.WriteString("\n\n")
		}
		out.WriteString("Answer: ")
		out.WriteString(d.Answer)
	}
	return out.String()
}

type Profile struct {
	Name    string   `json:"name"`
	Details []string `json:"details"`
}

const MaxQuestionLength = 600

type Question struct {
	Text           string
	Draft          bool
	AttachmentPath string
}

// Validate checks the question locally, it never touches the network.
func (q Question) Validate() error {
	if strings.TrimSpace(q.Text) == "" {
		return fmt.Errorf("%w: question is empty", ErrValidation)
	}
	length := utf8.RuneCountInString(q.Text)
	if length > MaxQuestionLength {
		return fmt.Errorf(
			"%w: question is %d characters, the limit is %d",
			ErrValidation, length, MaxQuestionLength,
		)
	}
	if q.AttachmentPath == "" {
		return nil
	}
	info, err := os.Stat(q.AttachmentPath)
	if err != nil {
		return fmt.Errorf("%w: attachment %s: %w", ErrValidation, q.AttachmentPath, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: attachment %s is not a regular file", ErrValidation, q.AttachmentPath)
	}
	return nil
}
