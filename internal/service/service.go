// Package service exposes the portal operations to the CLI and the HTTP
// control surface.
package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"consultwatch/internal/assert"
	"consultwatch/internal/auth"
	"consultwatch/internal/components/telemetry"
	"consultwatch/internal/poller"
	"consultwatch/internal/portal"
)

const (
	report_service_status = "service.status"
)

type Portal interface {
	ListFolder(ctx context.Context, session portal.Session, folder string) ([]portal.MessageSummary, error)
	ListAll(ctx context.Context, session portal.Session) ([]portal.MessageSummary, error)
	FetchDetail(ctx context.Context, session portal.Session, detailUrl string) (portal.MessageDetail, error)
	FetchProfile(ctx context.Context, session portal.Session) (portal.Profile, error)
	SubmitQuestion(ctx context.Context, session portal.Session, question portal.Question) error
}

type CursorReader interface {
	Load(ctx context.Context) (poller.Cursor, bool, error)
}

type Credentials struct {
	Email    string
	Password string
}

type Service struct {
	machine     *auth.Machine
	portal      Portal
	cursor      CursorReader
	credentials Credentials
	tel         telemetry.API
}

func NewService(
	machine *auth.Machine,
	p Portal,
	cursor CursorReader,
	credentials Credentials,
	tel telemetry.API,
) Service {
	assert.NotNil(machine)
	assert.NotNil(p)
	assert.NotNil(cursor)
	assert.NotNil(tel)

	return Service{
		machine:     machine,
		portal:      p,
		cursor:      cursor,
		credentials: credentials,
		tel:         telemetry.NewScopedAPI("service", tel),
	}
}

// BeginLogin logs in with the given credentials, empty ones fall back to the
// configured credentials.
func (s Service) BeginLogin(ctx context.Context, credentials Credentials) (auth.Result, error) {
	if credentials.Email == "" {
		credentials.Email = s.credentials.Email
	}
	if credentials.Password == "" {
		credentials.Password = s.credentials.Password
	}
	return s.machine.BeginLogin(ctx, credentials.Email, credentials.Password)
}

func (s Service) CompleteChallenge(ctx context.Context, challengeId, code string) (auth.Result, error) {
	return s.machine.CompleteChallenge(ctx, portal.PendingChallenge{Id: challengeId}, code)
}

func (s Service) CancelChallenge(challengeId string) bool {
	return s.machine.CancelChallenge(portal.PendingChallenge{Id: challengeId})
}

func (s Service) Logout(ctx context.Context) (auth.Result, error) {
	return s.machine.Logout(ctx)
}

// session returns the stored session if the portal still accepts it.
func (s Service) session(ctx context.Context) (portal.Session, error) {
	res := s.machine.EnsureSession(ctx)
	if res.State != auth.Authenticated {
		return portal.Session{}, portal.ErrNoSession
	}
	return res.Session, nil
}

func (s Service) ListFolder(ctx context.Context, folder string) ([]portal.MessageSummary, error) {
	session, err := s.session(ctx)
	if err != nil {
		return nil, err
	}
	return s.portal.ListFolder(ctx, session, folder)
}

func (s Service) ListAll(ctx context.Context) ([]portal.MessageSummary, error) {
	session, err := s.session(ctx)
	if err != nil {
		return nil, err
	}
	return s.portal.ListAll(ctx, session)
}

// FetchDetail accepts either a message id, which is looked up in every
// folder, or a message url.
func (s Service) FetchDetail(ctx context.Context, ref string) (portal.MessageDetail, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return portal.MessageDetail{}, fmt.Errorf("%w: message id or url is required", portal.ErrValidation)
	}
	session, err := s.session(ctx)
	if err != nil {
		return portal.MessageDetail{}, err
	}

	id, err := strconv.ParseInt(ref, 10, 64)
	if err != nil {
		return s.portal.FetchDetail(ctx, session, ref)
	}

	summaries, err := s.portal.ListAll(ctx, session)
	if err != nil {
		return portal.MessageDetail{}, err
	}
	for _, summary := range summaries {
		if summary.Id == id {
			return s.portal.FetchDetail(ctx, session, summary.Url)
		}
	}
	s.tel.ReportDebug("message not listed", id)
	return portal.MessageDetail{}, fmt.Errorf("%w: message %d", portal.ErrNotFound, id)
}

// SubmitQuestion validates question before anything is sent to the portal.
func (s Service) SubmitQuestion(ctx context.Context, question portal.Question) error {
	err := question.Validate()
	if err != nil {
		return err
	}
	session, err := s.session(ctx)
	if err != nil {
		return err
	}
	return s.portal.SubmitQuestion(ctx, session, question)
}

func (s Service) FetchProfile(ctx context.Context) (portal.Profile, error) {
	session, err := s.session(ctx)
	if err != nil {
		return portal.Profile{}, err
	}
	return s.portal.FetchProfile(ctx, session)
}

type Status struct {
	State       string     `json:"state"`
	ChallengeId string     `json:"challenge_id,omitempty"`
	Cursor      *int64     `json:"cursor,omitempty"`
	CursorAt    *time.Time `json:"cursor_updated_at,omitempty"`
}

// Status reports the last known auth state and the notify cursor, it does
// not contact the portal.
func (s Service) Status(ctx context.Context) Status {
	status := Status{State: s.machine.State().String()}
	if pending, ok := s.machine.Pending(); ok {
		status.ChallengeId = pending.Id
	}
	cursor, ok, err := s.cursor.Load(ctx)
	if err != nil {
		s.tel.ReportWarning(report_service_status, err)
		return status
	}
	if ok {
		status.Cursor = &cursor.LastNotifiedId
		status.CursorAt = &cursor.UpdatedAt
	}
	return status
}
