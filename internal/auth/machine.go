// Package auth owns the portal login lifecycle: credentials, the optional SMS
// challenge and the persisted session that results from them.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"consultwatch/internal/assert"
	"consultwatch/internal/components/chrono"
	"consultwatch/internal/components/telemetry"
	"consultwatch/internal/portal"
)

const (
	report_machine_begin_login        = "machine.begin-login"
	report_machine_complete_challenge = "machine.complete-challenge"
	report_machine_settle             = "machine.settle"
)

type State int

const (
	Unauthenticated State = iota
	Authenticating
	ChallengeRequired
	ChallengeSubmitting
	Authenticated
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Authenticating:
		return "authenticating"
	case ChallengeRequired:
		return "challenge_required"
	case ChallengeSubmitting:
		return "challenge_submitting"
	case Authenticated:
		return "authenticated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Result struct {
	State     State
	Session   portal.Session
	Challenge portal.PendingChallenge
}

type Portal interface {
	Login(ctx context.Context, email, password string) (portal.LoginResult, error)
	SubmitChallenge(ctx context.Context, challenge portal.PendingChallenge, code string) (portal.LoginResult, error)
	Logout(ctx context.Context, session portal.Session)
}

type Store interface {
	Load(ctx context.Context) (portal.Session, bool)
	Save(ctx context.Context, session portal.Session) error
	Clear(ctx context.Context) error
	Probe(ctx context.Context, session portal.Session) bool
}

type Options struct {
	// ChallengeLifetime is how long a pending challenge can be completed,
	// 0 disables the check.
	ChallengeLifetime time.Duration
}

// Machine serializes every operation that reads or changes authentication
// state behind one mutex.
type Machine struct {
	portal  Portal
	store   Store
	options Options
	tel     telemetry.API
	time    chrono.API

	mutex   sync.Mutex
	state   State
	pending *portal.PendingChallenge
}

func NewMachine(p Portal, store Store, options Options, timeApi chrono.API, tel telemetry.API) *Machine {
	assert.NotNil(p)
	assert.NotNil(store)
	assert.NotNil(timeApi)
	assert.NotNil(tel)
	assert.NonNegative(options.ChallengeLifetime, "challenge lifetime")

	return &Machine{
		portal:  p,
		store:   store,
		options: options,
		tel:     telemetry.NewScopedAPI("auth", tel),
		time:    timeApi,
	}
}

func (m *Machine) State() State {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.state
}

// Pending returns the outstanding challenge, if any.
func (m *Machine) Pending() (portal.PendingChallenge, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.pending == nil {
		return portal.PendingChallenge{}, false
	}
	return *m.pending, true
}

// onFailure decides what happens to the stored snapshot when an operation
// does not end Authenticated.
type onFailure int

const (
	clearStored onFailure = iota
	keepStored
)

// run executes fn as an authentication-affecting operation, the caller must
// hold the mutex. Whatever way fn exits, the session is persisted when the
// final state is Authenticated, otherwise failure decides whether the stored
// snapshot is cleared.
func (m *Machine) run(ctx context.Context, during State, failure onFailure, fn func(ctx context.Context) (Result, error)) (res Result, err error) {
	m.state = during
	res = Result{State: Unauthenticated}

	defer func() {
		recovered := recover()
		if recovered != nil {
			res = Result{State: Unauthenticated}
		}

		settleErr := m.settle(context.WithoutCancel(ctx), res, failure)
		if settleErr != nil && err == nil {
			err = settleErr
		}
		m.state = res.State

		if recovered != nil {
			panic(recovered)
		}
	}()

	res, err = fn(ctx)
	return res, err
}

func (m *Machine) settle(ctx context.Context, res Result, failure onFailure) error {
	if res.State == Authenticated {
		err := m.store.Save(ctx, res.Session)
		if err != nil {
			m.tel.ReportBroken(report_machine_settle, fmt.Errorf("save: %w", err))
			return err
		}
		return nil
	}
	if failure == keepStored {
		return nil
	}
	err := m.store.Clear(ctx)
	if err != nil {
		m.tel.ReportBroken(report_machine_settle, fmt.Errorf("clear: %w", err))
		return err
	}
	return nil
}

// dropExpired forgets the pending challenge once it can no longer be
// completed, the caller must hold the mutex.
func (m *Machine) dropExpired() {
	if m.pending == nil {
		return
	}
	if m.pending.Expired(m.time.Now(), m.options.ChallengeLifetime) {
		m.tel.ReportDebug("challenge expired", m.pending.Id)
		m.pending = nil
		if m.state == ChallengeRequired {
			m.state = Unauthenticated
		}
	}
}

// BeginLogin submits credentials. A login that needs an SMS code returns
// ChallengeRequired together with ErrChallengeExpected, rejected credentials
// return ErrAuthenticationFailed. Only a successful login replaces the stored
// session, no outcome of BeginLogin clears it.
func (m *Machine) BeginLogin(ctx context.Context, email, password string) (Result, error) {
	if strings.TrimSpace(email) == "" || password == "" {
		return Result{State: m.State()}, fmt.Errorf("%w: email and password are required", portal.ErrValidation)
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.dropExpired()
	if m.pending != nil {
		return Result{State: m.state, Challenge: *m.pending}, fmt.Errorf(
			"%w: a challenge is still outstanding, complete or cancel it first",
			portal.ErrValidation,
		)
	}

	return m.run(ctx, Authenticating, keepStored, func(ctx context.Context) (Result, error) {
		login, err := m.portal.Login(ctx, email, password)
		if err != nil {
			m.tel.ReportBroken(report_machine_begin_login, err)
			return Result{State: Unauthenticated}, err
		}

		switch login.Outcome {
		case portal.LoginSucceeded:
			m.tel.ReportDebug("login succeeded")
			return Result{State: Authenticated, Session: login.Session}, nil
		case portal.LoginNeedsChallenge:
			challenge := login.Challenge
			m.pending = &challenge
			m.tel.ReportDebug("login needs challenge", challenge.Id)
			return Result{State: ChallengeRequired, Challenge: challenge}, portal.ErrChallengeExpected
		default:
			m.tel.ReportWarning(report_machine_begin_login, "credentials rejected")
			return Result{State: Unauthenticated}, fmt.Errorf("%w: credentials rejected", portal.ErrAuthenticationFailed)
		}
	})
}

// CompleteChallenge submits code for the outstanding challenge. Only the Id
// of challenge is used, the rest is taken from the challenge BeginLogin
// handed out.
func (m *Machine) CompleteChallenge(ctx context.Context, challenge portal.PendingChallenge, code string) (Result, error) {
	if strings.TrimSpace(code) == "" {
		return Result{State: m.State()}, fmt.Errorf("%w: code is required", portal.ErrValidation)
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.pending == nil || m.pending.Id != challenge.Id {
		return Result{State: m.state}, fmt.Errorf("%w: challenge is not outstanding", portal.ErrAuthenticationFailed)
	}
	pending := *m.pending
	m.pending = nil

	if pending.Expired(m.time.Now(), m.options.ChallengeLifetime) {
		m.state = Unauthenticated
		m.tel.ReportWarning(report_machine_complete_challenge, "challenge expired", pending.Id)
		return Result{State: Unauthenticated}, fmt.Errorf("%w: challenge expired", portal.ErrAuthenticationFailed)
	}

	return m.run(ctx, ChallengeSubmitting, clearStored, func(ctx context.Context) (Result, error) {
		login, err := m.portal.SubmitChallenge(ctx, pending, code)
		if err != nil {
			m.tel.ReportBroken(report_machine_complete_challenge, err)
			return Result{State: Unauthenticated}, err
		}
		if login.Outcome != portal.LoginSucceeded {
			m.tel.ReportWarning(report_machine_complete_challenge, "code rejected")
			return Result{State: Unauthenticated}, fmt.Errorf("%w: code rejected", portal.ErrAuthenticationFailed)
		}
		return Result{State: Authenticated, Session: login.Session}, nil
	})
}

// CancelChallenge abandons challenge, it reports whether it was outstanding.
func (m *Machine) CancelChallenge(challenge portal.PendingChallenge) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.pending == nil || m.pending.Id != challenge.Id {
		return false
	}
	m.pending = nil
	m.state = Unauthenticated
	return true
}

// ensure loads and probes the stored session, the caller must hold the
// mutex. It never writes.
func (m *Machine) ensure(ctx context.Context) Result {
	m.dropExpired()

	session, ok := m.store.Load(ctx)
	if ok && m.store.Probe(ctx, session) {
		m.state = Authenticated
		return Result{State: Authenticated, Session: session}
	}
	if m.pending == nil {
		m.state = Unauthenticated
	}
	return Result{State: Unauthenticated}
}

// EnsureSession returns the stored session if the portal still accepts it.
// It never logs in with credentials.
func (m *Machine) EnsureSession(ctx context.Context) Result {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.ensure(ctx)
}

// WithSession runs fn with a valid session while holding the auth lock,
// fn should not call back into the Machine.
func (m *Machine) WithSession(ctx context.Context, fn func(ctx context.Context, session portal.Session) error) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	res := m.ensure(ctx)
	if res.State != Authenticated {
		return portal.ErrNoSession
	}
	return fn(ctx, res.Session)
}

// Logout ends the portal session on a best effort basis and clears the
// stored snapshot.
func (m *Machine) Logout(ctx context.Context) (Result, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.pending = nil
	return m.run(ctx, m.state, clearStored, func(ctx context.Context) (Result, error) {
		session, ok := m.store.Load(ctx)
		if ok {
			m.portal.Logout(ctx, session)
		} else {
			m.tel.ReportDebug("logout without stored session")
		}
		return Result{State: Unauthenticated}, nil
	})
}

// IsChallenge reports whether err asks the caller for an SMS code.
func IsChallenge(err error) bool {
	return errors.Is(err, portal.ErrChallengeExpected)
}
