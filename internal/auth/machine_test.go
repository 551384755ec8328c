package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"consultwatch/internal/components/chrono"
	"consultwatch/internal/components/telemetry"
	"consultwatch/internal/db"
	"consultwatch/internal/portal"
	"consultwatch/internal/portal/portaltest"
	"consultwatch/internal/sessionstore"
	"consultwatch/lib/testutil"

	"github.com/stretchr/testify/require"
)

var validSession = portal.Session{
	IssuedAt: time.Date(2024, time.March, 5, 12, 0, 0, 0, time.UTC),
	Cookies:  []portal.Cookie{{Name: "sessionid", Value: "s1", Domain: "portal.example", Path: "/"}},
}

type clock struct {
	mutex sync.Mutex
	now   time.Time
}

func (c *clock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.now
}

func (c *clock) Location() *time.Location {
	return time.UTC
}

func (c *clock) Advance(d time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.now = c.now.Add(d)
}

type fakePortal struct {
	login     func(ctx context.Context, email, password string) (portal.LoginResult, error)
	challenge func(ctx context.Context, challenge portal.PendingChallenge, code string) (portal.LoginResult, error)
	logouts   []portal.Session
}

func (p *fakePortal) Login(ctx context.Context, email, password string) (portal.LoginResult, error) {
	return p.login(ctx, email, password)
}

func (p *fakePortal) SubmitChallenge(ctx context.Context, challenge portal.PendingChallenge, code string) (portal.LoginResult, error) {
	return p.challenge(ctx, challenge, code)
}

func (p *fakePortal) Logout(_ context.Context, session portal.Session) {
	p.logouts = append(p.logouts, session)
}

type memoryStore struct {
	session  portal.Session
	stored   bool
	valid    bool
	saves    int
	clears   int
	probes   int
	clearCtx error
}

func (s *memoryStore) Load(context.Context) (portal.Session, bool) {
	return s.session, s.stored
}

func (s *memoryStore) Save(_ context.Context, session portal.Session) error {
	s.saves++
	s.session = session
	s.stored = true
	return nil
}

func (s *memoryStore) Clear(ctx context.Context) error {
	s.clears++
	s.clearCtx = ctx.Err()
	s.session = portal.Session{}
	s.stored = false
	return nil
}

func (s *memoryStore) Probe(_ context.Context, session portal.Session) bool {
	s.probes++
	return s.valid && !session.Empty()
}

func newTestMachine(p Portal, store Store, lifetime time.Duration) (*Machine, *clock) {
	c := &clock{now: time.Date(2024, time.March, 5, 12, 0, 0, 0, time.UTC)}
	return NewMachine(p, store, Options{ChallengeLifetime: lifetime}, c, telemetry.NewTestAPI()), c
}

func challengeLogin(id string) func(context.Context, string, string) (portal.LoginResult, error) {
	return func(context.Context, string, string) (portal.LoginResult, error) {
		return portal.LoginResult{
			Outcome: portal.LoginNeedsChallenge,
			Challenge: portal.PendingChallenge{
				Id:        id,
				Endpoint:  "https://portal.example/en/login/sms",
				Fields:    map[string]string{"token": "t"},
				CreatedAt: time.Date(2024, time.March, 5, 12, 0, 0, 0, time.UTC),
			},
		}, nil
	}
}

func TestBeginLoginSucceeded(t *testing.T) {
	p := &fakePortal{login: func(_ context.Context, email, password string) (portal.LoginResult, error) {
		require.Equal(t, "patient@example.com", email)
		require.Equal(t, "secret", password)
		return portal.LoginResult{Outcome: portal.LoginSucceeded, Session: validSession}, nil
	}}
	store := &memoryStore{}
	machine, _ := newTestMachine(p, store, time.Minute)

	res, err := machine.BeginLogin(context.Background(), "patient@example.com", "secret")
	require.NoError(t, err)
	require.Equal(t, Authenticated, res.State)
	require.Equal(t, validSession, res.Session)
	require.Equal(t, Authenticated, machine.State())
	require.Equal(t, 1, store.saves)
	require.Equal(t, validSession, store.session)
}

func TestBeginLoginRejected(t *testing.T) {
	p := &fakePortal{login: func(context.Context, string, string) (portal.LoginResult, error) {
		return portal.LoginResult{Outcome: portal.LoginFailed}, nil
	}}
	store := &memoryStore{session: validSession, stored: true}
	machine, _ := newTestMachine(p, store, time.Minute)

	res, err := machine.BeginLogin(context.Background(), "patient@example.com", "wrong")
	require.ErrorIs(t, err, portal.ErrAuthenticationFailed)
	require.Equal(t, Unauthenticated, res.State)
	require.True(t, res.Session.Empty())
	require.Equal(t, Unauthenticated, machine.State())
	require.True(t, store.stored)
	require.Equal(t, validSession, store.session)
	require.Zero(t, store.clears)

	_, err = machine.BeginLogin(context.Background(), " ", "secret")
	require.ErrorIs(t, err, portal.ErrValidation)
}

func TestFailedLoginKeepsStoredSession(t *testing.T) {
	transportErr := fmt.Errorf("%w: dial tcp: timeout", portal.ErrTransport)
	p := &fakePortal{login: func(context.Context, string, string) (portal.LoginResult, error) {
		return portal.LoginResult{}, transportErr
	}}
	store := &memoryStore{session: validSession, stored: true, valid: true}
	machine, _ := newTestMachine(p, store, time.Minute)
	ctx := context.Background()

	require.Equal(t, Authenticated, machine.EnsureSession(ctx).State)

	_, err := machine.BeginLogin(ctx, "patient@example.com", "secret")
	require.ErrorIs(t, err, portal.ErrTransport)
	require.True(t, store.stored)
	require.Zero(t, store.clears)
	require.Equal(t, Authenticated, machine.EnsureSession(ctx).State)

	p.login = challengeLogin("c1")
	res, err := machine.BeginLogin(ctx, "patient@example.com", "secret")
	require.ErrorIs(t, err, portal.ErrChallengeExpected)
	require.Equal(t, ChallengeRequired, res.State)
	require.True(t, store.stored)
	require.Zero(t, store.clears)
	require.Equal(t, Authenticated, machine.EnsureSession(ctx).State)
}

func TestChallengeFlow(t *testing.T) {
	var submitted portal.PendingChallenge
	p := &fakePortal{
		login: challengeLogin("c1"),
		challenge: func(_ context.Context, challenge portal.PendingChallenge, code string) (portal.LoginResult, error) {
			submitted = challenge
			if code != "123456" {
				return portal.LoginResult{Outcome: portal.LoginFailed}, nil
			}
			return portal.LoginResult{Outcome: portal.LoginSucceeded, Session: validSession}, nil
		},
	}
	store := &memoryStore{}
	machine, _ := newTestMachine(p, store, time.Minute*5)
	ctx := context.Background()

	res, err := machine.BeginLogin(ctx, "sms@example.com", "secret")
	require.ErrorIs(t, err, portal.ErrChallengeExpected)
	require.True(t, IsChallenge(err))
	require.Equal(t, ChallengeRequired, res.State)
	require.Equal(t, "c1", res.Challenge.Id)
	require.Equal(t, ChallengeRequired, machine.State())
	require.False(t, store.stored)

	pending, ok := machine.Pending()
	require.True(t, ok)
	require.Equal(t, "c1", pending.Id)

	_, err = machine.BeginLogin(ctx, "sms@example.com", "secret")
	require.ErrorIs(t, err, portal.ErrValidation)

	_, err = machine.CompleteChallenge(ctx, portal.PendingChallenge{Id: "other"}, "123456")
	require.ErrorIs(t, err, portal.ErrAuthenticationFailed)
	require.Equal(t, ChallengeRequired, machine.State())

	res, err = machine.CompleteChallenge(ctx, portal.PendingChallenge{Id: "c1"}, "123456")
	require.NoError(t, err)
	require.Equal(t, Authenticated, res.State)
	require.Equal(t, "https://portal.example/en/login/sms", submitted.Endpoint)
	require.Equal(t, map[string]string{"token": "t"}, submitted.Fields)
	require.True(t, store.stored)

	_, ok = machine.Pending()
	require.False(t, ok)

	_, err = machine.CompleteChallenge(ctx, portal.PendingChallenge{Id: "c1"}, "123456")
	require.ErrorIs(t, err, portal.ErrAuthenticationFailed)
}

func TestChallengeWrongCode(t *testing.T) {
	p := &fakePortal{
		login: challengeLogin("c1"),
		challenge: func(context.Context, portal.PendingChallenge, string) (portal.LoginResult, error) {
			return portal.LoginResult{Outcome: portal.LoginFailed}, nil
		},
	}
	store := &memoryStore{}
	machine, _ := newTestMachine(p, store, 0)
	ctx := context.Background()

	_, err := machine.BeginLogin(ctx, "sms@example.com", "secret")
	require.ErrorIs(t, err, portal.ErrChallengeExpected)

	res, err := machine.CompleteChallenge(ctx, portal.PendingChallenge{Id: "c1"}, "000000")
	require.ErrorIs(t, err, portal.ErrAuthenticationFailed)
	require.Equal(t, Unauthenticated, res.State)
	require.Equal(t, Unauthenticated, machine.State())
	require.False(t, store.stored)

	_, err = machine.CompleteChallenge(ctx, portal.PendingChallenge{Id: "c1"}, "")
	require.ErrorIs(t, err, portal.ErrValidation)
}

func TestChallengeExpires(t *testing.T) {
	calls := 0
	p := &fakePortal{
		login: challengeLogin("c1"),
		challenge: func(context.Context, portal.PendingChallenge, string) (portal.LoginResult, error) {
			calls++
			return portal.LoginResult{Outcome: portal.LoginSucceeded, Session: validSession}, nil
		},
	}
	machine, c := newTestMachine(p, &memoryStore{}, time.Minute*5)
	ctx := context.Background()

	_, err := machine.BeginLogin(ctx, "sms@example.com", "secret")
	require.ErrorIs(t, err, portal.ErrChallengeExpected)

	// an expired challenge no longer blocks a new login
	c.Advance(time.Minute * 6)
	_, err = machine.BeginLogin(ctx, "sms@example.com", "secret")
	require.ErrorIs(t, err, portal.ErrChallengeExpected)

	res, err := machine.CompleteChallenge(ctx, portal.PendingChallenge{Id: "c1"}, "123456")
	require.ErrorIs(t, err, portal.ErrAuthenticationFailed)
	require.Equal(t, Unauthenticated, res.State)
	require.Equal(t, Unauthenticated, machine.State())
	require.Zero(t, calls)
}

func TestCancelChallenge(t *testing.T) {
	p := &fakePortal{login: challengeLogin("c1")}
	machine, _ := newTestMachine(p, &memoryStore{}, time.Minute)
	ctx := context.Background()

	_, err := machine.BeginLogin(ctx, "sms@example.com", "secret")
	require.ErrorIs(t, err, portal.ErrChallengeExpected)

	require.False(t, machine.CancelChallenge(portal.PendingChallenge{Id: "other"}))
	require.True(t, machine.CancelChallenge(portal.PendingChallenge{Id: "c1"}))
	require.False(t, machine.CancelChallenge(portal.PendingChallenge{Id: "c1"}))
	require.Equal(t, Unauthenticated, machine.State())

	_, err = machine.BeginLogin(ctx, "sms@example.com", "secret")
	require.ErrorIs(t, err, portal.ErrChallengeExpected)
}

func TestEnsureSession(t *testing.T) {
	store := &memoryStore{}
	machine, _ := newTestMachine(&fakePortal{}, store, time.Minute)
	ctx := context.Background()

	require.Equal(t, Unauthenticated, machine.EnsureSession(ctx).State)

	store.session, store.stored = validSession, true
	require.Equal(t, Unauthenticated, machine.EnsureSession(ctx).State)

	store.valid = true
	store.probes = 0
	for range 2 {
		res := machine.EnsureSession(ctx)
		require.Equal(t, Authenticated, res.State)
		require.Equal(t, validSession, res.Session)
		require.Equal(t, Authenticated, machine.State())
	}

	require.Equal(t, 2, store.probes)
	require.Zero(t, store.saves)
	require.Zero(t, store.clears)
}

func TestWithSession(t *testing.T) {
	store := &memoryStore{}
	machine, _ := newTestMachine(&fakePortal{}, store, time.Minute)
	ctx := context.Background()

	called := false
	err := machine.WithSession(ctx, func(context.Context, portal.Session) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, portal.ErrNoSession)
	require.False(t, called)

	store.session, store.stored, store.valid = validSession, true, true
	boom := errors.New("boom")
	err = machine.WithSession(ctx, func(_ context.Context, session portal.Session) error {
		require.Equal(t, validSession, session)
		return boom
	})
	require.ErrorIs(t, err, boom)
}

func TestLogout(t *testing.T) {
	p := &fakePortal{}
	store := &memoryStore{session: validSession, stored: true, valid: true}
	machine, _ := newTestMachine(p, store, time.Minute)
	ctx := context.Background()

	res, err := machine.Logout(ctx)
	require.NoError(t, err)
	require.Equal(t, Unauthenticated, res.State)
	require.Equal(t, []portal.Session{validSession}, p.logouts)
	require.False(t, store.stored)

	_, err = machine.Logout(ctx)
	require.NoError(t, err)
	require.Len(t, p.logouts, 1)
}

func TestSettleOnPanic(t *testing.T) {
	p := &fakePortal{login: func(context.Context, string, string) (portal.LoginResult, error) {
		panic("portal exploded")
	}}
	store := &memoryStore{session: validSession, stored: true}
	machine, _ := newTestMachine(p, store, time.Minute)
	ctx := context.Background()

	require.PanicsWithValue(t, "portal exploded", func() {
		machine.BeginLogin(ctx, "patient@example.com", "secret")
	})
	require.True(t, store.stored)
	require.Equal(t, Unauthenticated, machine.State())

	p.login = challengeLogin("c1")
	p.challenge = func(context.Context, portal.PendingChallenge, string) (portal.LoginResult, error) {
		panic("portal exploded")
	}
	_, err := machine.BeginLogin(ctx, "sms@example.com", "secret")
	require.ErrorIs(t, err, portal.ErrChallengeExpected)
	require.PanicsWithValue(t, "portal exploded", func() {
		machine.CompleteChallenge(ctx, portal.PendingChallenge{Id: "c1"}, "123456")
	})
	require.False(t, store.stored)
	require.Equal(t, Unauthenticated, machine.State())
}

func TestSettleOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &fakePortal{
		login: challengeLogin("c1"),
		challenge: func(ctx context.Context, _ portal.PendingChallenge, _ string) (portal.LoginResult, error) {
			cancel()
			return portal.LoginResult{}, ctx.Err()
		},
	}
	store := &memoryStore{session: validSession, stored: true}
	machine, _ := newTestMachine(p, store, time.Minute)

	_, err := machine.BeginLogin(ctx, "sms@example.com", "secret")
	require.ErrorIs(t, err, portal.ErrChallengeExpected)
	require.Zero(t, store.clears)

	_, err = machine.CompleteChallenge(ctx, portal.PendingChallenge{Id: "c1"}, "123456")
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, store.clears)
	require.NoError(t, store.clearCtx)
}

// eventLog records the order in which concurrent callers reach the fakes.
type eventLog struct {
	mutex  sync.Mutex
	events []string
}

func (l *eventLog) add(event string) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.events = append(l.events, event)
}

func (l *eventLog) list() []string {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return append([]string(nil), l.events...)
}

type loggingStore struct {
	*memoryStore
	log *eventLog
}

func (s loggingStore) Save(ctx context.Context, session portal.Session) error {
	s.log.add("save")
	return s.memoryStore.Save(ctx, session)
}

func (s loggingStore) Clear(ctx context.Context) error {
	s.log.add("clear")
	return s.memoryStore.Clear(ctx)
}

func TestLoginWaitsForSessionHolder(t *testing.T) {
	log := &eventLog{}
	p := &fakePortal{login: func(context.Context, string, string) (portal.LoginResult, error) {
		log.add("login")
		return portal.LoginResult{Outcome: portal.LoginSucceeded, Session: validSession}, nil
	}}
	store := loggingStore{
		memoryStore: &memoryStore{session: validSession, stored: true, valid: true},
		log:         log,
	}
	machine, _ := newTestMachine(p, store, time.Minute)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	held := make(chan error, 1)
	go func() {
		held <- machine.WithSession(ctx, func(context.Context, portal.Session) error {
			log.add("list-start")
			close(started)
			<-release
			log.add("list-end")
			return nil
		})
	}()
	<-started

	wg := sync.WaitGroup{}
	errs := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := machine.BeginLogin(ctx, "patient@example.com", "secret")
		errs <- err
	}()
	go func() {
		defer wg.Done()
		_, err := machine.Logout(ctx)
		errs <- err
	}()

	time.Sleep(time.Millisecond * 50)
	require.Equal(t, []string{"list-start"}, log.list())

	close(release)
	require.NoError(t, <-held)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	events := log.list()
	require.Equal(t, []string{"list-start", "list-end"}, events[:2])
	require.ElementsMatch(t, []string{"login", "save", "clear"}, events[2:])
	require.Len(t, p.logouts, 1)
}

func TestMachineAgainstPortal(t *testing.T) {
	server := portaltest.NewServer(t)
	timeApi, err := chrono.NewStandardImpl("UTC")
	require.NoError(t, err)
	tel := telemetry.NewTestAPI()

	client, err := portal.NewClient(portal.ClientOptions{BaseUrl: server.URL}, tel, timeApi)
	require.NoError(t, err)
	store := sessionstore.NewStore(testutil.OpenDB(t, db.Schema), client, timeApi, tel)
	machine := NewMachine(client, store, Options{ChallengeLifetime: time.Minute}, timeApi, tel)
	ctx := testutil.Context(t, time.Second*10)

	res, err := machine.BeginLogin(ctx, portaltest.ChallengeEmail, portaltest.Password)
	require.ErrorIs(t, err, portal.ErrChallengeExpected)

	res, err = machine.CompleteChallenge(ctx, portal.PendingChallenge{Id: res.Challenge.Id}, portaltest.Code)
	require.NoError(t, err)
	require.Equal(t, Authenticated, res.State)

	loaded, ok := store.Load(ctx)
	require.True(t, ok)
	require.Equal(t, res.Session.Cookies, loaded.Cookies)
	require.Equal(t, Authenticated, machine.EnsureSession(ctx).State)

	server.ExpireSessions()
	require.Equal(t, Unauthenticated, machine.EnsureSession(ctx).State)

	_, err = machine.BeginLogin(ctx, portaltest.Email, portaltest.Password)
	require.NoError(t, err)
	_, err = machine.Logout(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, server.Logouts())
	_, ok = store.Load(ctx)
	require.False(t, ok)
}
