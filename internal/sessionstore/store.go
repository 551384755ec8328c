// Package sessionstore keeps the portal session across restarts.
package sessionstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"consultwatch/internal/assert"
	"consultwatch/internal/components/chrono"
	"consultwatch/internal/components/telemetry"
	"consultwatch/internal/db"
	"consultwatch/internal/portal"
)

const (
	report_store_load  = "store.load"
	report_store_save  = "store.save"
	report_store_clear = "store.clear"
)

// Prober checks a session against the portal.
type Prober interface {
	Probe(ctx context.Context, session portal.Session) bool
}

type Store struct {
	db     *sql.DB
	qry    *db.Queries
	prober Prober
	tel    telemetry.API
	time   chrono.API
}

func NewStore(database *sql.DB, prober Prober, timeApi chrono.API, tel telemetry.API) Store {
	assert.NotNil(database)
	assert.NotNil(prober)
	assert.NotNil(timeApi)
	assert.NotNil(tel)

	return Store{
		db:     database,
		qry:    db.New(database),
		prober: prober,
		tel:    telemetry.NewScopedAPI("sessionstore", tel),
		time:   timeApi,
	}
}

var errCorrupt = errors.New("corrupt session snapshot")

// Load returns the stored session. A snapshot that cannot be decoded is
// cleared and reported as absent, a failed read leaves it in place.
func (s Store) Load(ctx context.Context) (portal.Session, bool) {
	session, err := s.read(ctx)
	switch {
	case err == nil:
		return session, true
	case errors.Is(err, sql.ErrNoRows):
		return portal.Session{}, false
	case errors.Is(err, errCorrupt):
		s.tel.ReportWarning(report_store_load, err)
		if clearErr := s.Clear(ctx); clearErr != nil {
			s.tel.ReportBroken(report_store_load, fmt.Errorf("clear after failed load: %w", clearErr))
		}
		return portal.Session{}, false
	default:
		s.tel.ReportWarning(report_store_load, fmt.Errorf("read session: %w", err))
		return portal.Session{}, false
	}
}

func (s Store) read(ctx context.Context) (portal.Session, error) {
	snapshot, err := s.qry.GetSessionSnapshot(ctx)
	if err != nil {
		return portal.Session{}, err
	}
	if !snapshot.WellFormed {
		return portal.Session{}, fmt.Errorf("%w: timestamps are not integers", errCorrupt)
	}
	rows, err := s.qry.ListSessionCookies(ctx)
	if err != nil {
		return portal.Session{}, err
	}
	if len(rows) == 0 {
		return portal.Session{}, fmt.Errorf("%w: snapshot has no cookies", errCorrupt)
	}

	session := portal.Session{
		IssuedAt: time.Unix(snapshot.IssuedAt, 0).UTC(),
		Cookies:  make([]portal.Cookie, len(rows)),
	}
	for i, row := range rows {
		if row.Name == "" || row.Domain == "" {
			return portal.Session{}, fmt.Errorf("%w: cookie %d has no name or domain", errCorrupt, i)
		}
		cookie := portal.Cookie{
			Name:   row.Name,
			Value:  row.Value,
			Domain: row.Domain,
			Path:   row.Path,
			Secure: row.Secure,
		}
		if row.ExpiresAt.Valid {
			cookie.Expires = time.Unix(row.ExpiresAt.Int64, 0).UTC()
		}
		session.Cookies[i] = cookie
	}
	return session, nil
}

// Save replaces the stored snapshot with session in one transaction.
func (s Store) Save(ctx context.Context, session portal.Session) error {
	if session.Empty() {
		return s.Clear(ctx)
	}

	err := db.RunInTx(ctx, s.db, func(qry *db.Queries) error {
		err := qry.DeleteSessionCookies(ctx)
		if err != nil {
			return err
		}
		for _, c := range session.Cookies {
			expires := sql.NullInt64{}
			if !c.Expires.IsZero() {
				expires = sql.NullInt64{Int64: c.Expires.Unix(), Valid: true}
			}
			err = qry.CreateSessionCookie(ctx, db.CreateSessionCookieParams{
				Name:      c.Name,
				Value:     c.Value,
				Domain:    c.Domain,
				Path:      c.Path,
				Secure:    c.Secure,
				ExpiresAt: expires,
			})
			if err != nil {
				return err
			}
		}
		return qry.PutSessionSnapshot(ctx, db.PutSessionSnapshotParams{
			IssuedAt: session.IssuedAt.Unix(),
			SavedAt:  s.time.Now().Unix(),
		})
	})
	if err != nil {
		s.tel.ReportBroken(report_store_save, err)
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s Store) Clear(ctx context.Context) error {
	err := db.RunInTx(ctx, s.db, func(qry *db.Queries) error {
		err := qry.DeleteSessionCookies(ctx)
		if err != nil {
			return err
		}
		return qry.DeleteSessionSnapshot(ctx)
	})
	if err != nil {
		s.tel.ReportBroken(report_store_clear, err)
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// Probe is false for the zero session without asking the portal.
func (s Store) Probe(ctx context.Context, session portal.Session) bool {
	if session.Empty() {
		return false
	}
	return s.prober.Probe(ctx, session)
}
