package poller

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"consultwatch/internal/assert"
	"consultwatch/internal/components/chrono"
	"consultwatch/internal/db"
)

// Cursor is the highest message id that has been notified.
type Cursor struct {
	LastNotifiedId int64
	UpdatedAt      time.Time
}

type CursorStore struct {
	qry  *db.Queries
	time chrono.API
}

func NewCursorStore(database *sql.DB, timeApi chrono.API) CursorStore {
	assert.NotNil(database)
	assert.NotNil(timeApi)
	return CursorStore{qry: db.New(database), time: timeApi}
}

// Load returns false when no cursor was ever saved.
func (s CursorStore) Load(ctx context.Context) (Cursor, bool, error) {
	row, err := s.qry.GetNotifyCursor(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return Cursor{}, false, nil
	}
	if err != nil {
		return Cursor{}, false, fmt.Errorf("load cursor: %w", err)
	}
	return Cursor{
		LastNotifiedId: row.LastNotifiedID,
		UpdatedAt:      time.Unix(row.UpdatedAt, 0).In(s.time.Location()),
	}, true, nil
}

func (s CursorStore) Save(ctx context.Context, lastNotifiedId int64) error {
	err := s.qry.PutNotifyCursor(ctx, db.PutNotifyCursorParams{
		LastNotifiedID: lastNotifiedId,
		UpdatedAt:      s.time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}
