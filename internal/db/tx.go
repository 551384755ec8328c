package db

import (
	"context"
	"database/sql"
)

// RunInTx runs fn inside a transaction, committing when fn returns nil and
// rolling back otherwise.
func RunInTx(ctx context.Context, database *sql.DB, fn func(qry *Queries) error) error {
	sqltx, err := database.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer sqltx.Rollback()

	err = fn(New(sqltx))
	if err != nil {
		return err
	}
	return sqltx.Commit()
}
