package database

import (
	"context"
	"database/sql"
	"fmt"
)

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type txKey struct{}

// cameraWrite runs one camera's write as a unit. Rows of a frame result (or
// an alert and its outbox entry) land together or not at all; a nested call
// joins the outer transaction. Errors carry op and camera so a failed frame
// can be traced from the runner log alone.
func (d *Database) cameraWrite(ctx context.Context, op, cameraID string, fn func(ctx context.Context) error) error {
	if d.txFromCtx(ctx) != nil {
		if err := fn(ctx); err != nil {
			return fmt.Errorf("%s %s: %w", op, cameraID, err)
		}
		return nil
	}

	tx, err := d.DB.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("%s %s: begin: %w", op, cameraID, err)
	}

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			d.log.Error().Err(rbErr).
				Str("op", op).
				Str("camera_id", cameraID).
				Msg("rollback failed")
		}
		return fmt.Errorf("%s %s: %w", op, cameraID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s %s: commit: %w", op, cameraID, err)
	}
	return nil
}

func (d *Database) querier(ctx context.Context) querier {
	if tx := d.txFromCtx(ctx); tx != nil {
		return tx
	}
	return d.DB
}

func (d *Database) txFromCtx(ctx context.Context) *sql.Tx {
	tx, _ := ctx.Value(txKey{}).(*sql.Tx)
	return tx
}
