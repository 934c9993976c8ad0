package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestCameraWriteJoinsOuterTransaction(t *testing.T) {
	d := &Database{log: zerolog.Nop()}
	outer := &sql.Tx{}
	ctx := context.WithValue(context.Background(), txKey{}, outer)

	var seen *sql.Tx
	err := d.cameraWrite(ctx, "save frame result", "STORE_001", func(ctx context.Context) error {
		seen = d.txFromCtx(ctx)
		return nil
	})
	require.NoError(t, err)
	require.Same(t, outer, seen)
}

func TestCameraWriteNamesCameraOnFailure(t *testing.T) {
	d := &Database{log: zerolog.Nop()}
	ctx := context.WithValue(context.Background(), txKey{}, &sql.Tx{})
	errInsert := errors.New("duplicate key")

	err := d.cameraWrite(ctx, "save alert transition", "STORE_002", func(context.Context) error {
		return errInsert
	})
	require.ErrorIs(t, err, errInsert)
	require.EqualError(t, err, "save alert transition STORE_002: duplicate key")
}

func TestTxFromCtxWithoutTransaction(t *testing.T) {
	d := &Database{}
	require.Nil(t, d.txFromCtx(context.Background()))
}
