package db

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

func TestRunMigrations(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer raw.Close()

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS push_subscriptions`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS push_subscriptions_active_user_idx`).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, runMigrations(sqlx.NewDb(raw, "postgres")))
	require.NoError(t, mock.ExpectationsWereMet())
}
