package db

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-realtime/internal/redisconn/redistest"
)

func TestMigrateAppliesEveryStatement(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer raw.Close()

	mock.ExpectBegin()
	for _, m := range migrations {
		mock.ExpectExec(regexp.QuoteMeta(m)).WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectCommit()

	err = Migrate(context.Background(), sqlx.NewDb(raw, "postgres"), redistest.DiscardLogger())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateRollsBackOnFailure(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer raw.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(migrations[0])).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(migrations[1])).WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err = Migrate(context.Background(), sqlx.NewDb(raw, "postgres"), redistest.DiscardLogger())
	require.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, err.Error(), "migration 1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrationsNeverDropTables(t *testing.T) {
	for _, m := range migrations {
		assert.NotContains(t, m, "DROP")
	}
}

func TestConnectGivesUpWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Connect(ctx, "postgres://nobody@127.0.0.1:1/none?sslmode=disable&connect_timeout=1", redistest.DiscardLogger())
	assert.Error(t, err)
}
