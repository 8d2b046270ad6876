package repository

import (
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

var (
	testNow     = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)
	testExpires = testNow.Add(10 * time.Minute)
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return sqlx.NewDb(db, "mysql"), mock
}

// q quotes a SQL fragment for sqlmock's regexp matcher.
func q(fragment string) string { return regexp.QuoteMeta(fragment) }

var (
	lockRowCols   = []string{"id", "trip_id", "seat_id", "token", "user_id", "expires_at"}
	lockLabelCols = []string{"id", "trip_id", "seat_id", "label", "token", "user_id", "expires_at"}
	draftCols     = []string{"id", "token", "user_id", "status", "items", "expires_at", "booking_id", "idempotency_key", "created_at", "updated_at"}
)
