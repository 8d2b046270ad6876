package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDSN(t *testing.T) {
	t.Run("with password", func(t *testing.T) {
		dsn := DSN(Options{User: "app", Pass: "s3cret", Host: "db", Port: "3306", Name: "bus", LockWaitSeconds: 2})
		assert.Equal(t, "app:s3cret@tcp(db:3306)/bus?charset=utf8mb4&parseTime=true&loc=UTC&innodb_lock_wait_timeout=2", dsn)
	})
	t.Run("without password and lock wait floor", func(t *testing.T) {
		dsn := DSN(Options{User: "app", Host: "db", Port: "3306", Name: "bus"})
		assert.Equal(t, "app@tcp(db:3306)/bus?charset=utf8mb4&parseTime=true&loc=UTC&innodb_lock_wait_timeout=1", dsn)
	})
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrationsFS.ReadDir("migrations")
	assert.NoError(t, err)
	assert.Len(t, entries, 3)
}
