package database

import (
	"context"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
)

// Options describes the MySQL connection.
type Options struct {
	User, Pass, Host, Port, Name string
	// LockWaitSeconds becomes the session's innodb_lock_wait_timeout.
	LockWaitSeconds int
}

// DSN builds the go-sql-driver DSN for opts.
func DSN(opts Options) string {
	auth := opts.User
	if opts.Pass != "" {
		auth = fmt.Sprintf("%s:%s", opts.User, opts.Pass)
	}
	lockWait := opts.LockWaitSeconds
	if lockWait < 1 {
		lockWait = 1
	}
	// parseTime=true -> DATETIME -> time.Time | loc=UTC keeps times consistent
	return fmt.Sprintf("%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=true&loc=UTC&innodb_lock_wait_timeout=%d",
		auth, opts.Host, opts.Port, opts.Name, lockWait)
}

// Open connects to MySQL and verifies the connection.
func Open(opts Options) (*sqlx.DB, error) {
	db, err := sqlx.Open("mysql", DSN(opts))
	if err != nil {
		return nil, err
	}

	// Pool settings
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
