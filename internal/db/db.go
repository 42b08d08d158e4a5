package db

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// Connect opens the database and applies pending migrations.
func Connect(ctx context.Context, driver, dsn string, logger *zap.Logger) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	if driver == DriverSQLite {
		// one writer at a time; in-memory databases also live on a single connection
		db.SetMaxOpenConns(1)
	}

	result, err := Migrate(db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrations applied",
		zap.String("driver", driver),
		zap.Uint("version", result.Version),
		zap.Bool("changed", result.Changed),
	)
	return db, nil
}
