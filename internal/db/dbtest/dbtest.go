// Package dbtest opens isolated in-memory SQLite databases with the service schema.
package dbtest

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"studybuddy-chat/internal/db"
)

// New returns a migrated database that is closed when the test ends.
func New(t testing.TB) *sqlx.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=on&_busy_timeout=5000", uuid.NewString())
	conn, err := db.Connect(context.Background(), db.DriverSQLite, dsn, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}
