package migrations

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "creds.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestAll_OrderedByVersion(t *testing.T) {
	all, err := All()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, 1, all[0].Version)
	assert.Equal(t, "001_session_credentials", all[0].Name)
	assert.Equal(t, 2, all[1].Version)
	assert.Contains(t, all[0].SQL, "session_credentials")
}

func TestApply_IsIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	applied, err := Apply(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, applied)

	applied, err = Apply(ctx, db)
	require.NoError(t, err)
	assert.Empty(t, applied)

	_, err = db.Exec("INSERT INTO session_credentials (session_id, payload, rotations) VALUES (1, 'x', 1)")
	assert.NoError(t, err)
}
