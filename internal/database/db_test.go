package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSessionLifecycleRows(t *testing.T) {
	db := openTestDB(t)

	now := time.Now()
	require.NoError(t, db.RecordSessionConnect("s1", "192.168.1.2:5000", "ios", now))
	require.NoError(t, db.RecordSessionConnect("s2", "192.168.1.3:5001", "android", now.Add(time.Second)))
	require.NoError(t, db.RecordSessionDisconnect("s1", now.Add(2*time.Second)))

	rows, err := db.RecentSessions(10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	// Newest first.
	require.Equal(t, "s2", rows[0].ID)
	require.Nil(t, rows[0].DisconnectedAt)
	require.Equal(t, "s1", rows[1].ID)
	require.NotNil(t, rows[1].DisconnectedAt)
}

func TestExecutionAudit(t *testing.T) {
	db := openTestDB(t)

	now := time.Now()
	require.NoError(t, db.RecordSessionConnect("s1", "192.168.1.2:5000", "ios", now))
	require.NoError(t, db.RecordExecutionStart("r1", "s1", "assistant_execute", "claude -p hi", now))
	require.NoError(t, db.RecordExecutionFinish("r1", "completed", now.Add(time.Second)))

	var status string
	require.NoError(t, db.QueryRow(
		`SELECT status FROM command_executions WHERE request_id = ?`, "r1").Scan(&status))
	require.Equal(t, "completed", status)
}
