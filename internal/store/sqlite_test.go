package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kallberg/pdt/internal/protocol"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "pdt.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	connected := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.OpenSession(ctx, &SessionRecord{
		ID:          "01J0000000000000000000000A",
		RemoteAddr:  "192.168.1.20:40112",
		ConnectedAt: connected,
	}))
	require.NoError(t, s.RecordIntroduction(ctx, "01J0000000000000000000000A", "ASH", "0.1.0"))
	require.NoError(t, s.RecordDeviceInfo(ctx, "01J0000000000000000000000A",
		protocol.DeviceInfo{Name: "ASH", OS: "linux", OSVersion: "x", Uptime: "1h"}))

	sessions, err := s.ListSessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	rec := sessions[0]
	assert.Equal(t, "ASH", rec.Name)
	assert.Equal(t, "0.1.0", rec.Version)
	assert.Equal(t, "linux", rec.OS)
	assert.Equal(t, "x", rec.OSVersion)
	assert.Equal(t, "1h", rec.Uptime)
	assert.True(t, connected.Equal(rec.ConnectedAt))
	assert.Nil(t, rec.DisconnectedAt)

	closedAt := connected.Add(time.Hour)
	require.NoError(t, s.CloseSession(ctx, rec.ID, closedAt))
	require.NoError(t, s.CloseSession(ctx, rec.ID, closedAt.Add(time.Hour)))

	sessions, err = s.ListSessions(ctx, 10)
	require.NoError(t, err)
	require.NotNil(t, sessions[0].DisconnectedAt)
	assert.True(t, closedAt.Equal(*sessions[0].DisconnectedAt), "first close time wins")
}

func TestListSessionsNewestFirstWithLimit(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ids := []string{"01J0000000000000000000000A", "01J0000000000000000000000B", "01J0000000000000000000000C"}
	for _, id := range ids {
		require.NoError(t, s.OpenSession(ctx, &SessionRecord{ID: id, ConnectedAt: time.Now()}))
	}

	sessions, err := s.ListSessions(ctx, 2)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, ids[2], sessions[0].ID)
	assert.Equal(t, ids[1], sessions[1].ID)
}

func TestReopenKeepsHistory(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "pdt.db")

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.OpenSession(ctx, &SessionRecord{ID: "01J0000000000000000000000A", ConnectedAt: time.Now()}))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close() //nolint:errcheck

	sessions, err := s.ListSessions(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestNopStore(t *testing.T) {
	var s Store = Nop{}
	ctx := context.Background()
	assert.NoError(t, s.OpenSession(ctx, &SessionRecord{}))
	sessions, err := s.ListSessions(ctx, 5)
	assert.NoError(t, err)
	assert.Empty(t, sessions)
}
