package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/smallnest/graphstate/log"
	"github.com/smallnest/graphstate/store"
	"github.com/smallnest/graphstate/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, path string) *SqliteStateStore {
	t.Helper()
	s, err := NewSqliteStateStore(SqliteOptions{
		Path:      path,
		TableName: "checkpoints",
		Logger:    &log.NoOpLogger{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSqliteStateStore_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Opener {
		path := filepath.Join(t.TempDir(), "state.db")
		return func(t *testing.T) store.Persistence {
			return newTestStore(t, "sqlite://"+path)
		}
	})
}

func TestDSN(t *testing.T) {
	tests := []struct {
		in     string
		want   string
		memory bool
	}{
		{"sqlite:///var/lib/state.db", "/var/lib/state.db?_busy_timeout=5000", false},
		{"SQLITE3://state.db", "state.db?_busy_timeout=5000", false},
		{"sqlite://:memory:", ":memory:?_busy_timeout=5000", true},
		{"file:state.db?cache=shared", "file:state.db?cache=shared&_busy_timeout=5000", false},
		{"file:mem1?mode=memory&cache=shared", "file:mem1?mode=memory&cache=shared&_busy_timeout=5000", true},
		{"state.db?_busy_timeout=100", "state.db?_busy_timeout=100", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			dsn, memory, err := DSN(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, dsn)
			assert.Equal(t, tt.memory, memory)
		})
	}

	_, _, err := DSN("sqlite://")
	assert.Error(t, err)
}

func TestNewSqliteStateStore(t *testing.T) {
	_, err := NewSqliteStateStore(SqliteOptions{Path: ""})
	assert.ErrorIs(t, err, store.ErrConfiguration)

	_, err = NewSqliteStateStore(SqliteOptions{Path: ":memory:", TableName: "x; DROP TABLE y"})
	assert.ErrorIs(t, err, store.ErrConfiguration)

	s, err := NewSqliteStateStore(SqliteOptions{Path: ":memory:"})
	require.NoError(t, err)
	assert.Equal(t, store.DefaultTableName, s.TableName())
	assert.Equal(t, 1, s.db.Stats().MaxOpenConnections)
	require.NoError(t, s.Close())
}

func TestSqliteStateStore_InMemory(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, ":memory:")

	// Operations before Initialize set up the schema themselves.
	ok, err := s.SaveState(ctx, "conv-1", "cp-0", map[string]any{"step": 0}, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	doc, err := s.LoadState(ctx, "conv-1", "")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.JSONEq(t, `{"step":0}`, string(doc.State))
}

func TestSqliteStateStore_TimestampsStoredAsText(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ts.db")

	at := time.Date(2026, 10, 16, 9, 30, 0, 123456789, time.UTC)
	s, err := NewSqliteStateStore(SqliteOptions{
		Path:      path,
		TableName: "checkpoints",
		Logger:    &log.NoOpLogger{},
		Clock:     store.NewClockFunc(func() time.Time { return at }),
	})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.SaveState(ctx, "t", "c", "x", nil)
	require.NoError(t, err)

	raw, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer raw.Close()

	var created string
	require.NoError(t, raw.QueryRow(`SELECT created_at FROM checkpoints`).Scan(&created))
	assert.Equal(t, "2026-10-16T09:30:00.123456Z", created)

	doc, err := s.LoadState(ctx, "t", "c")
	require.NoError(t, err)
	assert.True(t, doc.CreatedAt.Equal(at.Truncate(time.Microsecond)))
}

func TestSqliteStateStore_SchemaMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")
	raw, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = raw.Exec(`CREATE TABLE checkpoints (id TEXT PRIMARY KEY, execution_id TEXT, state TEXT)`)
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	s := newTestStore(t, path)
	err = s.Initialize(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrSchema)
	assert.Contains(t, err.Error(), "checkpoint_id")

	// CRUD surfaces the same failure through lazy initialization.
	_, err = s.SaveState(context.Background(), "t", "c", "x", nil)
	assert.ErrorIs(t, err, store.ErrSchema)
}

func TestSqliteStateStore_UnreachablePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing-dir", "state.db")
	s := newTestStore(t, path)

	err := s.Initialize(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrConfiguration)

	var native sqlite3.Error
	assert.NotErrorAs(t, err, &native)
}

func TestSqliteStateStore_CorruptMetadata(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "corrupt.db")
	s := newTestStore(t, path)
	require.NoError(t, s.Initialize(ctx))

	raw, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer raw.Close()
	_, err = raw.Exec(`INSERT INTO checkpoints VALUES ('t', 'c', '{}', '{broken', ?, ?)`,
		store.FormatTimestamp(time.Now()), store.FormatTimestamp(time.Now()))
	require.NoError(t, err)

	_, err = s.LoadState(ctx, "t", "c")
	assert.ErrorIs(t, err, store.ErrSerialization)
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want store.Kind
	}{
		{sqlite3.Error{Code: sqlite3.ErrBusy}, store.KindConnection},
		{sqlite3.Error{Code: sqlite3.ErrLocked}, store.KindConnection},
		{sqlite3.Error{Code: sqlite3.ErrCantOpen}, store.KindConfiguration},
		{sqlite3.Error{Code: sqlite3.ErrTooBig}, store.KindSerialization},
		{context.Canceled, store.KindConnection},
		{fmt.Errorf("wrapped: %w", sqlite3.Error{Code: sqlite3.ErrNotADB}), store.KindConfiguration},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, kindOf(tt.err), "%v", tt.err)
	}
}
