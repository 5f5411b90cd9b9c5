// Package storetest is the conformance suite every store.Persistence adapter
// runs. Adapters provide a Harness; the suite drives the same call sequences
// through each and expects identical observable results.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/smallnest/graphstate/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// Opener returns a new, uninitialized store. Stores returned by the same
// Opener share one backing table, container or keyspace.
type Opener func(t *testing.T) store.Persistence

// Harness prepares fresh, isolated backing for one subtest and returns an
// Opener over it.
type Harness func(t *testing.T) Opener

// Run executes the conformance suite.
func Run(t *testing.T, harness Harness) {
	tests := []struct {
		name string
		fn   func(t *testing.T, open Opener)
	}{
		{"Scenario", testScenario},
		{"RoundTrip", testRoundTrip},
		{"Metadata", testMetadata},
		{"UpsertKeepsCreatedAt", testUpsert},
		{"LoadLatest", testLoadLatest},
		{"LoadAbsent", testLoadAbsent},
		{"ListOrderedAndBounded", testList},
		{"ListNonPositiveLimit", testListNonPositive},
		{"ThreadIsolation", testThreadIsolation},
		{"TargetedDelete", testTargetedDelete},
		{"BulkDelete", testBulkDelete},
		{"DeleteAbsent", testDeleteAbsent},
		{"InvalidInput", testInvalidInput},
		{"InitializeTwice", testInitializeTwice},
		{"ConcurrentInitialize", testConcurrentInitialize},
		{"ConcurrentSaves", testConcurrentSaves},
		{"Closed", testClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, harness(t))
		})
	}
}

func openInitialized(t *testing.T, open Opener) store.Persistence {
	t.Helper()
	s := open(t)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Initialize(context.Background()))
	return s
}

func mustSave(t *testing.T, s store.Persistence, threadID, checkpointID string, state any, metadata map[string]any) {
	t.Helper()
	ok, err := s.SaveState(context.Background(), threadID, checkpointID, state, metadata)
	require.NoError(t, err)
	require.True(t, ok)
}

func checkpointIDs(docs []*store.StateDocument) []string {
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.CheckpointID)
	}
	return ids
}

func testScenario(t *testing.T, open Opener) {
	ctx := context.Background()
	s := openInitialized(t, open)

	mustSave(t, s, "conv-1", "cp-0", map[string]any{"step": 0}, nil)
	doc, err := s.LoadState(ctx, "conv-1", "")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.JSONEq(t, `{"step":0}`, string(doc.State))

	mustSave(t, s, "conv-1", "cp-1", map[string]any{"step": 1}, nil)
	list, err := s.ListCheckpoints(ctx, "conv-1", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"cp-1", "cp-0"}, checkpointIDs(list))

	ok, err := s.DeleteState(ctx, "conv-1", "cp-0")
	require.NoError(t, err)
	assert.True(t, ok)
	list, err = s.ListCheckpoints(ctx, "conv-1", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"cp-1"}, checkpointIDs(list))
}

type richState struct {
	Messages []string       `json:"messages"`
	Step     int            `json:"step"`
	Scores   map[string]any `json:"scores"`
	Done     bool           `json:"done"`
}

func testRoundTrip(t *testing.T, open Opener) {
	ctx := context.Background()
	s := openInitialized(t, open)

	in := richState{
		Messages: []string{"hello", "unicode ✓", `quote "x"`},
		Step:     7,
		Scores:   map[string]any{"a": 1.5, "nested": map[string]any{"b": []any{"c"}}},
		Done:     true,
	}
	md := map[string]any{"user_id": "user_456", "tags": []any{"x", "y"}, "n": float64(3)}
	mustSave(t, s, "thread-rt", "cp-rt", in, md)

	doc, err := s.LoadState(ctx, "thread-rt", "cp-rt")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "thread-rt", doc.ThreadID)
	assert.Equal(t, "cp-rt", doc.CheckpointID)
	assert.Equal(t, md, doc.Metadata)
	assert.False(t, doc.CreatedAt.IsZero())
	assert.Equal(t, time.UTC, doc.CreatedAt.Location())
	assert.False(t, doc.UpdatedAt.Before(doc.CreatedAt))

	var out richState
	require.NoError(t, doc.DecodeState(&out))
	assert.Equal(t, in, out)

	for i, state := range []any{"plain string", 42.5, []any{"a", float64(1)}, nil} {
		cp := fmt.Sprintf("scalar-%d", i)
		mustSave(t, s, "thread-rt", cp, state, nil)
		doc, err := s.LoadState(ctx, "thread-rt", cp)
		require.NoError(t, err)
		require.NotNil(t, doc)
		var got any
		require.NoError(t, doc.DecodeState(&got))
		assert.Equal(t, state, got)
	}

	// Bytes that are not UTF-8 cannot round-trip through JSON.
	ok, err := s.SaveState(ctx, "thread-rt", "cp-bytes", map[string]any{"s": "\xff\xfe"}, nil)
	assert.False(t, ok)
	assert.ErrorIs(t, err, store.ErrSerialization)
	_, err = s.SaveState(ctx, "thread-rt", "cp-bytes", "ok", map[string]any{"k": "\xff"})
	assert.ErrorIs(t, err, store.ErrSerialization)
	doc, err = s.LoadState(ctx, "thread-rt", "cp-bytes")
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func testMetadata(t *testing.T, open Opener) {
	ctx := context.Background()
	s := openInitialized(t, open)

	mustSave(t, s, "thread-md", "nil", "x", nil)
	mustSave(t, s, "thread-md", "empty", "x", map[string]any{})

	doc, err := s.LoadState(ctx, "thread-md", "nil")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Nil(t, doc.Metadata)

	doc, err = s.LoadState(ctx, "thread-md", "empty")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.NotNil(t, doc.Metadata)
	assert.Empty(t, doc.Metadata)

	// Overwriting with nil metadata clears the previous value.
	mustSave(t, s, "thread-md", "empty", "x", nil)
	doc, err = s.LoadState(ctx, "thread-md", "empty")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Nil(t, doc.Metadata)
}

func testUpsert(t *testing.T, open Opener) {
	ctx := context.Background()
	s := openInitialized(t, open)

	mustSave(t, s, "thread-up", "cp-0", map[string]any{"v": "first"}, map[string]any{"n": float64(1)})
	first, err := s.LoadState(ctx, "thread-up", "cp-0")
	require.NoError(t, err)
	require.NotNil(t, first)

	mustSave(t, s, "thread-up", "cp-0", map[string]any{"v": "second"}, map[string]any{"n": float64(2)})
	second, err := s.LoadState(ctx, "thread-up", "cp-0")
	require.NoError(t, err)
	require.NotNil(t, second)

	assert.JSONEq(t, `{"v":"second"}`, string(second.State))
	assert.Equal(t, map[string]any{"n": float64(2)}, second.Metadata)
	assert.True(t, second.CreatedAt.Equal(first.CreatedAt), "created_at must survive an overwrite")
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt), "updated_at must advance")

	list, err := s.ListCheckpoints(ctx, "thread-up", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"cp-0"}, checkpointIDs(list))
}

func testLoadLatest(t *testing.T, open Opener) {
	ctx := context.Background()
	s := openInitialized(t, open)

	// Ids deliberately not in lexical order of creation.
	for _, cp := range []string{"cp-b", "cp-c", "cp-a"} {
		mustSave(t, s, "thread-latest", cp, map[string]any{"id": cp}, nil)
	}

	doc, err := s.LoadState(ctx, "thread-latest", "")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "cp-a", doc.CheckpointID)

	// Overwriting an older checkpoint does not make it the latest.
	mustSave(t, s, "thread-latest", "cp-b", map[string]any{"id": "cp-b", "v": 2}, nil)
	doc, err = s.LoadState(ctx, "thread-latest", "")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "cp-a", doc.CheckpointID)
}

func testLoadAbsent(t *testing.T, open Opener) {
	ctx := context.Background()
	s := openInitialized(t, open)

	doc, err := s.LoadState(ctx, "no-such-thread", "")
	require.NoError(t, err)
	assert.Nil(t, doc)

	mustSave(t, s, "thread-absent", "cp-0", "x", nil)
	doc, err = s.LoadState(ctx, "thread-absent", "cp-missing")
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func testList(t *testing.T, open Opener) {
	ctx := context.Background()
	s := openInitialized(t, open)

	var want []string
	for i := 0; i < 7; i++ {
		cp := fmt.Sprintf("cp-%02d", i)
		mustSave(t, s, "thread-list", cp, map[string]any{"step": i}, nil)
		want = append([]string{cp}, want...)
	}

	list, err := s.ListCheckpoints(ctx, "thread-list", 3)
	require.NoError(t, err)
	assert.Equal(t, want[:3], checkpointIDs(list))

	list, err = s.ListCheckpoints(ctx, "thread-list", 100)
	require.NoError(t, err)
	assert.Equal(t, want, checkpointIDs(list))
	for i := 1; i < len(list); i++ {
		assert.True(t, list[i-1].CreatedAt.After(list[i].CreatedAt), "listing must be strictly descending")
	}

	list, err = s.ListCheckpoints(ctx, "empty-thread", 10)
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)
}

func testListNonPositive(t *testing.T, open Opener) {
	ctx := context.Background()
	s := openInitialized(t, open)

	mustSave(t, s, "thread-zero", "cp-0", "x", nil)
	for _, limit := range []int{0, -1} {
		list, err := s.ListCheckpoints(ctx, "thread-zero", limit)
		require.NoError(t, err)
		assert.NotNil(t, list)
		assert.Empty(t, list)
	}
}

func testThreadIsolation(t *testing.T, open Opener) {
	ctx := context.Background()
	s := openInitialized(t, open)

	// Thread ids that could collide under naive key concatenation.
	mustSave(t, s, "a", "b:c", "first", nil)
	mustSave(t, s, "a:b", "c", "second", nil)

	doc, err := s.LoadState(ctx, "a", "")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "b:c", doc.CheckpointID)

	list, err := s.ListCheckpoints(ctx, "a:b", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, checkpointIDs(list))

	ok, err := s.DeleteState(ctx, "a", "")
	require.NoError(t, err)
	assert.True(t, ok)

	doc, err = s.LoadState(ctx, "a:b", "c")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.JSONEq(t, `"second"`, string(doc.State))
}

func testTargetedDelete(t *testing.T, open Opener) {
	ctx := context.Background()
	s := openInitialized(t, open)

	mustSave(t, s, "thread-del", "cp-0", "zero", nil)
	mustSave(t, s, "thread-del", "cp-1", "one", nil)

	ok, err := s.DeleteState(ctx, "thread-del", "cp-0")
	require.NoError(t, err)
	assert.True(t, ok)

	doc, err := s.LoadState(ctx, "thread-del", "cp-0")
	require.NoError(t, err)
	assert.Nil(t, doc)

	doc, err = s.LoadState(ctx, "thread-del", "cp-1")
	require.NoError(t, err)
	require.NotNil(t, doc)
}

func testBulkDelete(t *testing.T, open Opener) {
	ctx := context.Background()
	s := openInitialized(t, open)

	for i := 0; i < 12; i++ {
		mustSave(t, s, "thread-bulk", fmt.Sprintf("cp-%d", i), i, nil)
	}
	mustSave(t, s, "thread-keep", "cp-0", "kept", nil)

	ok, err := s.DeleteState(ctx, "thread-bulk", "")
	require.NoError(t, err)
	assert.True(t, ok)

	list, err := s.ListCheckpoints(ctx, "thread-bulk", 100)
	require.NoError(t, err)
	assert.Empty(t, list)

	doc, err := s.LoadState(ctx, "thread-bulk", "")
	require.NoError(t, err)
	assert.Nil(t, doc)

	list, err = s.ListCheckpoints(ctx, "thread-keep", 100)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func testDeleteAbsent(t *testing.T, open Opener) {
	ctx := context.Background()
	s := openInitialized(t, open)

	ok, err := s.DeleteState(ctx, "thread-none", "cp-none")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.DeleteState(ctx, "thread-none", "")
	require.NoError(t, err)
	assert.True(t, ok)
}

func testInvalidInput(t *testing.T, open Opener) {
	ctx := context.Background()
	s := openInitialized(t, open)

	_, err := s.SaveState(ctx, "", "cp", "x", nil)
	assert.ErrorIs(t, err, store.ErrInvalidInput)
	_, err = s.SaveState(ctx, "thread", "", "x", nil)
	assert.ErrorIs(t, err, store.ErrInvalidInput)
	_, err = s.LoadState(ctx, "", "")
	assert.ErrorIs(t, err, store.ErrInvalidInput)
	_, err = s.ListCheckpoints(ctx, "", 10)
	assert.ErrorIs(t, err, store.ErrInvalidInput)
	_, err = s.DeleteState(ctx, "", "")
	assert.ErrorIs(t, err, store.ErrInvalidInput)

	_, err = s.SaveState(ctx, "thread", "cp", make(chan int), nil)
	assert.ErrorIs(t, err, store.ErrSerialization)
	assert.False(t, store.IsRetryable(err))
}

func testInitializeTwice(t *testing.T, open Opener) {
	ctx := context.Background()
	s := openInitialized(t, open)
	require.NoError(t, s.Initialize(ctx))

	// A second instance over initialized backing also succeeds and sees the data.
	mustSave(t, s, "thread-init", "cp-0", "x", nil)
	other := openInitialized(t, open)
	doc, err := other.LoadState(ctx, "thread-init", "cp-0")
	require.NoError(t, err)
	require.NotNil(t, doc)
}

func testConcurrentInitialize(t *testing.T, open Opener) {
	ctx := context.Background()
	stores := []store.Persistence{open(t), open(t), open(t)}
	for _, s := range stores {
		t.Cleanup(func() { _ = s.Close() })
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range stores {
		g.Go(func() error { return s.Initialize(gctx) })
	}
	require.NoError(t, g.Wait())

	mustSave(t, stores[0], "thread-cinit", "cp-0", "x", nil)
	for _, s := range stores[1:] {
		doc, err := s.LoadState(ctx, "thread-cinit", "cp-0")
		require.NoError(t, err)
		require.NotNil(t, doc)
	}
}

func testConcurrentSaves(t *testing.T, open Opener) {
	ctx := context.Background()
	s := open(t)
	t.Cleanup(func() { _ = s.Close() })

	// No explicit Initialize: the first operations race to initialize lazily.
	const n = 16
	var mu sync.Mutex
	seen := make(map[string]bool)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		cp := fmt.Sprintf("cp-%02d", i)
		g.Go(func() error {
			ok, err := s.SaveState(gctx, "thread-conc", cp, map[string]any{"i": cp}, nil)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("save %s reported false", cp)
			}
			mu.Lock()
			seen[cp] = true
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Len(t, seen, n)

	list, err := s.ListCheckpoints(ctx, "thread-conc", 100)
	require.NoError(t, err)
	assert.Len(t, list, n)
	for i := 1; i < len(list); i++ {
		assert.True(t, store.Newer(list[i-1], list[i]))
	}
}

func testClosed(t *testing.T, open Opener) {
	ctx := context.Background()
	s := open(t)
	require.NoError(t, s.Initialize(ctx))
	mustSave(t, s, "thread-closed", "cp-0", "x", nil)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.SaveState(ctx, "thread-closed", "cp-1", "x", nil)
	assert.ErrorIs(t, err, store.ErrClosed)
	_, err = s.LoadState(ctx, "thread-closed", "")
	assert.ErrorIs(t, err, store.ErrClosed)
	_, err = s.ListCheckpoints(ctx, "thread-closed", 10)
	assert.ErrorIs(t, err, store.ErrClosed)
	_, err = s.DeleteState(ctx, "thread-closed", "")
	assert.ErrorIs(t, err, store.ErrClosed)
	assert.False(t, store.IsRetryable(err))
	err = s.Initialize(ctx)
	assert.ErrorIs(t, err, store.ErrClosed)
	assert.False(t, store.IsRetryable(err))

	// A closed instance never touches the data of a new one.
	fresh := openInitialized(t, open)
	doc, err := fresh.LoadState(ctx, "thread-closed", "cp-0")
	require.NoError(t, err)
	require.NotNil(t, doc)
}
