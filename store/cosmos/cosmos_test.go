package cosmos

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/smallnest/graphstate/log"
	"github.com/smallnest/graphstate/store"
	"github.com/smallnest/graphstate/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const emulatorConnString = "AccountEndpoint=https://localhost:8081/;" +
	"AccountKey=C2y6yDjf5/R+ob0N8A7Cgv30VRDJIWEHLM+4QDU5DE2nQ9nDuVTqobD4b8mGGyPMbIZnqyMsEcaGQy67XIw/Jw==;"

func responseError(status int, code string) error {
	req, _ := http.NewRequest(http.MethodPost, "https://localhost:8081/dbs/langgraph_db/colls/graph_states/docs", nil)
	return &azcore.ResponseError{
		ErrorCode:  code,
		StatusCode: status,
		RawResponse: &http.Response{
			StatusCode: status,
			Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
			Header:     http.Header{},
			Body:       io.NopCloser(strings.NewReader(`{"code":"` + code + `"}`)),
			Request:    req,
		},
	}
}

// fakeContainer keeps items in memory and serves queries in small pages in
// map order, so callers cannot rely on the server's sort.
type fakeContainer struct {
	mu            sync.Mutex
	items         map[string]map[string][]byte
	partitionPath string
	ensureCalls   int
	pageSize      int

	ensureErr   error
	createErr   error
	deleteErrs  map[string]error
	beforePatch func(f *fakeContainer, pk, id string)

	lastQuery  string
	lastParams map[string]any
}

func newFakeContainer() *fakeContainer {
	return &fakeContainer{
		items:      make(map[string]map[string][]byte),
		pageSize:   2,
		deleteErrs: make(map[string]error),
	}
}

func (f *fakeContainer) EnsureContainer(ctx context.Context, path string, throughput int32) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensureCalls++
	if f.ensureErr != nil {
		return "", f.ensureErr
	}
	if f.partitionPath == "" {
		f.partitionPath = path
	}
	return f.partitionPath, nil
}

func (f *fakeContainer) CreateItem(ctx context.Context, pk string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	var ref struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &ref); err != nil {
		return responseError(http.StatusBadRequest, "BadRequest")
	}
	if _, ok := f.items[pk][ref.ID]; ok {
		return responseError(http.StatusConflict, "Conflict")
	}
	if f.items[pk] == nil {
		f.items[pk] = make(map[string][]byte)
	}
	f.items[pk][ref.ID] = append([]byte(nil), data...)
	return nil
}

func (f *fakeContainer) PatchItem(ctx context.Context, pk, id string, set map[string]any) error {
	if f.beforePatch != nil {
		f.beforePatch(f, pk, id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.items[pk][id]
	if !ok {
		return responseError(http.StatusNotFound, "NotFound")
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	for name, value := range set {
		raw, err := json.Marshal(value)
		if err != nil {
			return responseError(http.StatusBadRequest, "BadRequest")
		}
		doc[name] = raw
	}
	updated, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	f.items[pk][id] = updated
	return nil
}

func (f *fakeContainer) ReadItem(ctx context.Context, pk, id string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.items[pk][id]
	if !ok {
		return nil, responseError(http.StatusNotFound, "NotFound")
	}
	return append([]byte(nil), data...), nil
}

func (f *fakeContainer) DeleteItem(ctx context.Context, pk, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.deleteErrs[id]; err != nil {
		return err
	}
	if _, ok := f.items[pk][id]; !ok {
		return responseError(http.StatusNotFound, "NotFound")
	}
	delete(f.items[pk], id)
	return nil
}

func (f *fakeContainer) QueryItems(pk, query string, params map[string]any, pageSize int32) ItemPager {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastQuery = query
	f.lastParams = params

	idsOnly := strings.HasPrefix(query, "SELECT c.id ")
	var results [][]byte
	for id, data := range f.items[pk] {
		if idsOnly {
			results = append(results, []byte(fmt.Sprintf(`{"id":%q}`, id)))
			continue
		}
		results = append(results, append([]byte(nil), data...))
	}

	pager := &fakePager{}
	for len(results) > 0 {
		n := min(f.pageSize, len(results))
		pager.pages = append(pager.pages, results[:n])
		results = results[n:]
	}
	return pager
}

func (f *fakeContainer) count(pk string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items[pk])
}

type fakePager struct {
	pages [][][]byte
}

func (p *fakePager) More() bool {
	return len(p.pages) > 0
}

func (p *fakePager) NextPage(ctx context.Context) ([][]byte, error) {
	if len(p.pages) == 0 {
		return nil, fmt.Errorf("no more pages")
	}
	page := p.pages[0]
	p.pages = p.pages[1:]
	return page, nil
}

func newTestStore(t *testing.T, fake *fakeContainer) *CosmosStateStore {
	t.Helper()
	s, err := NewCosmosStateStoreWithContainer(fake, CosmosOptions{Logger: &log.NoOpLogger{}, DeleteConcurrency: 3})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCosmosStateStore_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Opener {
		fake := newFakeContainer()
		return func(t *testing.T) store.Persistence {
			return newTestStore(t, fake)
		}
	})
}

func TestNewCosmosStateStore(t *testing.T) {
	s, err := NewCosmosStateStore(CosmosOptions{ConnString: emulatorConnString + "Database=graphs;"})
	require.NoError(t, err)
	ac, ok := s.container.(*azureContainer)
	require.True(t, ok)
	assert.Equal(t, "graphs", ac.databaseName)
	assert.Equal(t, store.DefaultTableName, ac.container.ID())
	assert.Equal(t, int32(defaultThroughput), s.throughput)

	s, err = NewCosmosStateStore(CosmosOptions{ConnString: emulatorConnString, Container: "checkpoints"})
	require.NoError(t, err)
	assert.Equal(t, DefaultDatabase, s.container.(*azureContainer).databaseName)

	s, err = NewCosmosStateStore(CosmosOptions{ConnString: emulatorConnString + "Database=graphs;", Database: "override"})
	require.NoError(t, err)
	assert.Equal(t, "override", s.container.(*azureContainer).databaseName)

	_, err = NewCosmosStateStore(CosmosOptions{ConnString: "AccountEndpoint=https://localhost:8081/;"})
	assert.ErrorIs(t, err, store.ErrConfiguration)

	_, err = NewCosmosStateStore(CosmosOptions{ConnString: "AccountEndpoint=https://localhost:8081/;AccountKey=%%%not-base64;"})
	assert.ErrorIs(t, err, store.ErrConfiguration)

	_, err = NewCosmosStateStore(CosmosOptions{ConnString: emulatorConnString, Container: "bad/name"})
	assert.ErrorIs(t, err, store.ErrConfiguration)

	_, err = NewCosmosStateStoreWithContainer(nil, CosmosOptions{})
	assert.ErrorIs(t, err, store.ErrConfiguration)
}

func TestCosmosStateStore_Initialize(t *testing.T) {
	fake := newFakeContainer()
	s := newTestStore(t, fake)
	ctx := context.Background()

	require.NoError(t, s.Initialize(ctx))
	require.NoError(t, s.Initialize(ctx))
	assert.Equal(t, 1, fake.ensureCalls)
	assert.Equal(t, "/thread_id", fake.partitionPath)
}

func TestCosmosStateStore_InitializePartitionMismatch(t *testing.T) {
	fake := newFakeContainer()
	fake.partitionPath = "/id"
	s := newTestStore(t, fake)

	err := s.Initialize(context.Background())
	assert.ErrorIs(t, err, store.ErrSchema)
	assert.Contains(t, err.Error(), `"/id"`)
}

func TestCosmosStateStore_InitializeErrors(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, store.ErrConfiguration},
		{http.StatusForbidden, store.ErrConfiguration},
		{http.StatusTooManyRequests, store.ErrConnection},
		{http.StatusServiceUnavailable, store.ErrConnection},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			fake := newFakeContainer()
			fake.ensureErr = responseError(tt.status, "Failure")
			s := newTestStore(t, fake)

			err := s.Initialize(context.Background())
			assert.ErrorIs(t, err, tt.want)

			var respErr *azcore.ResponseError
			assert.NotErrorAs(t, err, &respErr)
		})
	}
}

func TestCosmosStateStore_SaveKeepsCreatedAt(t *testing.T) {
	fake := newFakeContainer()
	s := newTestStore(t, fake)
	ctx := context.Background()

	_, err := s.SaveState(ctx, "conv-1", "cp-0", map[string]any{"step": 0}, map[string]any{"user_id": "u"})
	require.NoError(t, err)

	var before item
	require.NoError(t, json.Unmarshal(fake.items["conv-1"]["cp-0"], &before))
	assert.Equal(t, "cp-0", before.ID)
	assert.Equal(t, "conv-1", before.ThreadID)

	_, err = s.SaveState(ctx, "conv-1", "cp-0", map[string]any{"step": 1}, nil)
	require.NoError(t, err)

	var after item
	require.NoError(t, json.Unmarshal(fake.items["conv-1"]["cp-0"], &after))
	assert.Equal(t, before.CreatedAt, after.CreatedAt)
	assert.Greater(t, after.UpdatedAt, before.UpdatedAt)
	assert.JSONEq(t, `{"step":1}`, string(after.State))
	assert.Equal(t, "null", string(after.Metadata))
}

func TestCosmosStateStore_SaveRetriesAfterConcurrentDelete(t *testing.T) {
	fake := newFakeContainer()
	s := newTestStore(t, fake)
	ctx := context.Background()

	_, err := s.SaveState(ctx, "conv-1", "cp-0", "first", nil)
	require.NoError(t, err)

	var once sync.Once
	fake.beforePatch = func(f *fakeContainer, pk, id string) {
		once.Do(func() {
			f.mu.Lock()
			delete(f.items[pk], id)
			f.mu.Unlock()
		})
	}

	ok, err := s.SaveState(ctx, "conv-1", "cp-0", "second", nil)
	require.NoError(t, err)
	assert.True(t, ok)

	doc, err := s.LoadState(ctx, "conv-1", "cp-0")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.JSONEq(t, `"second"`, string(doc.State))
}

func TestCosmosStateStore_SaveErrors(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, store.ErrConnection},
		{http.StatusRequestEntityTooLarge, store.ErrSerialization},
		{http.StatusForbidden, store.ErrConfiguration},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			fake := newFakeContainer()
			s := newTestStore(t, fake)
			require.NoError(t, s.Initialize(context.Background()))
			fake.createErr = responseError(tt.status, "Failure")

			ok, err := s.SaveState(context.Background(), "conv-1", "cp-0", "x", nil)
			assert.False(t, ok)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCosmosStateStore_QueryIsPartitionScoped(t *testing.T) {
	fake := newFakeContainer()
	s := newTestStore(t, fake)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.SaveState(ctx, "conv-1", fmt.Sprintf("cp-%d", i), i, nil)
		require.NoError(t, err)
	}
	_, err := s.SaveState(ctx, "conv-2", "cp-9", 9, nil)
	require.NoError(t, err)

	list, err := s.ListCheckpoints(ctx, "conv-1", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"cp-4", "cp-3", "cp-2"}, []string{list[0].CheckpointID, list[1].CheckpointID, list[2].CheckpointID})
	assert.Contains(t, fake.lastQuery, "WHERE c.thread_id = @thread_id")
	assert.Contains(t, fake.lastQuery, "ORDER BY c.created_at DESC")
	assert.Equal(t, map[string]any{"@limit": 3, "@thread_id": "conv-1"}, fake.lastParams)
}

func TestCosmosStateStore_BulkDeletePartialFailure(t *testing.T) {
	fake := newFakeContainer()
	s := newTestStore(t, fake)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := s.SaveState(ctx, "conv-1", fmt.Sprintf("cp-%d", i), i, nil)
		require.NoError(t, err)
	}
	fake.deleteErrs["cp-2"] = responseError(http.StatusServiceUnavailable, "ServiceUnavailable")
	fake.deleteErrs["cp-4"] = responseError(http.StatusNotFound, "NotFound")

	ok, err := s.DeleteState(ctx, "conv-1", "")
	assert.False(t, ok)
	assert.ErrorIs(t, err, store.ErrConnection)
	assert.Contains(t, err.Error(), "1 of 6")
	assert.Contains(t, err.Error(), "cp-2")

	// Every other delete still ran; the 404 counted as deleted.
	assert.Equal(t, 2, fake.count("conv-1"))

	fake.deleteErrs = map[string]error{}
	ok, err = s.DeleteState(ctx, "conv-1", "")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, fake.count("conv-1"))
}

func TestCosmosStateStore_BulkDeletePermanentFailure(t *testing.T) {
	fake := newFakeContainer()
	s := newTestStore(t, fake)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.SaveState(ctx, "conv-1", fmt.Sprintf("cp-%d", i), i, nil)
		require.NoError(t, err)
	}
	fake.deleteErrs["cp-0"] = responseError(http.StatusTooManyRequests, "TooManyRequests")
	fake.deleteErrs["cp-1"] = responseError(http.StatusForbidden, "Forbidden")

	ok, err := s.DeleteState(ctx, "conv-1", "")
	assert.False(t, ok)
	assert.ErrorIs(t, err, store.ErrConfiguration)
	assert.False(t, store.IsRetryable(err))
}

func TestCosmosStateStore_CorruptItem(t *testing.T) {
	fake := newFakeContainer()
	s := newTestStore(t, fake)
	require.NoError(t, s.Initialize(context.Background()))

	fake.items["conv-1"] = map[string][]byte{
		"cp-0": []byte(`{"id":"cp-0","thread_id":"conv-1","state":{},"created_at":"not a time","updated_at":"not a time"}`),
	}

	_, err := s.LoadState(context.Background(), "conv-1", "cp-0")
	assert.ErrorIs(t, err, store.ErrSerialization)
	_, err = s.ListCheckpoints(context.Background(), "conv-1", 5)
	assert.ErrorIs(t, err, store.ErrSerialization)
}
