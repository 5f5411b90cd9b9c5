package cosmos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/data/azcosmos"
	"github.com/smallnest/graphstate/log"
	"github.com/smallnest/graphstate/store"
	"golang.org/x/sync/errgroup"
)

const (
	backend = store.BackendCosmos

	// DefaultDatabase is used when neither the options nor the connection
	// string name a database.
	DefaultDatabase = "langgraph_db"

	partitionKeyPath   = "/thread_id"
	defaultThroughput  = 400
	defaultPageSize    = 100
	maxSaveAttempts    = 3
	defaultDeleteLimit = 8
)

// CosmosOptions configuration for Cosmos DB connection
type CosmosOptions struct {
	// ConnString is "AccountEndpoint=...;AccountKey=...;[Database=...;]".
	ConnString string
	Database   string // Overrides the connection string; default DefaultDatabase
	Container  string // Default store.DefaultTableName
	Throughput int32  // Manual RU/s for a new container; default 400
	// DeleteConcurrency bounds parallel deletes while clearing a thread.
	DeleteConcurrency int
	Logger            log.Logger
	Clock             *store.Clock
}

// CosmosStateStore implements store.Persistence on one Cosmos DB container
// partitioned by thread id. Item ids are checkpoint ids.
type CosmosStateStore struct {
	container         Container
	containerName     string
	throughput        int32
	deleteConcurrency int
	clock             *store.Clock
	logger            log.Logger
	life              *store.Lifecycle
}

var _ store.Persistence = (*CosmosStateStore)(nil)

// item is the stored document. Timestamps are fixed-width strings so ORDER BY
// on them is chronological.
type item struct {
	ID           string          `json:"id"`
	ThreadID     string          `json:"thread_id"`
	CheckpointID string          `json:"checkpoint_id"`
	State        json.RawMessage `json:"state"`
	Metadata     json.RawMessage `json:"metadata"`
	CreatedAt    string          `json:"created_at"`
	UpdatedAt    string          `json:"updated_at"`
}

// NewCosmosStateStore creates a store from a Cosmos DB connection string. The
// SDK client is built here; nothing is sent until Initialize.
func NewCosmosStateStore(opts CosmosOptions) (*CosmosStateStore, error) {
	fields := store.ParseKeyValues(opts.ConnString)
	endpoint, key := fields["accountendpoint"], fields["accountkey"]
	if endpoint == "" || key == "" {
		return nil, store.Errorf(store.KindConfiguration, backend, "configure",
			"connection string must contain AccountEndpoint and AccountKey")
	}

	cred, err := azcosmos.NewKeyCredential(key)
	if err != nil {
		return nil, store.NewError(store.KindConfiguration, backend, "configure", fmt.Errorf("invalid account key: %w", err))
	}
	client, err := azcosmos.NewClientWithKey(endpoint, cred, nil)
	if err != nil {
		return nil, store.NewError(store.KindConfiguration, backend, "configure", fmt.Errorf("unable to create client: %w", err))
	}

	database := opts.Database
	if database == "" {
		database = fields["database"]
	}
	if database == "" {
		database = DefaultDatabase
	}
	containerName := opts.Container
	if containerName == "" {
		containerName = store.DefaultTableName
	}
	if err := store.ValidateTableName(backend, containerName); err != nil {
		return nil, err
	}

	container, err := newAzureContainer(client, database, containerName)
	if err != nil {
		return nil, store.NewError(store.KindConfiguration, backend, "configure", err)
	}
	return NewCosmosStateStoreWithContainer(container, opts)
}

// NewCosmosStateStoreWithContainer creates a store over an existing Container.
func NewCosmosStateStoreWithContainer(container Container, opts CosmosOptions) (*CosmosStateStore, error) {
	if container == nil {
		return nil, store.Errorf(store.KindConfiguration, backend, "configure", "container is required")
	}
	containerName := opts.Container
	if containerName == "" {
		containerName = store.DefaultTableName
	}
	throughput := opts.Throughput
	if throughput <= 0 {
		throughput = defaultThroughput
	}
	deleteConcurrency := opts.DeleteConcurrency
	if deleteConcurrency <= 0 {
		deleteConcurrency = defaultDeleteLimit
	}
	clock := opts.Clock
	if clock == nil {
		clock = store.NewClock()
	}

	return &CosmosStateStore{
		container:         container,
		containerName:     containerName,
		throughput:        throughput,
		deleteConcurrency: deleteConcurrency,
		clock:             clock,
		logger:            log.OrDefault(opts.Logger),
		life:              store.NewLifecycle(backend),
	}, nil
}

// Initialize creates the database and container if they don't exist and
// checks the container is partitioned by thread id.
func (s *CosmosStateStore) Initialize(ctx context.Context) error {
	return s.life.Initialize(ctx, s.initialize)
}

func (s *CosmosStateStore) initialize(ctx context.Context) error {
	path, err := s.container.EnsureContainer(ctx, partitionKeyPath, s.throughput)
	if err != nil {
		return s.classify("initialize", fmt.Errorf("failed to ensure container: %w", err))
	}
	if path != partitionKeyPath {
		return store.Errorf(store.KindSchema, backend, "initialize",
			"container %s is partitioned by %q, want %q", s.containerName, path, partitionKeyPath)
	}
	s.logger.Info("cosmos: container %s ready", s.containerName)
	return nil
}

// Close marks the store closed. The SDK client holds no resources that need
// releasing.
func (s *CosmosStateStore) Close() error {
	return s.life.Close(nil)
}

// SaveState creates the item, or patches state, metadata and updated_at of an
// existing one so created_at survives.
func (s *CosmosStateStore) SaveState(ctx context.Context, threadID, checkpointID string, state any, metadata map[string]any) (bool, error) {
	const op = "save state"
	if err := store.ValidateKey(backend, op, threadID, checkpointID); err != nil {
		return false, err
	}
	stateJSON, err := store.EncodeState(state)
	if err != nil {
		return false, store.NewError(store.KindSerialization, backend, op, err)
	}
	metadataJSON, err := store.EncodeMetadata(metadata)
	if err != nil {
		return false, store.NewError(store.KindSerialization, backend, op, err)
	}

	release, err := s.life.Acquire(ctx, op, s.initialize)
	if err != nil {
		return false, err
	}
	defer release()

	now := store.FormatTimestamp(s.clock.Now())
	body, err := json.Marshal(item{
		ID:           checkpointID,
		ThreadID:     threadID,
		CheckpointID: checkpointID,
		State:        stateJSON,
		Metadata:     metadataJSON,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return false, store.NewError(store.KindSerialization, backend, op, err)
	}
	patch := map[string]any{
		"state":      stateJSON,
		"metadata":   metadataJSON,
		"updated_at": now,
	}

	for attempt := 0; attempt < maxSaveAttempts; attempt++ {
		err := s.container.CreateItem(ctx, threadID, body)
		if err == nil {
			s.logger.Debug("cosmos: created %s/%s", threadID, checkpointID)
			return true, nil
		}
		if !hasStatus(err, http.StatusConflict) {
			return false, s.classify(op, fmt.Errorf("failed to create item: %w", err))
		}

		err = s.container.PatchItem(ctx, threadID, checkpointID, patch)
		if err == nil {
			s.logger.Debug("cosmos: updated %s/%s", threadID, checkpointID)
			return true, nil
		}
		if !hasStatus(err, http.StatusNotFound) {
			return false, s.classify(op, fmt.Errorf("failed to patch item: %w", err))
		}
		// Deleted between the create and the patch.
	}

	return false, store.Errorf(store.KindConnection, backend, op,
		"checkpoint %s/%s kept changing under concurrent deletes", threadID, checkpointID)
}

// LoadState reads one item, or the newest of the partition.
func (s *CosmosStateStore) LoadState(ctx context.Context, threadID, checkpointID string) (*store.StateDocument, error) {
	const op = "load state"
	if err := store.ValidateThread(backend, op, threadID); err != nil {
		return nil, err
	}

	release, err := s.life.Acquire(ctx, op, s.initialize)
	if err != nil {
		return nil, err
	}
	defer release()

	if checkpointID == "" {
		docs, err := s.newest(ctx, threadID, 1)
		if err != nil {
			return nil, s.classify(op, fmt.Errorf("failed to query latest item: %w", err))
		}
		if len(docs) == 0 {
			return nil, nil
		}
		return docs[0], nil
	}

	data, err := s.container.ReadItem(ctx, threadID, checkpointID)
	if err != nil {
		if hasStatus(err, http.StatusNotFound) {
			return nil, nil
		}
		return nil, s.classify(op, fmt.Errorf("failed to read item: %w", err))
	}
	doc, err := decodeItem(data)
	if err != nil {
		return nil, s.classify(op, err)
	}
	return doc, nil
}

// ListCheckpoints returns the newest items of the partition.
func (s *CosmosStateStore) ListCheckpoints(ctx context.Context, threadID string, limit int) ([]*store.StateDocument, error) {
	const op = "list checkpoints"
	if err := store.ValidateThread(backend, op, threadID); err != nil {
		return nil, err
	}

	release, err := s.life.Acquire(ctx, op, s.initialize)
	if err != nil {
		return nil, err
	}
	defer release()

	if limit <= 0 {
		return []*store.StateDocument{}, nil
	}
	docs, err := s.newest(ctx, threadID, limit)
	if err != nil {
		return nil, s.classify(op, fmt.Errorf("failed to query items: %w", err))
	}
	return docs, nil
}

// newest drains every page of a partition-scoped query and orders the result
// client-side, since pages are not guaranteed to arrive in ORDER BY order.
func (s *CosmosStateStore) newest(ctx context.Context, threadID string, limit int) ([]*store.StateDocument, error) {
	query := "SELECT TOP @limit * FROM c WHERE c.thread_id = @thread_id ORDER BY c.created_at DESC"
	params := map[string]any{"@limit": limit, "@thread_id": threadID}

	pageSize := int32(defaultPageSize)
	if limit < defaultPageSize {
		pageSize = int32(limit)
	}

	docs := []*store.StateDocument{}
	pager := s.container.QueryItems(threadID, query, params, pageSize)
	for pager.More() {
		items, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, data := range items {
			doc, err := decodeItem(data)
			if err != nil {
				return nil, err
			}
			docs = append(docs, doc)
		}
	}

	store.SortNewestFirst(docs)
	if len(docs) > limit {
		docs = docs[:limit]
	}
	return docs, nil
}

// DeleteState deletes one item, or every item of the partition. A bulk delete
// keeps going past individual failures and reports them together.
func (s *CosmosStateStore) DeleteState(ctx context.Context, threadID, checkpointID string) (bool, error) {
	const op = "delete state"
	if err := store.ValidateThread(backend, op, threadID); err != nil {
		return false, err
	}

	release, err := s.life.Acquire(ctx, op, s.initialize)
	if err != nil {
		return false, err
	}
	defer release()

	if checkpointID != "" {
		if err := s.deleteItem(ctx, threadID, checkpointID); err != nil {
			return false, s.classify(op, err)
		}
		return true, nil
	}

	ids, err := s.itemIDs(ctx, threadID)
	if err != nil {
		return false, s.classify(op, fmt.Errorf("failed to query item ids: %w", err))
	}

	var (
		mu       sync.Mutex
		failures []error
	)
	g := new(errgroup.Group)
	g.SetLimit(s.deleteConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			if err := s.deleteItem(ctx, threadID, id); err != nil {
				mu.Lock()
				failures = append(failures, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(failures) > 0 {
		s.logger.Warn("cosmos: %d of %d deletes failed for thread %s", len(failures), len(ids), threadID)
		return false, s.classifyAll(op, fmt.Errorf("failed to delete %d of %d items: %w",
			len(failures), len(ids), errors.Join(failures...)), failures)
	}

	s.logger.Debug("cosmos: cleared %d items of %s", len(ids), threadID)
	return true, nil
}

func (s *CosmosStateStore) deleteItem(ctx context.Context, threadID, id string) error {
	err := s.container.DeleteItem(ctx, threadID, id)
	if err != nil && !hasStatus(err, http.StatusNotFound) {
		return fmt.Errorf("failed to delete item %s: %w", id, err)
	}
	return nil
}

func (s *CosmosStateStore) itemIDs(ctx context.Context, threadID string) ([]string, error) {
	query := "SELECT c.id FROM c WHERE c.thread_id = @thread_id"
	params := map[string]any{"@thread_id": threadID}

	var ids []string
	pager := s.container.QueryItems(threadID, query, params, defaultPageSize)
	for pager.More() {
		items, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, data := range items {
			var ref struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(data, &ref); err != nil {
				return nil, store.NewError(store.KindSerialization, backend, "decode", err)
			}
			ids = append(ids, ref.ID)
		}
	}
	return ids, nil
}

func decodeItem(data []byte) (*store.StateDocument, error) {
	var it item
	if err := json.Unmarshal(data, &it); err != nil {
		return nil, store.NewError(store.KindSerialization, backend, "decode", fmt.Errorf("failed to unmarshal item: %w", err))
	}

	doc := &store.StateDocument{
		ThreadID:     it.ThreadID,
		CheckpointID: it.CheckpointID,
		State:        it.State,
	}
	if doc.CheckpointID == "" {
		doc.CheckpointID = it.ID
	}
	if len(doc.State) == 0 {
		doc.State = json.RawMessage("null")
	}

	md, err := store.DecodeMetadata(it.Metadata)
	if err != nil {
		return nil, store.NewError(store.KindSerialization, backend, "decode", err)
	}
	doc.Metadata = md

	if doc.CreatedAt, err = store.ParseTimestamp(it.CreatedAt); err != nil {
		return nil, store.NewError(store.KindSerialization, backend, "decode", err)
	}
	if doc.UpdatedAt, err = store.ParseTimestamp(it.UpdatedAt); err != nil {
		return nil, store.NewError(store.KindSerialization, backend, "decode", err)
	}
	return doc, nil
}
