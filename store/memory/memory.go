// Package memory provides an in-process adapter of the store.Persistence
// contract. Nothing survives the process; it is meant for tests and local
// runs of code written against store.Persistence.
//
// Stores opened on the same Database share its tables. "memory://name"
// resolves to the database called name in a Registry, by default the package
// one behind Named, and "memory://" to a private database.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/smallnest/graphstate/log"
	"github.com/smallnest/graphstate/store"
)

const backend = store.BackendMemory

// Database is an in-process keyspace holding named tables.
type Database struct {
	mu     sync.RWMutex
	tables map[string]*table
}

type table struct {
	threads map[string]map[string]*record
}

type record struct {
	state     []byte
	metadata  []byte
	createdAt time.Time
	updatedAt time.Time
}

// NewDatabase returns an empty database.
func NewDatabase() *Database {
	return &Database{tables: make(map[string]*table)}
}

// Registry maps names to databases. memory://name URLs resolve against one.
type Registry struct {
	mu  sync.Mutex
	dbs map[string]*Database
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{dbs: make(map[string]*Database)}
}

// Database returns the database called name, creating it on first use.
func (r *Registry) Database(name string) *Database {
	r.mu.Lock()
	defer r.mu.Unlock()
	db, ok := r.dbs[name]
	if !ok {
		db = NewDatabase()
		r.dbs[name] = db
	}
	return db
}

// ParseURL resolves a memory:// URL to a database of r. An empty name gets a
// private database.
func (r *Registry) ParseURL(url string) (*Database, error) {
	url = strings.TrimSpace(url)
	if len(url) < len("memory://") || !strings.EqualFold(url[:len("memory://")], "memory://") {
		return nil, fmt.Errorf("not a memory:// URL: %q", url)
	}
	name := strings.Trim(url[len("memory://"):], "/")
	if name == "" {
		return NewDatabase(), nil
	}
	return r.Database(name), nil
}

var defaultRegistry = NewRegistry()

// Named returns the database called name in the default registry.
func Named(name string) *Database {
	return defaultRegistry.Database(name)
}

// ParseURL resolves a memory:// URL against the default registry.
func ParseURL(url string) (*Database, error) {
	return defaultRegistry.ParseURL(url)
}

// MemoryOptions configures a MemoryStateStore. Database wins over URL; with
// neither the store gets a private database.
type MemoryOptions struct {
	URL      string
	Database *Database
	// Registry resolves URL. Default: the package registry behind Named.
	Registry  *Registry
	TableName string // Default store.DefaultTableName
	Logger    log.Logger
	Clock     *store.Clock
}

// MemoryStateStore implements store.Persistence in process memory.
type MemoryStateStore struct {
	db        *Database
	tableName string
	clock     *store.Clock
	logger    log.Logger
	life      *store.Lifecycle
}

var _ store.Persistence = (*MemoryStateStore)(nil)

// NewMemoryStateStore creates a new in-memory state store.
func NewMemoryStateStore(opts MemoryOptions) (*MemoryStateStore, error) {
	db := opts.Database
	if db == nil && opts.URL != "" {
		registry := opts.Registry
		if registry == nil {
			registry = defaultRegistry
		}
		var err error
		if db, err = registry.ParseURL(opts.URL); err != nil {
			return nil, store.NewError(store.KindConfiguration, backend, "configure", err)
		}
	}
	if db == nil {
		db = NewDatabase()
	}

	tableName := opts.TableName
	if tableName == "" {
		tableName = store.DefaultTableName
	}
	if err := store.ValidateTableName(backend, tableName); err != nil {
		return nil, err
	}

	clock := opts.Clock
	if clock == nil {
		clock = store.NewClock()
	}

	return &MemoryStateStore{
		db:        db,
		tableName: tableName,
		clock:     clock,
		logger:    log.OrDefault(opts.Logger),
		life:      store.NewLifecycle(backend),
	}, nil
}

// TableName returns the table the store writes to.
func (s *MemoryStateStore) TableName() string {
	return s.tableName
}

// Initialize creates the table if it doesn't exist.
func (s *MemoryStateStore) Initialize(ctx context.Context) error {
	return s.life.Initialize(ctx, s.initialize)
}

func (s *MemoryStateStore) initialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return store.NewError(store.KindConnection, backend, "initialize", err)
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.tableLocked()
	s.logger.Debug("memory: table %s ready", s.tableName)
	return nil
}

// tableLocked returns the store's table, creating it if needed. The caller
// holds db.mu for writing.
func (s *MemoryStateStore) tableLocked() *table {
	t, ok := s.db.tables[s.tableName]
	if !ok {
		t = &table{threads: make(map[string]map[string]*record)}
		s.db.tables[s.tableName] = t
	}
	return t
}

// Close marks the store closed. The database keeps its data.
func (s *MemoryStateStore) Close() error {
	return s.life.Close(nil)
}

// SaveState stores a checkpoint, keeping created_at of an existing one.
func (s *MemoryStateStore) SaveState(ctx context.Context, threadID, checkpointID string, state any, metadata map[string]any) (bool, error) {
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

	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	t := s.tableLocked()
	checkpoints, ok := t.threads[threadID]
	if !ok {
		checkpoints = make(map[string]*record)
		t.threads[threadID] = checkpoints
	}

	now := s.clock.Now()
	rec := &record{state: stateJSON, metadata: metadataJSON, createdAt: now, updatedAt: now}
	if existing, ok := checkpoints[checkpointID]; ok {
		rec.createdAt = existing.createdAt
	}
	checkpoints[checkpointID] = rec

	s.logger.Debug("memory: saved %s/%s", threadID, checkpointID)
	return true, nil
}

// LoadState retrieves a checkpoint by key, or the newest of the thread.
func (s *MemoryStateStore) LoadState(ctx context.Context, threadID, checkpointID string) (*store.StateDocument, error) {
	const op = "load state"
	if err := store.ValidateThread(backend, op, threadID); err != nil {
		return nil, err
	}

	release, err := s.life.Acquire(ctx, op, s.initialize)
	if err != nil {
		return nil, err
	}
	defer release()

	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	checkpoints := s.threadLocked(threadID)
	if checkpointID != "" {
		rec, ok := checkpoints[checkpointID]
		if !ok {
			return nil, nil
		}
		return s.document(op, threadID, checkpointID, rec)
	}

	var newest *store.StateDocument
	for id, rec := range checkpoints {
		candidate := &store.StateDocument{CheckpointID: id, CreatedAt: rec.createdAt}
		if newest == nil || store.Newer(candidate, newest) {
			newest = candidate
		}
	}
	if newest == nil {
		return nil, nil
	}
	return s.document(op, threadID, newest.CheckpointID, checkpoints[newest.CheckpointID])
}

// ListCheckpoints returns the newest checkpoints of a thread.
func (s *MemoryStateStore) ListCheckpoints(ctx context.Context, threadID string, limit int) ([]*store.StateDocument, error) {
	const op = "list checkpoints"
	if err := store.ValidateThread(backend, op, threadID); err != nil {
		return nil, err
	}

	release, err := s.life.Acquire(ctx, op, s.initialize)
	if err != nil {
		return nil, err
	}
	defer release()

	docs := []*store.StateDocument{}
	if limit <= 0 {
		return docs, nil
	}

	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	for id, rec := range s.threadLocked(threadID) {
		doc, err := s.document(op, threadID, id, rec)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	store.SortNewestFirst(docs)
	if len(docs) > limit {
		docs = docs[:limit]
	}
	return docs, nil
}

// DeleteState removes a checkpoint, or every checkpoint of the thread.
func (s *MemoryStateStore) DeleteState(ctx context.Context, threadID, checkpointID string) (bool, error) {
	const op = "delete state"
	if err := store.ValidateThread(backend, op, threadID); err != nil {
		return false, err
	}

	release, err := s.life.Acquire(ctx, op, s.initialize)
	if err != nil {
		return false, err
	}
	defer release()

	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	t := s.tableLocked()
	if checkpointID == "" {
		delete(t.threads, threadID)
		return true, nil
	}
	if checkpoints, ok := t.threads[threadID]; ok {
		delete(checkpoints, checkpointID)
		if len(checkpoints) == 0 {
			delete(t.threads, threadID)
		}
	}
	return true, nil
}

// threadLocked returns the checkpoints of a thread, nil when there are none.
// The caller holds db.mu.
func (s *MemoryStateStore) threadLocked(threadID string) map[string]*record {
	t, ok := s.db.tables[s.tableName]
	if !ok {
		return nil
	}
	return t.threads[threadID]
}

// document copies a record out so callers cannot alter stored data.
func (s *MemoryStateStore) document(op, threadID, checkpointID string, rec *record) (*store.StateDocument, error) {
	metadata, err := store.DecodeMetadata(rec.metadata)
	if err != nil {
		return nil, store.NewError(store.KindSerialization, backend, op, err)
	}
	return &store.StateDocument{
		ThreadID:     threadID,
		CheckpointID: checkpointID,
		State:        append([]byte(nil), rec.state...),
		Metadata:     metadata,
		CreatedAt:    rec.createdAt,
		UpdatedAt:    rec.updatedAt,
	}, nil
}
