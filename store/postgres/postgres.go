package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/smallnest/graphstate/log"
	"github.com/smallnest/graphstate/store"
)

const backend = store.BackendPostgres

// DBPool defines the interface for database connection pool
type DBPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresOptions configuration for Postgres connection
type PostgresOptions struct {
	ConnString string
	TableName  string // Default store.DefaultTableName
	MaxConns   int32  // Pool bound, pgx default when zero
	Logger     log.Logger
	Clock      *store.Clock
}

// PostgresStateStore implements store.Persistence using PostgreSQL
type PostgresStateStore struct {
	config    *pgxpool.Config
	pool      DBPool
	tableName string
	clock     *store.Clock
	logger    log.Logger
	life      *store.Lifecycle
}

var _ store.Persistence = (*PostgresStateStore)(nil)

// NewPostgresStateStore parses the connection string. The pool is created by
// Initialize, so construction performs no I/O.
func NewPostgresStateStore(opts PostgresOptions) (*PostgresStateStore, error) {
	config, err := pgxpool.ParseConfig(opts.ConnString)
	if err != nil {
		return nil, store.NewError(store.KindConfiguration, backend, "configure", fmt.Errorf("parse postgres connection string: %w", err))
	}
	if opts.MaxConns > 0 {
		config.MaxConns = opts.MaxConns
	}

	s, err := newStore(opts)
	if err != nil {
		return nil, err
	}
	s.config = config
	return s, nil
}

// NewPostgresStateStoreWithPool creates a store over an existing pool.
// Useful for testing with mocks
func NewPostgresStateStoreWithPool(pool DBPool, opts PostgresOptions) (*PostgresStateStore, error) {
	if pool == nil {
		return nil, store.Errorf(store.KindConfiguration, backend, "configure", "pool is required")
	}
	s, err := newStore(opts)
	if err != nil {
		return nil, err
	}
	s.pool = pool
	return s, nil
}

func newStore(opts PostgresOptions) (*PostgresStateStore, error) {
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
	return &PostgresStateStore{
		tableName: tableName,
		clock:     clock,
		logger:    log.OrDefault(opts.Logger),
		life:      store.NewLifecycle(backend),
	}, nil
}

// TableName returns the table the store writes to.
func (s *PostgresStateStore) TableName() string {
	return s.tableName
}

// Initialize creates the pool and the table if they don't exist.
func (s *PostgresStateStore) Initialize(ctx context.Context) error {
	return s.life.Initialize(ctx, s.initialize)
}

func (s *PostgresStateStore) initialize(ctx context.Context) error {
	if s.pool == nil {
		pool, err := pgxpool.NewWithConfig(ctx, s.config)
		if err != nil {
			return s.classify("initialize", fmt.Errorf("unable to create connection pool: %w", err))
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return s.classify("initialize", fmt.Errorf("unable to reach database: %w", err))
		}
		s.pool = pool
	}

	// Verify columns before indexing them.
	if err := s.execSchema(ctx, s.createTableStatement()); err != nil {
		return err
	}
	if err := s.verifySchema(ctx); err != nil {
		return err
	}
	if err := s.execSchema(ctx, s.createIndexStatement()); err != nil {
		return err
	}
	s.logger.Info("postgres: table %s ready", s.tableName)
	return nil
}

func (s *PostgresStateStore) execSchema(ctx context.Context, stmt string) error {
	if _, err := s.pool.Exec(ctx, stmt); err != nil {
		if isAlreadyExists(err) {
			s.logger.Warn("postgres: concurrent schema creation on %s, continuing: %v", s.tableName, err)
			return nil
		}
		return s.classify("initialize", fmt.Errorf("failed to create schema: %w", err))
	}
	return nil
}

func (s *PostgresStateStore) createTableStatement() string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			thread_id TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			state TEXT NOT NULL,
			metadata TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (thread_id, checkpoint_id)
		)`, s.tableName)
}

func (s *PostgresStateStore) createIndexStatement() string {
	return fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_thread_created ON %s (thread_id, created_at DESC, checkpoint_id DESC)`,
		s.tableName, s.tableName)
}

var requiredColumns = []string{"thread_id", "checkpoint_id", "state", "metadata", "created_at", "updated_at"}

func (s *PostgresStateStore) verifySchema(ctx context.Context) error {
	rows, err := s.pool.Query(ctx, `
		SELECT column_name
		FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1
	`, strings.ToLower(s.tableName))
	if err != nil {
		return s.classify("initialize", fmt.Errorf("failed to inspect schema: %w", err))
	}
	defer rows.Close()

	present := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return s.classify("initialize", fmt.Errorf("failed to scan column name: %w", err))
		}
		present[name] = true
	}
	if err := rows.Err(); err != nil {
		return s.classify("initialize", fmt.Errorf("error iterating column rows: %w", err))
	}

	var missing []string
	for _, col := range requiredColumns {
		if !present[col] {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return store.Errorf(store.KindSchema, backend, "initialize",
			"table %s is missing columns %v", s.tableName, missing)
	}
	return nil
}

// Close closes the connection pool
func (s *PostgresStateStore) Close() error {
	return s.life.Close(func() error {
		if s.pool != nil {
			s.pool.Close()
		}
		s.logger.Info("postgres: pool for %s closed", s.tableName)
		return nil
	})
}

// SaveState upserts a checkpoint in one statement; created_at survives overwrites.
func (s *PostgresStateStore) SaveState(ctx context.Context, threadID, checkpointID string, state any, metadata map[string]any) (bool, error) {
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

	query := fmt.Sprintf(`
		INSERT INTO %s (thread_id, checkpoint_id, state, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (thread_id, checkpoint_id) DO UPDATE SET
			state = EXCLUDED.state,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at
	`, s.tableName)

	now := s.clock.Now()
	_, err = s.pool.Exec(ctx, query,
		threadID,
		checkpointID,
		string(stateJSON),
		nullableText(metadataJSON),
		now,
		now,
	)
	if err != nil {
		return false, s.classify(op, fmt.Errorf("failed to save checkpoint: %w", err))
	}

	s.logger.Debug("postgres: saved %s/%s", threadID, checkpointID)
	return true, nil
}

// LoadState retrieves one checkpoint, or the newest of the thread.
func (s *PostgresStateStore) LoadState(ctx context.Context, threadID, checkpointID string) (*store.StateDocument, error) {
	const op = "load state"
	if err := store.ValidateThread(backend, op, threadID); err != nil {
		return nil, err
	}

	release, err := s.life.Acquire(ctx, op, s.initialize)
	if err != nil {
		return nil, err
	}
	defer release()

	var row pgx.Row
	if checkpointID != "" {
		query := fmt.Sprintf(`
			SELECT thread_id, checkpoint_id, state, metadata, created_at, updated_at
			FROM %s
			WHERE thread_id = $1 AND checkpoint_id = $2
		`, s.tableName)
		row = s.pool.QueryRow(ctx, query, threadID, checkpointID)
	} else {
		query := fmt.Sprintf(`
			SELECT thread_id, checkpoint_id, state, metadata, created_at, updated_at
			FROM %s
			WHERE thread_id = $1
			ORDER BY created_at DESC, checkpoint_id DESC
			LIMIT 1
		`, s.tableName)
		row = s.pool.QueryRow(ctx, query, threadID)
	}

	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, s.classify(op, fmt.Errorf("failed to load checkpoint: %w", err))
	}
	return doc, nil
}

// ListCheckpoints returns at most limit checkpoints, newest first.
func (s *PostgresStateStore) ListCheckpoints(ctx context.Context, threadID string, limit int) ([]*store.StateDocument, error) {
	const op = "list checkpoints"
	if err := store.ValidateThread(backend, op, threadID); err != nil {
		return nil, err
	}

	release, err := s.life.Acquire(ctx, op, s.initialize)
	if err != nil {
		return nil, err
	}
	defer release()

	checkpoints := []*store.StateDocument{}
	if limit <= 0 {
		return checkpoints, nil
	}

	query := fmt.Sprintf(`
		SELECT thread_id, checkpoint_id, state, metadata, created_at, updated_at
		FROM %s
		WHERE thread_id = $1
		ORDER BY created_at DESC, checkpoint_id DESC
		LIMIT $2
	`, s.tableName)

	rows, err := s.pool.Query(ctx, query, threadID, limit)
	if err != nil {
		return nil, s.classify(op, fmt.Errorf("failed to list checkpoints: %w", err))
	}
	defer rows.Close()

	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, s.classify(op, fmt.Errorf("failed to scan checkpoint row: %w", err))
		}
		checkpoints = append(checkpoints, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, s.classify(op, fmt.Errorf("error iterating checkpoint rows: %w", err))
	}

	return checkpoints, nil
}

// DeleteState removes one checkpoint, or all checkpoints of the thread.
func (s *PostgresStateStore) DeleteState(ctx context.Context, threadID, checkpointID string) (bool, error) {
	const op = "delete state"
	if err := store.ValidateThread(backend, op, threadID); err != nil {
		return false, err
	}

	release, err := s.life.Acquire(ctx, op, s.initialize)
	if err != nil {
		return false, err
	}
	defer release()

	var tag pgconn.CommandTag
	if checkpointID != "" {
		query := fmt.Sprintf("DELETE FROM %s WHERE thread_id = $1 AND checkpoint_id = $2", s.tableName)
		tag, err = s.pool.Exec(ctx, query, threadID, checkpointID)
	} else {
		query := fmt.Sprintf("DELETE FROM %s WHERE thread_id = $1", s.tableName)
		tag, err = s.pool.Exec(ctx, query, threadID)
	}
	if err != nil {
		return false, s.classify(op, fmt.Errorf("failed to delete checkpoint: %w", err))
	}

	s.logger.Debug("postgres: deleted %d rows for thread %s", tag.RowsAffected(), threadID)
	return true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*store.StateDocument, error) {
	var (
		doc       store.StateDocument
		stateText string
		metadata  *string
		createdAt time.Time
		updatedAt time.Time
	)
	if err := row.Scan(&doc.ThreadID, &doc.CheckpointID, &stateText, &metadata, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	doc.State = []byte(stateText)
	if metadata != nil {
		md, err := store.DecodeMetadata([]byte(*metadata))
		if err != nil {
			return nil, store.NewError(store.KindSerialization, backend, "decode", err)
		}
		doc.Metadata = md
	}
	doc.CreatedAt = createdAt.UTC()
	doc.UpdatedAt = updatedAt.UTC()
	return &doc, nil
}

func nullableText(data []byte) *string {
	if data == nil {
		return nil
	}
	s := string(data)
	return &s
}
