package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/smallnest/graphstate/log"
	"github.com/smallnest/graphstate/store"
)

const (
	backend = store.BackendSQLite

	defaultBusyTimeout = 5000 // milliseconds
)

// SqliteOptions configuration for SQLite connection
type SqliteOptions struct {
	// Path is a file path, ":memory:", a file: URI or a sqlite:// URL.
	Path         string
	TableName    string // Default store.DefaultTableName
	MaxOpenConns int
	Logger       log.Logger
	Clock        *store.Clock
}

// SqliteStateStore implements store.Persistence using SQLite
type SqliteStateStore struct {
	db        *sql.DB
	tableName string
	clock     *store.Clock
	logger    log.Logger
	life      *store.Lifecycle
}

var _ store.Persistence = (*SqliteStateStore)(nil)

// NewSqliteStateStore creates a new SQLite state store. The database file is
// opened on first use.
func NewSqliteStateStore(opts SqliteOptions) (*SqliteStateStore, error) {
	dsn, memory, err := DSN(opts.Path)
	if err != nil {
		return nil, store.NewError(store.KindConfiguration, backend, "configure", err)
	}

	tableName := opts.TableName
	if tableName == "" {
		tableName = store.DefaultTableName
	}
	if err := store.ValidateTableName(backend, tableName); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, store.NewError(store.KindConfiguration, backend, "configure", fmt.Errorf("unable to open database: %w", err))
	}
	switch {
	case memory:
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	case opts.MaxOpenConns > 0:
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}

	clock := opts.Clock
	if clock == nil {
		clock = store.NewClock()
	}

	return &SqliteStateStore{
		db:        db,
		tableName: tableName,
		clock:     clock,
		logger:    log.OrDefault(opts.Logger),
		life:      store.NewLifecycle(backend),
	}, nil
}

// DSN converts a path or sqlite URL into a go-sqlite3 data source name and
// reports whether it names an in-memory database.
func DSN(path string) (dsn string, memory bool, err error) {
	path = strings.TrimSpace(path)
	lower := strings.ToLower(path)
	for _, prefix := range []string{"sqlite3://", "sqlite://"} {
		if strings.HasPrefix(lower, prefix) {
			path = path[len(prefix):]
			break
		}
	}
	if path == "" {
		return "", false, fmt.Errorf("sqlite path is required")
	}

	memory = path == ":memory:" || strings.Contains(path, "mode=memory")

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	if !strings.Contains(path, "_busy_timeout") {
		path += fmt.Sprintf("%s_busy_timeout=%d", sep, defaultBusyTimeout)
	}
	return path, memory, nil
}

// TableName returns the table the store writes to.
func (s *SqliteStateStore) TableName() string {
	return s.tableName
}

// Initialize creates the necessary table if it doesn't exist
func (s *SqliteStateStore) Initialize(ctx context.Context) error {
	return s.life.Initialize(ctx, s.initialize)
}

func (s *SqliteStateStore) initialize(ctx context.Context) error {
	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			thread_id TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			state TEXT NOT NULL,
			metadata TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (thread_id, checkpoint_id)
		)`, s.tableName)
	createIndex := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_thread_created ON %[1]s (thread_id, created_at DESC, checkpoint_id DESC)`, s.tableName)

	// Verify columns before indexing them.
	if err := s.execSchema(ctx, createTable); err != nil {
		return err
	}
	if err := s.verifySchema(ctx); err != nil {
		return err
	}
	if err := s.execSchema(ctx, createIndex); err != nil {
		return err
	}
	s.logger.Info("sqlite: table %s ready", s.tableName)
	return nil
}

func (s *SqliteStateStore) execSchema(ctx context.Context, stmt string) error {
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		if isAlreadyExists(err) {
			s.logger.Warn("sqlite: concurrent schema creation on %s, continuing: %v", s.tableName, err)
			return nil
		}
		return s.classify("initialize", fmt.Errorf("failed to create schema: %w", err))
	}
	return nil
}

var requiredColumns = []string{"thread_id", "checkpoint_id", "state", "metadata", "created_at", "updated_at"}

func (s *SqliteStateStore) verifySchema(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, s.tableName)
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
		present[strings.ToLower(name)] = true
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

// Close closes the database connection
func (s *SqliteStateStore) Close() error {
	return s.life.Close(func() error {
		if err := s.db.Close(); err != nil {
			return s.classify("close", err)
		}
		return nil
	})
}

// SaveState stores a checkpoint, overwriting state and metadata of an
// existing one while keeping its created_at.
func (s *SqliteStateStore) SaveState(ctx context.Context, threadID, checkpointID string, state any, metadata map[string]any) (bool, error) {
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
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id, checkpoint_id) DO UPDATE SET
			state = excluded.state,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at
	`, s.tableName)

	now := store.FormatTimestamp(s.clock.Now())
	_, err = s.db.ExecContext(ctx, query,
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

	s.logger.Debug("sqlite: saved %s/%s", threadID, checkpointID)
	return true, nil
}

// LoadState retrieves a checkpoint by key, or the newest of the thread
func (s *SqliteStateStore) LoadState(ctx context.Context, threadID, checkpointID string) (*store.StateDocument, error) {
	const op = "load state"
	if err := store.ValidateThread(backend, op, threadID); err != nil {
		return nil, err
	}

	release, err := s.life.Acquire(ctx, op, s.initialize)
	if err != nil {
		return nil, err
	}
	defer release()

	var row *sql.Row
	if checkpointID != "" {
		query := fmt.Sprintf(`
			SELECT thread_id, checkpoint_id, state, metadata, created_at, updated_at
			FROM %s
			WHERE thread_id = ? AND checkpoint_id = ?
		`, s.tableName)
		row = s.db.QueryRowContext(ctx, query, threadID, checkpointID)
	} else {
		query := fmt.Sprintf(`
			SELECT thread_id, checkpoint_id, state, metadata, created_at, updated_at
			FROM %s
			WHERE thread_id = ?
			ORDER BY created_at DESC, checkpoint_id DESC
			LIMIT 1
		`, s.tableName)
		row = s.db.QueryRowContext(ctx, query, threadID)
	}

	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, s.classify(op, fmt.Errorf("failed to load checkpoint: %w", err))
	}
	return doc, nil
}

// ListCheckpoints returns the newest checkpoints of a thread
func (s *SqliteStateStore) ListCheckpoints(ctx context.Context, threadID string, limit int) ([]*store.StateDocument, error) {
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
		WHERE thread_id = ?
		ORDER BY created_at DESC, checkpoint_id DESC
		LIMIT ?
	`, s.tableName)

	rows, err := s.db.QueryContext(ctx, query, threadID, limit)
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

// DeleteState removes a checkpoint, or every checkpoint of the thread
func (s *SqliteStateStore) DeleteState(ctx context.Context, threadID, checkpointID string) (bool, error) {
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
		query := fmt.Sprintf("DELETE FROM %s WHERE thread_id = ? AND checkpoint_id = ?", s.tableName)
		_, err = s.db.ExecContext(ctx, query, threadID, checkpointID)
	} else {
		query := fmt.Sprintf("DELETE FROM %s WHERE thread_id = ?", s.tableName)
		_, err = s.db.ExecContext(ctx, query, threadID)
	}
	if err != nil {
		return false, s.classify(op, fmt.Errorf("failed to delete checkpoint: %w", err))
	}
	return true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*store.StateDocument, error) {
	var (
		doc       store.StateDocument
		stateText string
		metadata  sql.NullString
		createdAt string
		updatedAt string
	)
	if err := row.Scan(&doc.ThreadID, &doc.CheckpointID, &stateText, &metadata, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	doc.State = []byte(stateText)
	if metadata.Valid {
		md, err := store.DecodeMetadata([]byte(metadata.String))
		if err != nil {
			return nil, store.NewError(store.KindSerialization, backend, "decode", err)
		}
		doc.Metadata = md
	}

	var err error
	if doc.CreatedAt, err = store.ParseTimestamp(createdAt); err != nil {
		return nil, store.NewError(store.KindSerialization, backend, "decode", err)
	}
	if doc.UpdatedAt, err = store.ParseTimestamp(updatedAt); err != nil {
		return nil, store.NewError(store.KindSerialization, backend, "decode", err)
	}
	return &doc, nil
}

func nullableText(data []byte) any {
	if data == nil {
		return nil
	}
	return string(data)
}
