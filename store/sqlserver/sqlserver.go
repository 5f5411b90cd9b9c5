package sqlserver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/microsoft/go-mssqldb"
	"github.com/smallnest/graphstate/log"
	"github.com/smallnest/graphstate/store"
)

const backend = store.BackendSQLServer

// SQLServerOptions configuration for SQL Server connection
type SQLServerOptions struct {
	ConnString   string
	TableName    string // Default store.DefaultTableName
	MaxOpenConns int    // Pool bound, unlimited when zero
	Logger       log.Logger
	Clock        *store.Clock
}

// SQLServerStateStore implements store.Persistence using SQL Server
type SQLServerStateStore struct {
	db        *sql.DB
	tableName string
	clock     *store.Clock
	logger    log.Logger
	life      *store.Lifecycle
}

var _ store.Persistence = (*SQLServerStateStore)(nil)

// NewSQLServerStateStore opens a pool for the connection string. database/sql
// connects lazily, so no I/O happens before Initialize.
func NewSQLServerStateStore(opts SQLServerOptions) (*SQLServerStateStore, error) {
	dsn, err := NormalizeDSN(opts.ConnString)
	if err != nil {
		return nil, store.NewError(store.KindConfiguration, backend, "configure", err)
	}
	db, err := sql.Open("sqlserver", dsn)
	if err != nil {
		return nil, store.NewError(store.KindConfiguration, backend, "configure", fmt.Errorf("unable to open database: %w", err))
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
		db.SetMaxIdleConns(opts.MaxOpenConns)
	}

	s, err := NewSQLServerStateStoreWithDB(db, opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLServerStateStoreWithDB creates a store over an existing pool.
// Useful for testing with sqlmock
func NewSQLServerStateStoreWithDB(db *sql.DB, opts SQLServerOptions) (*SQLServerStateStore, error) {
	if db == nil {
		return nil, store.Errorf(store.KindConfiguration, backend, "configure", "database handle is required")
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
	return &SQLServerStateStore{
		db:        db,
		tableName: tableName,
		clock:     clock,
		logger:    log.OrDefault(opts.Logger),
		life:      store.NewLifecycle(backend),
	}, nil
}

// TableName returns the table the store writes to.
func (s *SQLServerStateStore) TableName() string {
	return s.tableName
}

// Initialize creates the table if it doesn't exist
func (s *SQLServerStateStore) Initialize(ctx context.Context) error {
	return s.life.Initialize(ctx, s.initialize)
}

func (s *SQLServerStateStore) initialize(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return s.classify("initialize", fmt.Errorf("unable to reach database: %w", err))
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
	s.logger.Info("sqlserver: table %s ready", s.tableName)
	return nil
}

func (s *SQLServerStateStore) execSchema(ctx context.Context, stmt string) error {
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		if isAlreadyExists(err) {
			s.logger.Warn("sqlserver: concurrent schema creation on %s, continuing: %v", s.tableName, err)
			return nil
		}
		return s.classify("initialize", fmt.Errorf("failed to create schema: %w", err))
	}
	return nil
}

func (s *SQLServerStateStore) createTableStatement() string {
	return fmt.Sprintf(`
		IF OBJECT_ID(N'%[1]s', N'U') IS NULL
		CREATE TABLE %[1]s (
			thread_id NVARCHAR(255) NOT NULL,
			checkpoint_id NVARCHAR(255) NOT NULL,
			state NVARCHAR(MAX) NOT NULL,
			metadata NVARCHAR(MAX) NULL,
			created_at DATETIME2(6) NOT NULL,
			updated_at DATETIME2(6) NOT NULL,
			CONSTRAINT PK_%[1]s PRIMARY KEY (thread_id, checkpoint_id)
		)`, s.tableName)
}

func (s *SQLServerStateStore) createIndexStatement() string {
	return fmt.Sprintf(`
		IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = N'IX_%[1]s_thread_created' AND object_id = OBJECT_ID(N'%[1]s'))
		CREATE INDEX IX_%[1]s_thread_created ON %[1]s (thread_id, created_at DESC, checkpoint_id DESC)`, s.tableName)
}

var requiredColumns = []string{"thread_id", "checkpoint_id", "state", "metadata", "created_at", "updated_at"}

func (s *SQLServerStateStore) verifySchema(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM sys.columns WHERE object_id = OBJECT_ID(@p1)`, s.tableName)
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

// Close closes the connection pool
func (s *SQLServerStateStore) Close() error {
	return s.life.Close(func() error {
		if err := s.db.Close(); err != nil {
			return s.classify("close", err)
		}
		s.logger.Info("sqlserver: pool for %s closed", s.tableName)
		return nil
	})
}

// SaveState upserts a checkpoint with one MERGE statement. HOLDLOCK keeps two
// concurrent first saves of the same key from both taking the INSERT branch.
func (s *SQLServerStateStore) SaveState(ctx context.Context, threadID, checkpointID string, state any, metadata map[string]any) (bool, error) {
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
		MERGE %s WITH (HOLDLOCK) AS target
		USING (SELECT @p1 AS thread_id, @p2 AS checkpoint_id) AS source
		ON target.thread_id = source.thread_id AND target.checkpoint_id = source.checkpoint_id
		WHEN MATCHED THEN
			UPDATE SET state = @p3, metadata = @p4, updated_at = @p6
		WHEN NOT MATCHED THEN
			INSERT (thread_id, checkpoint_id, state, metadata, created_at, updated_at)
			VALUES (@p1, @p2, @p3, @p4, @p5, @p6);
	`, s.tableName)

	now := s.clock.Now()
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

	s.logger.Debug("sqlserver: saved %s/%s", threadID, checkpointID)
	return true, nil
}

// LoadState retrieves one checkpoint, or the newest of the thread.
func (s *SQLServerStateStore) LoadState(ctx context.Context, threadID, checkpointID string) (*store.StateDocument, error) {
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
			WHERE thread_id = @p1 AND checkpoint_id = @p2
		`, s.tableName)
		row = s.db.QueryRowContext(ctx, query, threadID, checkpointID)
	} else {
		query := fmt.Sprintf(`
			SELECT TOP (1) thread_id, checkpoint_id, state, metadata, created_at, updated_at
			FROM %s
			WHERE thread_id = @p1
			ORDER BY created_at DESC, checkpoint_id DESC
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

// ListCheckpoints returns at most limit checkpoints, newest first.
func (s *SQLServerStateStore) ListCheckpoints(ctx context.Context, threadID string, limit int) ([]*store.StateDocument, error) {
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
		SELECT TOP (@p2) thread_id, checkpoint_id, state, metadata, created_at, updated_at
		FROM %s
		WHERE thread_id = @p1
		ORDER BY created_at DESC, checkpoint_id DESC
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

// DeleteState removes one checkpoint, or all checkpoints of the thread.
func (s *SQLServerStateStore) DeleteState(ctx context.Context, threadID, checkpointID string) (bool, error) {
	const op = "delete state"
	if err := store.ValidateThread(backend, op, threadID); err != nil {
		return false, err
	}

	release, err := s.life.Acquire(ctx, op, s.initialize)
	if err != nil {
		return false, err
	}
	defer release()

	var res sql.Result
	if checkpointID != "" {
		query := fmt.Sprintf("DELETE FROM %s WHERE thread_id = @p1 AND checkpoint_id = @p2", s.tableName)
		res, err = s.db.ExecContext(ctx, query, threadID, checkpointID)
	} else {
		query := fmt.Sprintf("DELETE FROM %s WHERE thread_id = @p1", s.tableName)
		res, err = s.db.ExecContext(ctx, query, threadID)
	}
	if err != nil {
		return false, s.classify(op, fmt.Errorf("failed to delete checkpoint: %w", err))
	}

	if n, err := res.RowsAffected(); err == nil {
		s.logger.Debug("sqlserver: deleted %d rows for thread %s", n, threadID)
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
		createdAt time.Time
		updatedAt time.Time
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
	doc.CreatedAt = createdAt.UTC()
	doc.UpdatedAt = updatedAt.UTC()
	return &doc, nil
}

func nullableText(data []byte) any {
	if data == nil {
		return nil
	}
	return string(data)
}
