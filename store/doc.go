// Package store defines the persistence contract for graph workflow
// checkpoints and the pieces shared by its adapters.
//
// A workflow engine saves a checkpoint after every step and loads the latest
// one to resume interrupted work. Checkpoints are grouped by thread; each is
// identified by (thread_id, checkpoint_id) and carries an opaque JSON state,
// optional JSON metadata and two timestamps.
//
// The adapters live in sub-packages:
//   - postgres: PostgreSQL through pgx
//   - sqlserver: SQL Server / Azure SQL through database/sql and go-mssqldb
//   - cosmos: Azure Cosmos DB (NoSQL API), one container partitioned by thread
//   - redis: Redis hashes with a sorted-set index per thread
//   - sqlite: SQLite files or in-memory databases
//   - memory: process memory, for tests and local runs
//
// Use the persistence package to pick one from a connection string.
//
// # Persistence Interface
//
//	type Persistence interface {
//		Initialize(ctx context.Context) error
//		SaveState(ctx context.Context, threadID, checkpointID string, state any, metadata map[string]any) (bool, error)
//		LoadState(ctx context.Context, threadID, checkpointID string) (*StateDocument, error)
//		ListCheckpoints(ctx context.Context, threadID string, limit int) ([]*StateDocument, error)
//		DeleteState(ctx context.Context, threadID, checkpointID string) (bool, error)
//		Close() error
//	}
//
// All adapters behave identically:
//   - Initialize creates the table or container when missing and may be called
//     any number of times, from any number of processes. An existing structure
//     that does not fit is reported as a schema error.
//   - Operations on an adapter that was never initialized initialize it first.
//   - SaveState is an upsert. Overwriting keeps created_at and advances
//     updated_at.
//   - LoadState with an empty checkpoint id returns the newest checkpoint of the
//     thread. Newest means the latest created_at, ties broken by the larger
//     checkpoint id.
//   - ListCheckpoints returns at most limit checkpoints, newest first.
//   - DeleteState with an empty checkpoint id deletes the whole thread.
//   - Absence is not an error: LoadState returns nil, DeleteState returns true.
//   - After Close every operation fails with ErrClosed.
//
// # Errors
//
// Adapters translate every driver failure into an *Error whose Kind is one of
// KindConfiguration, KindConnection, KindSchema, KindSerialization, KindClosed
// or KindInvalidInput. Match them with errors.Is against the sentinels:
//
//	doc, err := st.LoadState(ctx, threadID, "")
//	switch {
//	case errors.Is(err, store.ErrConnection):
//		// transient, retry with backoff
//	case err != nil:
//		return err
//	case doc == nil:
//		// nothing saved yet
//	}
//
// Driver error types never leak through the interface; the driver message is
// kept in the error text for operators.
//
// # Conformance
//
// The storetest package holds the suite every adapter runs, so new adapters
// can prove they match the others.
package store
