package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// DefaultTableName is the table (or container, or key prefix) used when none is configured.
const DefaultTableName = "graph_states"

// StateDocument is one saved checkpoint of a thread.
type StateDocument struct {
	ThreadID     string          `json:"thread_id"`
	CheckpointID string          `json:"checkpoint_id"`
	State        json.RawMessage `json:"state"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// DecodeState unmarshals the stored state into v.
func (d *StateDocument) DecodeState(v any) error {
	if err := json.Unmarshal(d.State, v); err != nil {
		return fmt.Errorf("failed to decode state of %s/%s: %w", d.ThreadID, d.CheckpointID, err)
	}
	return nil
}

// Persistence is the contract every backend adapter satisfies.
//
// An empty checkpointID means "not given": LoadState then returns the newest
// checkpoint of the thread and DeleteState removes the whole thread.
// Absence is never an error: LoadState returns (nil, nil) and DeleteState
// returns (true, nil).
//
// Operations called before Initialize initialize the adapter lazily. After
// Close every operation fails with ErrClosed.
type Persistence interface {
	// Initialize creates the backing table or container if it does not exist.
	Initialize(ctx context.Context) error

	// SaveState inserts or overwrites a checkpoint. Overwrites keep CreatedAt.
	SaveState(ctx context.Context, threadID, checkpointID string, state any, metadata map[string]any) (bool, error)

	// LoadState returns one checkpoint, or the newest one when checkpointID is empty.
	LoadState(ctx context.Context, threadID, checkpointID string) (*StateDocument, error)

	// ListCheckpoints returns at most limit checkpoints of a thread, newest first.
	ListCheckpoints(ctx context.Context, threadID string, limit int) ([]*StateDocument, error)

	// DeleteState removes one checkpoint, or every checkpoint of the thread.
	DeleteState(ctx context.Context, threadID, checkpointID string) (bool, error)

	// Close releases the adapter's pool. It is terminal.
	Close() error
}
