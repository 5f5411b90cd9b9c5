// Package redis provides the Redis adapter of the store.Persistence contract.
//
// # Key Layout
//
// With the default prefix "graph_states":
//
//	graph_states:checkpoint:<len(thread)>:<thread>:<checkpoint>  hash
//	graph_states:thread:<thread>                                 sorted set
//
// The hash holds thread_id, checkpoint_id, state, metadata, created_at and
// updated_at, plus created_us: created_at in unix microseconds. The sorted
// set scores each checkpoint id by created_us; equal scores order by member,
// which gives the same checkpoint id tie-break as the SQL adapters.
//
// Saves run as one Lua script. HSETNX keeps created_at of an existing hash and
// the index entry is always rewritten with the score read back from the hash,
// so a checkpoint saved again after its hash expired sorts by its new
// created_at.
//
// # Expiration
//
// RedisOptions.TTL sets an expiration on every checkpoint hash and thread
// index written. Index entries whose hash already expired are skipped and
// removed when the thread is read, unless the checkpoint was saved again in
// the meantime.
package redis
