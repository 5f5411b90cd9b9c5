package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/smallnest/graphstate/log"
	"github.com/smallnest/graphstate/store"
)

const (
	backend = store.BackendRedis

	deleteBatch = 500
)

// RedisStateStore implements store.Persistence using Redis. Each checkpoint is
// a hash; a sorted set per thread indexes them by created_at.
type RedisStateStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	clock  *store.Clock
	logger log.Logger
	life   *store.Lifecycle
}

var _ store.Persistence = (*RedisStateStore)(nil)

// KEYS: checkpoint hash, thread index.
// ARGV: thread, checkpoint, state, timestamp, created_us, ttl ms, [metadata].
// created_us holds created_at in unix microseconds and is the index score.
var upsertScript = redis.NewScript(`
redis.call('HSETNX', KEYS[1], 'created_at', ARGV[4])
redis.call('HSETNX', KEYS[1], 'created_us', ARGV[5])
local score = redis.call('HGET', KEYS[1], 'created_us')
redis.call('HSET', KEYS[1], 'thread_id', ARGV[1], 'checkpoint_id', ARGV[2], 'state', ARGV[3], 'updated_at', ARGV[4])
if #ARGV >= 7 then
  redis.call('HSET', KEYS[1], 'metadata', ARGV[7])
else
  redis.call('HDEL', KEYS[1], 'metadata')
end
redis.call('ZADD', KEYS[2], score, ARGV[2])
local ttl = tonumber(ARGV[6])
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
  redis.call('PEXPIRE', KEYS[2], ttl)
end
return 1
`)

// KEYS: thread index, then one checkpoint hash per ARGV member.
// Members whose hash still exists were saved again and are kept.
var dropStaleScript = redis.NewScript(`
local removed = 0
for i, member in ipairs(ARGV) do
  if redis.call('EXISTS', KEYS[i + 1]) == 0 then
    removed = removed + redis.call('ZREM', KEYS[1], member)
  end
end
return removed
`)

// RedisOptions configuration for Redis connection
type RedisOptions struct {
	URL      string // redis:// or rediss:// URL; overrides Addr, Password and DB
	Addr     string
	Password string
	DB       int
	PoolSize int
	Prefix   string        // Key prefix, default store.DefaultTableName
	TTL      time.Duration // Expiration for checkpoints, default 0 (no expiration)
	Logger   log.Logger
	Clock    *store.Clock
}

// NewRedisStateStore creates a new Redis state store. The client connects on
// first use.
func NewRedisStateStore(opts RedisOptions) (*RedisStateStore, error) {
	var clientOpts *redis.Options
	if opts.URL != "" {
		parsed, err := redis.ParseURL(opts.URL)
		if err != nil {
			return nil, store.NewError(store.KindConfiguration, backend, "configure", err)
		}
		clientOpts = parsed
	} else {
		if opts.Addr == "" {
			return nil, store.Errorf(store.KindConfiguration, backend, "configure", "redis address is required")
		}
		clientOpts = &redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		}
	}
	if opts.PoolSize > 0 {
		clientOpts.PoolSize = opts.PoolSize
	}

	prefix := opts.Prefix
	if prefix == "" {
		prefix = store.DefaultTableName
	}
	if err := store.ValidateTableName(backend, prefix); err != nil {
		return nil, err
	}
	if opts.TTL < 0 {
		return nil, store.Errorf(store.KindConfiguration, backend, "configure", "negative ttl %s", opts.TTL)
	}

	clock := opts.Clock
	if clock == nil {
		clock = store.NewClock()
	}

	return &RedisStateStore{
		client: redis.NewClient(clientOpts),
		prefix: prefix,
		ttl:    opts.TTL,
		clock:  clock,
		logger: log.OrDefault(opts.Logger),
		life:   store.NewLifecycle(backend),
	}, nil
}

// The thread id is length-prefixed so "a" + "b:c" and "a:b" + "c" stay apart.
func (s *RedisStateStore) checkpointKey(threadID, checkpointID string) string {
	return fmt.Sprintf("%s:checkpoint:%d:%s:%s", s.prefix, len(threadID), threadID, checkpointID)
}

func (s *RedisStateStore) threadKey(threadID string) string {
	return fmt.Sprintf("%s:thread:%s", s.prefix, threadID)
}

// Initialize checks the server is reachable. Redis needs no schema.
func (s *RedisStateStore) Initialize(ctx context.Context) error {
	return s.life.Initialize(ctx, s.initialize)
}

func (s *RedisStateStore) initialize(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return s.classify("initialize", fmt.Errorf("unable to reach redis: %w", err))
	}
	s.logger.Info("redis: keyspace %s ready", s.prefix)
	return nil
}

// Close closes the client
func (s *RedisStateStore) Close() error {
	return s.life.Close(func() error {
		if err := s.client.Close(); err != nil {
			return s.classify("close", err)
		}
		return nil
	})
}

// SaveState stores a checkpoint with one script call. created_at and the
// index score are only written when the hash is new; a hash that expired
// while its index entry survived is indexed again at its new created_at.
func (s *RedisStateStore) SaveState(ctx context.Context, threadID, checkpointID string, state any, metadata map[string]any) (bool, error) {
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

	key := s.checkpointKey(threadID, checkpointID)
	index := s.threadKey(threadID)
	now := s.clock.Now()

	args := []any{
		threadID,
		checkpointID,
		string(stateJSON),
		store.FormatTimestamp(now),
		strconv.FormatInt(now.UnixMicro(), 10),
		s.ttl.Milliseconds(),
	}
	if metadataJSON != nil {
		args = append(args, string(metadataJSON))
	}
	err = upsertScript.Run(ctx, s.client, []string{key, index}, args...).Err()
	if err != nil {
		return false, s.classify(op, fmt.Errorf("failed to save checkpoint to redis: %w", err))
	}

	s.logger.Debug("redis: saved %s/%s", threadID, checkpointID)
	return true, nil
}

// LoadState retrieves a checkpoint by key, or the newest of the thread
func (s *RedisStateStore) LoadState(ctx context.Context, threadID, checkpointID string) (*store.StateDocument, error) {
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
			return nil, s.classify(op, fmt.Errorf("failed to load latest checkpoint from redis: %w", err))
		}
		if len(docs) == 0 {
			return nil, nil
		}
		return docs[0], nil
	}

	fields, err := s.client.HGetAll(ctx, s.checkpointKey(threadID, checkpointID)).Result()
	if err != nil {
		return nil, s.classify(op, fmt.Errorf("failed to load checkpoint from redis: %w", err))
	}
	if len(fields) == 0 {
		return nil, nil
	}
	doc, err := decodeDocument(fields)
	if err != nil {
		return nil, s.classify(op, err)
	}
	return doc, nil
}

// ListCheckpoints returns the newest checkpoints of a thread
func (s *RedisStateStore) ListCheckpoints(ctx context.Context, threadID string, limit int) ([]*store.StateDocument, error) {
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
		return nil, s.classify(op, fmt.Errorf("failed to list checkpoints for thread %s: %w", threadID, err))
	}
	return docs, nil
}

// newest walks the thread index from the top, fetching hashes in one pipeline
// per page. Index entries whose hash has expired are dropped on the way.
func (s *RedisStateStore) newest(ctx context.Context, threadID string, limit int) ([]*store.StateDocument, error) {
	index := s.threadKey(threadID)
	docs := []*store.StateDocument{}

	var start int64
	for len(docs) < limit {
		want := int64(limit - len(docs))
		ids, err := s.client.ZRevRange(ctx, index, start, start+want-1).Result()
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			break
		}

		cmds := make([]*redis.MapStringStringCmd, len(ids))
		_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, id := range ids {
				cmds[i] = pipe.HGetAll(ctx, s.checkpointKey(threadID, id))
			}
			return nil
		})
		if err != nil {
			return nil, err
		}

		var stale []string
		for i, cmd := range cmds {
			fields := cmd.Val()
			if len(fields) == 0 {
				stale = append(stale, ids[i])
				continue
			}
			doc, err := decodeDocument(fields)
			if err != nil {
				return nil, err
			}
			docs = append(docs, doc)
		}

		start += int64(len(ids))
		if len(stale) > 0 {
			keys := []string{index}
			members := make([]any, len(stale))
			for i, id := range stale {
				keys = append(keys, s.checkpointKey(threadID, id))
				members[i] = id
			}
			removed, err := dropStaleScript.Run(ctx, s.client, keys, members...).Int64()
			if err != nil {
				s.logger.Warn("redis: failed to drop %d stale index entries of %s: %v", len(stale), threadID, err)
			} else {
				start -= removed
			}
		}
		if int64(len(ids)) < want {
			break
		}
	}
	return docs, nil
}

// DeleteState removes a checkpoint, or every checkpoint of the thread
func (s *RedisStateStore) DeleteState(ctx context.Context, threadID, checkpointID string) (bool, error) {
	const op = "delete state"
	if err := store.ValidateThread(backend, op, threadID); err != nil {
		return false, err
	}

	release, err := s.life.Acquire(ctx, op, s.initialize)
	if err != nil {
		return false, err
	}
	defer release()

	index := s.threadKey(threadID)
	if checkpointID != "" {
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, s.checkpointKey(threadID, checkpointID))
			pipe.ZRem(ctx, index, checkpointID)
			return nil
		})
		if err != nil {
			return false, s.classify(op, fmt.Errorf("failed to delete checkpoint: %w", err))
		}
		return true, nil
	}

	ids, err := s.client.ZRange(ctx, index, 0, -1).Result()
	if err != nil {
		return false, s.classify(op, fmt.Errorf("failed to get checkpoints for clearing: %w", err))
	}

	pipe := s.client.Pipeline()
	for i, id := range ids {
		pipe.Del(ctx, s.checkpointKey(threadID, id))
		if (i+1)%deleteBatch == 0 {
			if _, err := pipe.Exec(ctx); err != nil {
				return false, s.classify(op, fmt.Errorf("failed to clear checkpoints: %w", err))
			}
		}
	}
	pipe.Del(ctx, index)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, s.classify(op, fmt.Errorf("failed to clear checkpoints: %w", err))
	}

	s.logger.Debug("redis: cleared %d checkpoints of %s", len(ids), threadID)
	return true, nil
}

func decodeDocument(fields map[string]string) (*store.StateDocument, error) {
	state, ok := fields["state"]
	if !ok {
		return nil, store.Errorf(store.KindSerialization, backend, "decode", "checkpoint hash has no state field")
	}

	doc := &store.StateDocument{
		ThreadID:     fields["thread_id"],
		CheckpointID: fields["checkpoint_id"],
		State:        []byte(state),
	}
	if raw, ok := fields["metadata"]; ok {
		md, err := store.DecodeMetadata([]byte(raw))
		if err != nil {
			return nil, store.NewError(store.KindSerialization, backend, "decode", err)
		}
		doc.Metadata = md
	}

	var err error
	if doc.CreatedAt, err = store.ParseTimestamp(fields["created_at"]); err != nil {
		return nil, store.NewError(store.KindSerialization, backend, "decode", err)
	}
	if doc.UpdatedAt, err = store.ParseTimestamp(fields["updated_at"]); err != nil {
		return nil, store.NewError(store.KindSerialization, backend, "decode", err)
	}
	return doc, nil
}

