package redis

import (
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/smallnest/graphstate/store"
)

func (s *RedisStateStore) classify(op string, err error) error {
	if e, ok := store.AsError(err); ok {
		return e
	}
	return store.NewError(kindOf(err), backend, op, err)
}

func kindOf(err error) store.Kind {
	if store.IsTransient(err) || errors.Is(err, redis.ErrClosed) {
		return store.KindConnection
	}

	var rerr redis.Error
	if errors.As(err, &rerr) {
		msg := rerr.Error()
		switch {
		case strings.HasPrefix(msg, "NOAUTH"), strings.HasPrefix(msg, "WRONGPASS"),
			strings.HasPrefix(msg, "NOPERM"), strings.Contains(msg, "invalid DB index"):
			return store.KindConfiguration
		// Script errors carry the command error after a prefix.
		case strings.Contains(msg, "WRONGTYPE"):
			return store.KindSchema
		}
	}

	// LOADING, BUSY, READONLY, CLUSTERDOWN and plain I/O failures.
	return store.KindConnection
}
