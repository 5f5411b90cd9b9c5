package postgres

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/smallnest/graphstate/store"
)

// SQLSTATE codes raised when two processes create the same table, index or
// sequence at once.
var alreadyExistsCodes = map[string]bool{
	"42P07": true, // duplicate_table
	"42710": true, // duplicate_object
	"42P06": true, // duplicate_schema
	"23505": true, // unique_violation on pg_type / pg_class during the race
}

func isAlreadyExists(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && alreadyExistsCodes[pgErr.Code]
}

func (s *PostgresStateStore) classify(op string, err error) error {
	if e, ok := store.AsError(err); ok {
		return e
	}
	return store.NewError(kindOf(err), backend, op, err)
}

func kindOf(err error) store.Kind {
	if store.IsTransient(err) || pgconn.Timeout(err) {
		return store.KindConnection
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		code := pgErr.Code
		switch {
		case code == "28000", code == "28P01", code == "3D000", code == "3F000", code == "42501":
			return store.KindConfiguration
		case code == "42P01", code == "42703", code == "42804", code == "42809":
			return store.KindSchema
		case strings.HasPrefix(code, "22"):
			return store.KindSerialization
		}
		// Connection exceptions (08), resources (53), operator intervention (57),
		// serialization failures and deadlocks are all transient; so is anything
		// unrecognized.
		return store.KindConnection
	}

	return store.KindConnection
}
