package sqlite

import (
	"errors"
	"strings"

	"github.com/mattn/go-sqlite3"
	"github.com/smallnest/graphstate/store"
)

func sqliteError(err error) (sqlite3.Error, bool) {
	var e sqlite3.Error
	if errors.As(err, &e) {
		return e, true
	}
	var pe *sqlite3.Error
	if errors.As(err, &pe) && pe != nil {
		return *pe, true
	}
	return sqlite3.Error{}, false
}

func isAlreadyExists(err error) bool {
	e, ok := sqliteError(err)
	return ok && e.Code == sqlite3.ErrError && strings.Contains(e.Error(), "already exists")
}

func (s *SqliteStateStore) classify(op string, err error) error {
	if e, ok := store.AsError(err); ok {
		return e
	}
	return store.NewError(kindOf(err), backend, op, err)
}

func kindOf(err error) store.Kind {
	if store.IsTransient(err) {
		return store.KindConnection
	}

	e, ok := sqliteError(err)
	if !ok {
		return store.KindConnection
	}

	switch e.Code {
	case sqlite3.ErrCantOpen, sqlite3.ErrPerm, sqlite3.ErrAuth, sqlite3.ErrNotADB, sqlite3.ErrReadonly:
		return store.KindConfiguration
	case sqlite3.ErrCorrupt:
		return store.KindSchema
	case sqlite3.ErrTooBig, sqlite3.ErrMismatch, sqlite3.ErrConstraint:
		return store.KindSerialization
	case sqlite3.ErrError:
		msg := e.Error()
		if strings.Contains(msg, "no such table") || strings.Contains(msg, "no such column") ||
			strings.Contains(msg, "has no column") {
			return store.KindSchema
		}
	}

	// Busy, locked, I/O and full-disk failures clear up on retry.
	return store.KindConnection
}
