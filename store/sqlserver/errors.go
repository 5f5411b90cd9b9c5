package sqlserver

import (
	"database/sql/driver"
	"errors"

	mssql "github.com/microsoft/go-mssqldb"
	"github.com/smallnest/graphstate/store"
)

const (
	errObjectExists     = 2714
	errIndexExists      = 1913
	errConstraintFailed = 1750
)

// errorNumbers returns the SQL Server error numbers carried by err, including
// the secondary errors of a batch.
func errorNumbers(err error) []int32 {
	var (
		e     mssql.Error
		found bool
	)
	if errors.As(err, &e) {
		found = true
	} else {
		var pe *mssql.Error
		if errors.As(err, &pe) && pe != nil {
			e, found = *pe, true
		}
	}
	if !found {
		return nil
	}

	numbers := []int32{e.Number}
	for _, other := range e.All {
		numbers = append(numbers, other.Number)
	}
	return numbers
}

func isAlreadyExists(err error) bool {
	for _, n := range errorNumbers(err) {
		switch n {
		case errObjectExists, errIndexExists, errConstraintFailed:
			return true
		}
	}
	return false
}

func (s *SQLServerStateStore) classify(op string, err error) error {
	if e, ok := store.AsError(err); ok {
		return e
	}
	return store.NewError(kindOf(err), backend, op, err)
}

func kindOf(err error) store.Kind {
	if store.IsTransient(err) || errors.Is(err, driver.ErrBadConn) {
		return store.KindConnection
	}

	for _, n := range errorNumbers(err) {
		switch n {
		case 18456, 4060, 229, 230, 262:
			// login failed, cannot open database, permission denied
			return store.KindConfiguration
		case 207, 208, 213, 245:
			// invalid column, invalid object, column count or conversion mismatch
			return store.KindSchema
		case 8152, 2628:
			// value does not fit the column
			return store.KindSerialization
		}
	}

	// Deadlocks (1205), timeouts and the Azure SQL transient set all land here.
	return store.KindConnection
}
