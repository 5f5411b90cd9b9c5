package cosmos

import (
	"errors"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/smallnest/graphstate/store"
)

func (s *CosmosStateStore) classify(op string, err error) error {
	if e, ok := store.AsError(err); ok {
		return e
	}
	return store.NewError(kindOf(err), backend, op, err)
}

// classifyAll reports an aggregate of failures under the kind of the first
// failure that is not transient, so a permanent problem is not retried.
func (s *CosmosStateStore) classifyAll(op string, joined error, failures []error) error {
	kind := store.KindConnection
	for _, err := range failures {
		if k := kindOf(err); k != store.KindConnection {
			kind = k
			break
		}
	}
	return store.NewError(kind, backend, op, joined)
}

func kindOf(err error) store.Kind {
	if e, ok := store.AsError(err); ok {
		return e.Kind
	}
	if store.IsTransient(err) {
		return store.KindConnection
	}

	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return store.KindConfiguration
		case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
			return store.KindSerialization
		}
	}

	// 408, 429, 449, 5xx and transport failures.
	return store.KindConnection
}
