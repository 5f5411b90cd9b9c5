package store

// ValidateKey checks the identifiers of SaveState.
func ValidateKey(backend BackendKind, op, threadID, checkpointID string) error {
	if threadID == "" {
		return Errorf(KindInvalidInput, backend, op, "thread id is required")
	}
	if checkpointID == "" {
		return Errorf(KindInvalidInput, backend, op, "checkpoint id is required")
	}
	return nil
}

// ValidateThread checks the thread identifier of read and delete operations.
func ValidateThread(backend BackendKind, op, threadID string) error {
	if threadID == "" {
		return Errorf(KindInvalidInput, backend, op, "thread id is required")
	}
	return nil
}
