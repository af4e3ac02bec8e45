package store

import "errors"

var (
	ErrMissingDatabaseURL = errors.New("store: DatabaseURL must be set")
	ErrNotFound           = errors.New("store: entity not found")
	ErrIdentityNotFound   = errors.New("store: identity not found")
	ErrBatchNotFound      = errors.New("store: batch not found")
	ErrTxRetriesExhausted = errors.New("store: serializable transaction retries exhausted")
	ErrRootConflict       = errors.New("store: root history write conflicts with an existing entry")
)
