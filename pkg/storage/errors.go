package storage

import "errors"

// ErrPoolTimeout is returned (wrapped) when Acquire cannot obtain a
// connection before its timeout elapses.
var ErrPoolTimeout = errors.New("storage: timed out waiting for a pooled connection")

// ErrNoTransaction is returned when an operation that requires an existing
// transaction is called outside one.
var ErrNoTransaction = errors.New("storage: no open transaction")
