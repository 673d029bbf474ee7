package store

import "errors"

// Sentinel errors for store operations.
var (
	ErrNotFound      = errors.New("not found")
	ErrNoDatabase    = errors.New("no database configured")
	ErrUnknownDriver = errors.New("unknown database driver")
)
