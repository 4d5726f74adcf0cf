package store

import "errors"

var (
	// ErrNotFound is returned when a request, alert or policy does not exist.
	ErrNotFound = errors.New("not found")
)
