package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrTerminal is returned when a write would mutate a run that already
// reached success or failed. Terminal runs are immutable.
var ErrTerminal = errors.New("storage: run is terminal")
