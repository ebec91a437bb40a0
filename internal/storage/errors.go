package storage

import "errors"

// ErrNotFound is returned by lookup methods when no row matches.
var ErrNotFound = errors.New("storage: not found")

// ErrInvalidTransition is returned when a task status change would violate
// the lifecycle invariants (e.g. completing an already-terminal task).
var ErrInvalidTransition = errors.New("storage: invalid task status transition")
