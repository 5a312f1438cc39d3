package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrInvalidArgument indicates a write was rejected by a constraint.
var ErrInvalidArgument = errors.New("repository: invalid argument")

// ErrConflict indicates a conditional write found state that no longer
// matches its preconditions.
var ErrConflict = errors.New("repository: conflict")
