package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrInvalidArgument indicates a persisted value violated a constraint.
var ErrInvalidArgument = errors.New("repository: invalid argument")

// ErrAlreadyExists indicates an insert lost a race with a concurrent
// writer holding the same unique key.
var ErrAlreadyExists = errors.New("repository: already exists")
