package store

import "errors"

// ErrDuplicateID is returned when a record with the same id already exists
var ErrDuplicateID = errors.New("duplicate credential id")
