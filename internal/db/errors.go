package db

import "errors"

// ErrNotFound is returned by GetChange when no row matches the requested
// changeid; the ChangePoller treats this as "caught up, stop looping"
// rather than an error (§4.3 step 3).
var ErrNotFound = errors.New("db: record not found")

// UnsupportedDriverError is returned by New when cfg.Driver names
// neither adapter this package wires.
type UnsupportedDriverError struct {
	Driver string
}

func (e *UnsupportedDriverError) Error() string {
	return "db: unsupported driver: " + e.Driver
}
