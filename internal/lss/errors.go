package lss

import "errors"

var (
	// ErrKeyNotFound is returned by Remove when the key is absent.
	ErrKeyNotFound = errors.New("lss: key not found")

	// errBadRecord marks a record that failed to deserialize in the
	// interior of a log file — fatal to Open.
	errBadRecord = errors.New("lss: malformed record")

	// errTornRecord marks a record that could not be fully read because
	// the writer was interrupted mid-append. Tolerated only at the very
	// end of the most recent generation.
	errTornRecord = errors.New("lss: torn record")
)
