package media

import "errors"

var (
	// ErrMediaUnavailable means a pointer is present but its bytes cannot be read.
	ErrMediaUnavailable = errors.New("media unavailable")
	// ErrUnsupportedKind is returned for pointers whose kind has no backend here.
	ErrUnsupportedKind = errors.New("unsupported media kind")
)
