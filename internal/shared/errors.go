package shared

import "errors"

var (
	// ErrMissingMember occurs when no member identity accompanies a request.
	ErrMissingMember = errors.New("missing member identity")
	// ErrInvalidMember occurs when the member identity is not a uuid.
	ErrInvalidMember = errors.New("invalid member identity")
)
