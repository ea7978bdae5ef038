package config

import "errors"

// ErrMissingField and ErrInvalidField are the two sentinel shapes the
// teacher's MissingConfigFieldError/MissingRateLimitFieldError
// convention reduces to once generalized beyond a single struct.
var (
	ErrMissingField = errors.New("missing config field")
	ErrInvalidField = errors.New("invalid config field")
)
