package risk

import "errors"

var (
	// ErrInvalidSide is returned when a neutral or unknown side reaches sizing.
	ErrInvalidSide = errors.New("invalid side for sizing")
	// ErrPrecondition flags a score on the wrong side of its threshold, or
	// outside [0,100]. Callers must classify before sizing.
	ErrPrecondition = errors.New("sizing precondition violated")

	ErrInvalidConfig = errors.New("invalid sizer config")
	ErrLimitExceeded = errors.New("portfolio limit exceeded")
)
