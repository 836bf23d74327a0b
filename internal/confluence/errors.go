package confluence

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidComponentScore = errors.New("invalid component score")
	ErrInvalidWeight         = errors.New("invalid weight")
	ErrNoComponents          = errors.New("no weighted component present")
)

// InvalidComponentScoreError carries the offending component and value.
type InvalidComponentScoreError struct {
	Component Component
	Value     float64
	Reason    string
}

func (e *InvalidComponentScoreError) Error() string {
	return fmt.Sprintf("invalid component score %s=%v: %s", e.Component, e.Value, e.Reason)
}

func (e *InvalidComponentScoreError) Unwrap() error {
	return ErrInvalidComponentScore
}
