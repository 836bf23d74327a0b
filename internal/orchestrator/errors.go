package orchestrator

import "errors"

var (
	ErrMaxSymbols        = errors.New("max symbols reached")
	ErrInvalidSymbol     = errors.New("invalid symbol")
	ErrRemovalBlocked    = errors.New("removal blocked: position not closed")
	ErrNotInitialized    = errors.New("orchestrator not initialized")
	ErrUnknownInstrument = errors.New("unknown instrument")
)
