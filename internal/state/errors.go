package state

import "errors"

var (
	ErrInvalidSchema = errors.New("invalid state schema")
	ErrInvalidGuard  = errors.New("invalid transition guard")
	ErrGuardFailed   = errors.New("transition guard evaluation failed")
)
