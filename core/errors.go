package core

import "errors"

// status codes returned by the stack, wrap with fmt.Errorf("...: %w") and test with errors.Is
var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrNoMapping        = errors.New("no mapping")
	ErrBadBufferSize    = errors.New("bad buffer size")
	ErrOutOfResources   = errors.New("out of resources")
	ErrAborted          = errors.New("aborted")
	ErrNotStarted       = errors.New("not started")
	ErrAccessDenied     = errors.New("access denied")
	ErrTimeout          = errors.New("timeout")
)
