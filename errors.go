package lbsync

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrUnknownMode   = errors.New("unknown mode")
	ErrBadSID        = errors.New("SID must be at least 64 hex digits")
	ErrNoStore       = errors.New("no bundle store configured")
	ErrEngineClosed  = errors.New("engine is closed")
)

// Error ties a failure to the engine operation it interrupted.
type Error struct {
	Op    string
	Peer  string
	Cause error
}

func (e *Error) Error() string {
	if e.Peer != "" {
		return fmt.Sprintf("lbsync %s %s: %v", e.Op, e.Peer, e.Cause)
	}
	return fmt.Sprintf("lbsync %s: %v", e.Op, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func newPeerError(op, peer string, cause error) *Error {
	return &Error{
		Op:    op,
		Peer:  peer,
		Cause: cause,
	}
}

func wrapError(op string, err error) *Error {
	return &Error{
		Op:    op,
		Cause: err,
	}
}
