package radio

import (
	"errors"
	"io"
	"net"
	"syscall"
)

var (
	ErrClosed       = errors.New("radio: transport closed")
	ErrResetLimited = errors.New("radio: reset rate limited")
	ErrUnknownType  = errors.New("radio: unknown transport")
)

// IsFatal reports whether err means the transport itself is broken and
// should be reopened. Timeouts are not fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrClosed) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return !nerr.Timeout()
	}
	if errors.Is(err, syscall.EIO) || errors.Is(err, syscall.ENXIO) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EBADF) {
		return true
	}
	return false
}
