package listener

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

var (
	ErrAlreadyStarted = errors.New("listener already started")
	ErrNotStarted     = errors.New("listener not started")
	ErrClosed         = errors.New("listener closed")
)

// BindError is returned by Start when the listening socket cannot be acquired.
// It is fatal: the caller is expected to exit.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsBindError reports whether err is or wraps a *BindError.
func IsBindError(err error) bool {
	var be *BindError
	return errors.As(err, &be)
}

// IsAddrInUse reports whether err is a bind failure caused by the port being taken.
func IsAddrInUse(err error) bool {
	return IsBindError(err) && errors.Is(err, syscall.EADDRINUSE)
}

// IsPermissionDenied reports whether err is a bind failure caused by missing privileges.
func IsPermissionDenied(err error) bool {
	return IsBindError(err) && errors.Is(err, os.ErrPermission)
}
