package sap

import (
	"errors"
	"fmt"
	"net"
	"os"
)

// EncodingError reports a frame that cannot be sent as built. It is a
// caller error and is never retried.
type EncodingError struct {
	Reason string
	Size   int
	Limit  int
}

func (e *EncodingError) Error() string {
	return "sap: encode: " + e.Reason
}

// MalformedFrameError reports received bytes that are not a valid frame
type MalformedFrameError struct {
	Reason string
	Length int
}

func (e *MalformedFrameError) Error() string {
	return "sap: malformed frame: " + e.Reason
}

// NetworkTransientError wraps a send or receive failure the owner should
// ride out (the next tick or read retries).
type NetworkTransientError struct {
	Op  string
	Err error
}

func (e *NetworkTransientError) Error() string {
	return fmt.Sprintf("sap: %s: %v", e.Op, e.Err)
}

func (e *NetworkTransientError) Unwrap() error { return e.Err }

// ResourceFatalError reports that the socket itself is unusable. The
// owning loop stops and surfaces it.
type ResourceFatalError struct {
	Op  string
	Err error
}

func (e *ResourceFatalError) Error() string {
	return fmt.Sprintf("sap: %s: socket unusable: %v", e.Op, e.Err)
}

func (e *ResourceFatalError) Unwrap() error { return e.Err }

// Classify wraps a socket error as either ResourceFatalError (closed
// socket) or NetworkTransientError. Timeouts are transient.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrClosed) {
		return &ResourceFatalError{Op: op, Err: err}
	}
	return &NetworkTransientError{Op: op, Err: err}
}

// IsFatal reports whether err is (or wraps) a ResourceFatalError
func IsFatal(err error) bool {
	var fatal *ResourceFatalError
	return errors.As(err, &fatal)
}

// IsTimeout reports whether err is a read/write deadline expiry
func IsTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
