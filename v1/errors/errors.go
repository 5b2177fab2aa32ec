// Package errors defines the fault taxonomy shared by the zlock packages.
//
// Every error surfaced by a lock handle is a *Fault whose Kind is one of
// ErrUsage, ErrStore, ErrInterrupted or ErrProtocol, so callers can branch
// with errors.Is without caring about the wrapped store error:
//
//	if errors.Is(err, zlerrors.ErrInterrupted) {
//		// the wait was cancelled, the attempt has been cleaned up
//	}
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrUsage marks a violation of the handle contract (double lock,
	// unlock without lock, concurrent attempts on one handle).
	ErrUsage = errors.New("usage fault")
	// ErrStore marks a coordination-store failure other than the expected
	// races the protocol absorbs.
	ErrStore = errors.New("store fault")
	// ErrInterrupted marks a wait that ended because the caller's context
	// was cancelled or the attempt was aborted.
	ErrInterrupted = errors.New("interrupted")
	// ErrProtocol marks a broken invariant in the lock namespace.
	ErrProtocol = errors.New("protocol fault")

	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")
)

// Fault is the error type returned by lock handles and the path helpers.
type Fault struct {
	Kind error
	Op   string
	Path string
	Msg  string
	Err  error
}

func (f *Fault) Error() string {
	s := "zlock: " + f.Kind.Error()
	if f.Op != "" {
		s += " in " + f.Op
	}
	if f.Path != "" {
		s += " (" + f.Path + ")"
	}
	if f.Msg != "" {
		s += ": " + f.Msg
	}
	if f.Err != nil {
		s += ": " + f.Err.Error()
	}
	return s
}

// Is reports whether target is the fault kind.
func (f *Fault) Is(target error) bool {
	return target == f.Kind
}

func (f *Fault) Unwrap() error {
	return f.Err
}

func newFault(kind error, op, path string, err error, format string, args ...any) *Fault {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return &Fault{Kind: kind, Op: op, Path: path, Msg: msg, Err: err}
}

// Usage returns a usage fault.
func Usage(op, path, format string, args ...any) *Fault {
	return newFault(ErrUsage, op, path, nil, format, args...)
}

// Store wraps a store error.
func Store(op, path string, err error) *Fault {
	return newFault(ErrStore, op, path, err, "")
}

// Interrupted wraps the reason a wait ended early.
func Interrupted(op, path string, err error) *Fault {
	return newFault(ErrInterrupted, op, path, err, "")
}

// Protocol returns a protocol fault.
func Protocol(op, path, format string, args ...any) *Fault {
	return newFault(ErrProtocol, op, path, nil, format, args...)
}

// KindOf returns the fault kind of err, or nil when err is not a Fault.
func KindOf(err error) error {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return nil
}
