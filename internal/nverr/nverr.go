// Package nverr defines the error-kind taxonomy shared by every nvfuse
// package. Leaf functions return a *Error carrying one of the fixed Kind
// values; callers that need to branch on kind use Is/As rather than
// comparing error strings.
package nverr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an error the way callers across process boundaries need
// to react to it: retry, surface to the user, or abort the process.
type Kind int

const (
	// KindNotFound: directory lookup miss, inode miss.
	KindNotFound Kind = iota + 1
	// KindNoSpace: no free inode / no free block after BG allocation retry.
	KindNoSpace
	// KindExists: duplicate name in a directory.
	KindExists
	// KindInvalid: argument misalignment, bad path syntax, bad signature on mount.
	KindInvalid
	// KindIoError: short or failed device I/O.
	KindIoError
	// KindIpc: control-plane refused a request or channel claim failed.
	KindIpc
	// KindFatal: invariant violation. Callers should abort the process.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindNoSpace:
		return "no_space"
	case KindExists:
		return "exists"
	case KindInvalid:
		return "invalid"
	case KindIoError:
		return "io_error"
	case KindIpc:
		return "ipc"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned by nvfuse packages.
type Error struct {
	Kind Kind
	msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a bare Error of the given kind.
func New(k Kind, msg string) error {
	return &Error{Kind: k, msg: msg}
}

// Newf is New with fmt.Sprintf-style formatting.
func Newf(k Kind, format string, args ...interface{}) error {
	return &Error{Kind: k, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Kind to an underlying error, annotating it with msg and a
// call-site stack via github.com/pkg/errors.
func Wrap(k Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, msg: msg, Err: errors.Wrap(err, msg)}
}

// Wrapf is Wrap with fmt.Sprintf-style formatting.
func Wrapf(k Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	return &Error{Kind: k, msg: msg, Err: errors.Wrap(err, msg)}
}

// KindOf reports the Kind carried by err, or 0 if err is not (or does not
// wrap) an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// Is reports whether err is (or wraps) an *Error of kind k.
func Is(err error, k Kind) bool {
	return KindOf(err) == k
}
