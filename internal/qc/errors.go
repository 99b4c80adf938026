package qc

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	KindConfiguration    Kind = "configuration"
	KindNoInput          Kind = "no_input"
	KindNoPendingWork    Kind = "no_pending_work"
	KindMissingAttribute Kind = "missing_attribute"
	KindIO               Kind = "io"
	KindCanceled         Kind = "canceled"
	KindUnknown          Kind = "unknown"
)

var (
	// ErrNoInput is returned when the raw directory holds no .nc files.
	ErrNoInput = &Error{Kind: KindNoInput, Msg: "no raw files available"}
	// ErrNoPendingWork is returned when every raw file already has a filtered counterpart.
	// It is a normal terminal condition, not a failure worth retrying.
	ErrNoPendingWork = &Error{Kind: KindNoPendingWork, Msg: "no files left to filter"}
	// ErrNotFound marks a raw file that vanished between listing and opening.
	ErrNotFound = errors.New("file not found")
)

// Error carries the kind of a failure together with where it happened.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "unknown qc error"
	}
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	switch {
	case e.Op != "" && e.Path != "":
		return fmt.Sprintf("[%s] %s %s: %s", e.Kind, e.Op, e.Path, msg)
	case e.Op != "":
		return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Op, msg)
	default:
		return fmt.Sprintf("[%s] %s", e.Kind, msg)
	}
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches two *Error values by kind, so errors.Is(err, ErrNoInput) works on wrapped copies.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && (t.Op == "" || t.Op == e.Op)
}

// ConfigError reports an option outside its documented domain.
func ConfigError(field, format string, args ...any) *Error {
	return &Error{Kind: KindConfiguration, Op: field, Msg: fmt.Sprintf(format, args...)}
}

// MissingAttributeError reports a required variable or attribute absent from a raw file.
func MissingAttributeError(variable, attribute string) *Error {
	return &Error{
		Kind: KindMissingAttribute,
		Op:   variable,
		Msg:  fmt.Sprintf("attribute %q is required", attribute),
	}
}

// IOError wraps a read or write failure on path.
func IOError(op, path string, err error) *Error {
	return &Error{Kind: KindIO, Op: op, Path: path, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Kind
	}
	if errors.Is(err, ErrNotFound) {
		return KindIO
	}
	return KindUnknown
}
