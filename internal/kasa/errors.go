package kasa

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies failures surfaced to panel callers.
type ErrorKind string

const (
	KindAuth           ErrorKind = "auth"
	KindDirectory      ErrorKind = "directory"
	KindTargetNotFound ErrorKind = "target_not_found"
	KindDecode         ErrorKind = "decode"
	KindCommand        ErrorKind = "command"
)

// Error is the single error type returned by the cloud client, codec and
// commander. Code and Msg carry the remote error signal when there is one.
type Error struct {
	Kind ErrorKind
	Op   string
	Code int
	Msg  string
	Err  error
}

// Sentinels for errors.Is matching by kind.
var (
	ErrAuth           = &Error{Kind: KindAuth}
	ErrDirectory      = &Error{Kind: KindDirectory}
	ErrTargetNotFound = &Error{Kind: KindTargetNotFound}
	ErrDecode         = &Error{Kind: KindDecode}
	ErrCommand        = &Error{Kind: KindCommand}
)

func (e *Error) Error() string {
	detail := e.Message()
	if detail == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + " " + detail
}

// Message returns the error text without the kind prefix.
func (e *Error) Message() string {
	var sb strings.Builder
	sb.WriteString(e.Op)
	if e.Code != 0 {
		fmt.Fprintf(&sb, ": remote code %d", e.Code)
	}
	if e.Msg != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Msg)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return strings.TrimPrefix(sb.String(), ": ")
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so callers can test against the
// package sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// DecodeError builds a decode failure for op.
func DecodeError(op string, format string, args ...any) *Error {
	return newError(KindDecode, op, fmt.Errorf(format, args...))
}

// KindOf reports the kind of err, or "" if err is not a *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
