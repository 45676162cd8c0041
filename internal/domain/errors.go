package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so callers know whether and how to retry.
type ErrorKind string

const (
	KindValidation     ErrorKind = "validation"
	KindState          ErrorKind = "state"
	KindReconciliation ErrorKind = "reconciliation"
	KindCapacity       ErrorKind = "capacity"
	KindVerification   ErrorKind = "verification"
	KindFormat         ErrorKind = "format"
	KindNotFound       ErrorKind = "not_found"
	KindConflict       ErrorKind = "conflict"
	KindInternal       ErrorKind = "internal"
)

// Error is the single error type surfaced by the core: a kind, the
// operation that failed, a human-readable message and an optional cause.
type Error struct {
	Kind ErrorKind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Validationf(format string, args ...any) error {
	return newError(KindValidation, format, args...)
}

func Statef(format string, args ...any) error { return newError(KindState, format, args...) }

func Reconciliationf(format string, args ...any) error {
	return newError(KindReconciliation, format, args...)
}

func Capacityf(format string, args ...any) error { return newError(KindCapacity, format, args...) }

func Verificationf(format string, args ...any) error {
	return newError(KindVerification, format, args...)
}

func Formatf(format string, args ...any) error { return newError(KindFormat, format, args...) }

func NotFoundf(format string, args ...any) error { return newError(KindNotFound, format, args...) }

func Conflictf(format string, args ...any) error { return newError(KindConflict, format, args...) }

// WithOp sets the operation on a domain error, or wraps a plain error as
// internal so every error leaving a service carries a kind.
func WithOp(op string, err error) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		if de.Op != "" {
			return err
		}
		cp := *de
		cp.Op = op
		return &cp
	}
	return &Error{Kind: KindInternal, Op: op, Err: err}
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}
