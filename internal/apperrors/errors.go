// Package apperrors is the error taxonomy shared by the routing, scanning and
// recovery components. Every error that leaves a component is one of these kinds.
package apperrors

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindNotFound
	KindNoEligibleVendor
	KindConcurrencyConflict
	KindTransientInfra
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "ValidationError"
	case KindNotFound:
		return "NotFound"
	case KindNoEligibleVendor:
		return "NoEligibleVendor"
	case KindConcurrencyConflict:
		return "ConcurrencyConflict"
	case KindTransientInfra:
		return "TransientInfraError"
	case KindPermanent:
		return "PermanentFailure"
	}
	return "Unknown"
}

// Error is a classified error. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind, so errors.Is(err, ErrConflict) works for any conflict.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Msg == "" && t.Err == nil
}

// Sentinels for errors.Is checks.
var (
	ErrValidation       = &Error{Kind: KindValidation}
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrNoEligibleVendor = &Error{Kind: KindNoEligibleVendor}
	ErrConflict         = &Error{Kind: KindConcurrencyConflict}
	ErrTransient        = &Error{Kind: KindTransientInfra}
	ErrPermanent        = &Error{Kind: KindPermanent}
)

func Validation(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func NotFound(op, format string, args ...any) error {
	return &Error{Kind: KindNotFound, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func NoEligibleVendor(op, format string, args ...any) error {
	return &Error{Kind: KindNoEligibleVendor, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Conflict(op, format string, args ...any) error {
	return &Error{Kind: KindConcurrencyConflict, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Permanent(op, format string, args ...any) error {
	return &Error{Kind: KindPermanent, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Transient wraps an infrastructure failure that the next scheduled sweep retries.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	return &Error{Kind: KindTransientInfra, Op: op, Err: err}
}

// KindOf classifies err. Unclassified non-nil errors count as transient infra failures.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindTransientInfra
}

// IsAlert reports whether err must surface to admins.
func IsAlert(err error) bool {
	k := KindOf(err)
	return k == KindNoEligibleVendor || k == KindPermanent
}

// IsRetryable reports whether a later sweep may succeed where this call failed.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransientInfra
}
