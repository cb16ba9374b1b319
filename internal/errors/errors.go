// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package errors is the error taxonomy shared across the capture core. It
// wraps the standard errors package and adds a Kind classification plus a
// RetryableError marker. The backoff-wrapped DMV reconnect path retries
// every error and does not check the marker.
package errors

import (
	stdliberrors "errors"
	"fmt"
)

var (
	ErrUnsupported = stdliberrors.ErrUnsupported

	As     = stdliberrors.As
	Is     = stdliberrors.Is
	Join   = stdliberrors.Join
	New    = stdliberrors.New
	Unwrap = stdliberrors.Unwrap
)

// Kind classifies a failure for logging/propagation purposes. It is not a
// type hierarchy; a single Kind value is attached to an error via Wrap.
type Kind int

const (
	// Unknown is the zero value; treated like Fatal by callers that switch
	// on Kind without a default case.
	Unknown Kind = iota

	// PrivilegeDenied: a privileged subscription or open failed for lack of
	// elevation. Logged once at warning level; the caller degrades to a
	// reduced mode of operation rather than failing outright.
	PrivilegeDenied

	// ResourceUnavailable: a counter, interface, or process disappeared or
	// was never present. Logged at debug level; the corresponding sample
	// field is left absent.
	ResourceUnavailable

	// TransientReadFailure: a counter read, DMV query, or event decode
	// failed in a way that is expected to be intermittent. Logged at debug
	// level; the tick yields a partial or empty result, never a crash.
	TransientReadFailure

	// AttachFailed: a managed diagnostic attach failed (access denied,
	// process exited mid-attach). Logged at warning level.
	AttachFailed

	// Cancelled: the cancellation scope fired. Never logged as an error.
	Cancelled

	// Fatal: the store is unreachable or a similarly unrecoverable
	// condition occurred. Propagates to the Orchestrator, which attempts a
	// best-effort close of the run before exiting non-zero.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case PrivilegeDenied:
		return "PrivilegeDenied"
	case ResourceUnavailable:
		return "ResourceUnavailable"
	case TransientReadFailure:
		return "TransientReadFailure"
	case AttachFailed:
		return "AttachFailed"
	case Cancelled:
		return "Cancelled"
	case Fatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// kindError attaches a Kind to a wrapped error without changing the
// stdlib error contract; errors.Is/As still unwrap to the cause.
type kindError struct {
	kind  Kind
	cause error
}

func Wrap(kind Kind, cause error) error {
	if cause == nil {
		return nil
	}
	return &kindError{kind: kind, cause: cause}
}

func Wrapf(kind Kind, format string, args ...any) error {
	return &kindError{kind: kind, cause: fmt.Errorf(format, args...)}
}

func (e *kindError) Error() string {
	return e.cause.Error()
}

func (e *kindError) Unwrap() error {
	return e.cause
}

// KindOf returns the Kind attached to err via Wrap/Wrapf, or Unknown if err
// was never classified.
func KindOf(err error) Kind {
	var ke *kindError
	if As(err, &ke) {
		return ke.kind
	}
	return Unknown
}

func NewRetryable(text string) RetryableError {
	return &retryableError{text}
}

func Retryable(err error) bool {
	var rerr RetryableError
	return As(err, &rerr)
}

type RetryableError interface {
	error
	Retryable()
}

type retryableError struct {
	text string
}

func (r *retryableError) Error() string {
	return r.text
}

func (r *retryableError) Retryable() {}
