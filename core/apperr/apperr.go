// Package apperr defines the error kinds the job engine surfaces to its
// callers. Each kind tells the caller something different: fix the input,
// wait for the reservation window, or try again later.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error.
type Kind int

const (
	// KindUnknown is any error not produced by this package.
	KindUnknown Kind = iota
	// KindValidation is a missing or malformed field. Always caller-fixable.
	KindValidation
	// KindAuthorization is a reservation conflict or missing privilege.
	KindAuthorization
	// KindStorage is a job store failure or timeout.
	KindStorage
	// KindUpstream is a reservation service or broadcast channel failure or timeout.
	KindUpstream
	// KindNotFound is a lookup of a job that does not exist.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindStorage:
		return "storage"
	case KindUpstream:
		return "upstream"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error is the single error type returned by the engine.
type Error struct {
	Kind  Kind
	Op    string
	Field string
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether trying the same call again may succeed.
func (e *Error) Retryable() bool {
	return e.Kind == KindStorage || e.Kind == KindUpstream
}

// Timeout reports whether the cause was a deadline.
func (e *Error) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// UserMessage is the text safe to show to the caller. Storage and upstream
// details stay in the logs.
func (e *Error) UserMessage() string {
	switch e.Kind {
	case KindValidation, KindAuthorization, KindNotFound:
		return e.Msg
	case KindStorage, KindUpstream:
		return "Temporary failure, please try again."
	default:
		return "Internal error."
	}
}

// Validation reports a missing or malformed field.
func Validation(field, msg string) *Error {
	return &Error{Kind: KindValidation, Field: field, Msg: msg}
}

// MissingField reports a required field that was not supplied.
func MissingField(field string) *Error {
	return Validation(field, fmt.Sprintf("missing required key %s", field))
}

// Authorization reports a refused command.
func Authorization(msg string) *Error {
	return &Error{Kind: KindAuthorization, Msg: msg}
}

// Storage wraps a job store failure.
func Storage(op string, err error) *Error {
	return &Error{Kind: KindStorage, Op: op, Err: err}
}

// Upstream wraps a reservation service or broadcast failure.
func Upstream(op string, err error) *Error {
	return &Error{Kind: KindUpstream, Op: op, Err: err}
}

// NotFound reports a job key that does not resolve.
func NotFound(site, jobID string) *Error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf("job %s/%s not found", site, jobID)}
}

// KindOf extracts the kind of err, KindUnknown when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var be *BatchError
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindUnknown
}

// Is reports whether err is of kind k.
func Is(err error, k Kind) bool { return err != nil && KindOf(err) == k }

// BatchError reports the keys that failed in a multi-key step. The rest of the
// batch completed.
type BatchError struct {
	Kind   Kind
	Op     string
	Failed []string
	Errs   []error
}

// Add records one failed key.
func (b *BatchError) Add(key string, err error) {
	b.Failed = append(b.Failed, key)
	b.Errs = append(b.Errs, err)
}

// Len is the number of failed keys.
func (b *BatchError) Len() int { return len(b.Failed) }

// ErrOrNil returns b when anything failed.
func (b *BatchError) ErrOrNil() error {
	if b == nil || len(b.Failed) == 0 {
		return nil
	}
	return b
}

func (b *BatchError) Error() string {
	return fmt.Sprintf("%s: %d key(s) failed: %s", b.Op, len(b.Failed), strings.Join(b.Failed, ", "))
}

func (b *BatchError) Unwrap() []error { return b.Errs }
