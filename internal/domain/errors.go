package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrorKind is the classification every publish or refresh failure
// receives before it is persisted.
type ErrorKind string

const (
	KindCredentialUnavailable ErrorKind = "credential_unavailable"
	KindCredentialExpired     ErrorKind = "credential_expired"
	KindTransient             ErrorKind = "transient"
	KindPermanent             ErrorKind = "permanent"
	KindClaimLeaseExpired     ErrorKind = "claim_lease_expired"
)

// Retryable reports whether the kind is retried on the normal backoff schedule.
func (k ErrorKind) Retryable() bool {
	return k == KindTransient
}

// Sentinels for errors.Is matching against a classified error.
var (
	ErrCredentialUnavailable = &Error{Kind: KindCredentialUnavailable}
	ErrCredentialExpired     = &Error{Kind: KindCredentialExpired}
	ErrTransient             = &Error{Kind: KindTransient}
	ErrPermanent             = &Error{Kind: KindPermanent}
	ErrClaimLeaseExpired     = &Error{Kind: KindClaimLeaseExpired}
)

// Error is a classified failure. Message is safe to persist and show to
// users; Err keeps the raw cause for logs only.
type Error struct {
	Kind       ErrorKind
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// SafeMessage is the text persisted in error_message.
func (e *Error) SafeMessage() string {
	if e.Message != "" {
		return e.Message
	}
	switch e.Kind {
	case KindCredentialUnavailable:
		return "credential unavailable; reconnect the community"
	case KindCredentialExpired:
		return "credential expired; reauthorize the community"
	case KindTransient:
		return "temporary platform failure"
	case KindPermanent:
		return "platform rejected the post"
	case KindClaimLeaseExpired:
		return "claim lease expired"
	}
	return "unknown failure"
}

// NewError builds a classified error.
func NewError(kind ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Err: cause}
}

// CredentialUnavailable wraps cause as a CredentialUnavailable error.
func CredentialUnavailable(msg string, cause error) *Error {
	return NewError(KindCredentialUnavailable, msg, cause)
}

// CredentialExpired wraps cause as a CredentialExpired error.
func CredentialExpired(msg string, cause error) *Error {
	return NewError(KindCredentialExpired, msg, cause)
}

// Transient wraps cause as a retryable error.
func Transient(msg string, cause error) *Error {
	return NewError(KindTransient, msg, cause)
}

// TransientAfter is Transient with a platform supplied retry hint.
func TransientAfter(msg string, after time.Duration, cause error) *Error {
	e := NewError(KindTransient, msg, cause)
	e.RetryAfter = after
	return e
}

// Permanent wraps cause as a content rejection.
func Permanent(msg string, cause error) *Error {
	return NewError(KindPermanent, msg, cause)
}

// Classify maps any error onto exactly one ErrorKind. Unknown errors are
// treated as transient so they stay bounded by the retry budget.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient("platform call timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return Transient("platform call cancelled", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient("network failure", err)
	}
	return Transient("", err)
}

// KindOf returns the classification of err, or "" for nil.
func KindOf(err error) ErrorKind {
	if c := Classify(err); c != nil {
		return c.Kind
	}
	return ""
}
