// Copyright (C) 2024 Couchbase, Inc.
// See LICENSE for copying information.

package gocbcore

import (
	"fmt"

	"github.com/zeebo/errs"
)

// ErrorKind classifies an error into one of the families described in the
// error-handling design: application, durability, resource, transport,
// auth/security or internal.
type ErrorKind uint32

// Application errors: terminal at first occurrence, returned verbatim.
const (
	ErrDocumentNotFound ErrorKind = iota + 1
	ErrDocumentExists
	ErrCasMismatch
	ErrValueTooLarge
	ErrPathNotFound
	ErrPathExists
	ErrDeltaInvalid
	ErrDocumentLocked
	ErrDocumentIrretrievable
)

// Durability errors.
const (
	ErrDurabilityImpossible ErrorKind = iota + 100
	ErrDurabilityAmbiguous
	ErrSyncWriteInProgress
	ErrSyncWriteRecommitInProgress
)

// Resource errors.
const (
	ErrBucketNotFound ErrorKind = iota + 200
	ErrScopeNotFound
	ErrCollectionNotFound
	ErrBucketExists
	ErrScopeExists
	ErrCollectionExists
	ErrFeatureNotAvailable
)

// Transport errors.
const (
	ErrTimeout ErrorKind = iota + 300
	ErrAmbiguousTimeout
	ErrUnambiguousTimeout
	ErrRequestCanceled
	ErrDisconnected
)

// Auth/security errors.
const (
	ErrAuthenticationFailure ErrorKind = iota + 400
	ErrPermissionDenied
	ErrInvalidCertificate
)

// Internal errors: fatal to the operation, never retried.
const (
	ErrParsingFailure ErrorKind = iota + 500
	ErrInvalidArgument
	ErrEncodingFailure
)

func (k ErrorKind) String() string {
	switch k {
	case ErrDocumentNotFound:
		return "document not found"
	case ErrDocumentExists:
		return "document exists"
	case ErrCasMismatch:
		return "cas mismatch"
	case ErrValueTooLarge:
		return "value too large"
	case ErrPathNotFound:
		return "path not found"
	case ErrPathExists:
		return "path exists"
	case ErrDeltaInvalid:
		return "delta invalid"
	case ErrDocumentLocked:
		return "document locked"
	case ErrDocumentIrretrievable:
		return "document irretrievable"
	case ErrDurabilityImpossible:
		return "durability impossible"
	case ErrDurabilityAmbiguous:
		return "durability ambiguous"
	case ErrSyncWriteInProgress:
		return "sync write in progress"
	case ErrSyncWriteRecommitInProgress:
		return "sync write re-commit in progress"
	case ErrBucketNotFound:
		return "bucket not found"
	case ErrScopeNotFound:
		return "scope not found"
	case ErrCollectionNotFound:
		return "collection not found"
	case ErrBucketExists:
		return "bucket exists"
	case ErrScopeExists:
		return "scope exists"
	case ErrCollectionExists:
		return "collection exists"
	case ErrFeatureNotAvailable:
		return "feature not available"
	case ErrTimeout:
		return "timeout"
	case ErrAmbiguousTimeout:
		return "ambiguous timeout"
	case ErrUnambiguousTimeout:
		return "unambiguous timeout"
	case ErrRequestCanceled:
		return "request canceled"
	case ErrDisconnected:
		return "disconnected"
	case ErrAuthenticationFailure:
		return "authentication failure"
	case ErrPermissionDenied:
		return "permission denied"
	case ErrInvalidCertificate:
		return "invalid certificate"
	case ErrParsingFailure:
		return "parsing failure"
	case ErrInvalidArgument:
		return "invalid argument"
	case ErrEncodingFailure:
		return "encoding failure"
	default:
		return "unknown error"
	}
}

// errClass is the zeebo/errs class every gocbcore error is wrapped in,
// giving consistent stack capture and an `errClass.Has` classification
// hook for callers that only care "is this one of ours".
var errClass = errs.Class("gocbcore")

// RetryReason records one attempt's outcome for inclusion in the error
// context surfaced to the caller.
type RetryReason struct {
	Kind    ErrorKind
	Rerouted bool
}

// OpContext carries everything the error-handling design requires be
// attached to a failed operation: the client context id, the last
// dispatched endpoint, the ordered retry reasons and redacted inputs.
type OpContext struct {
	ClientContextID string
	LastDispatchedTo string
	Attempts         int
	RetryReasons     []RetryReason
	RedactedKey      string
}

// KeyValueError is the error type returned by every KV operation.
type KeyValueError struct {
	Kind    ErrorKind
	Context OpContext
	Cause   error
}

func (e *KeyValueError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v (ctx=%s endpoint=%s attempts=%d)",
			e.Kind, e.Cause, e.Context.ClientContextID, e.Context.LastDispatchedTo, e.Context.Attempts)
	}
	return fmt.Sprintf("%s (ctx=%s endpoint=%s attempts=%d)",
		e.Kind, e.Context.ClientContextID, e.Context.LastDispatchedTo, e.Context.Attempts)
}

func (e *KeyValueError) Unwrap() error { return e.Cause }

func newKVError(kind ErrorKind, ctx OpContext, cause error) *KeyValueError {
	return &KeyValueError{Kind: kind, Context: ctx, Cause: errClass.Wrap(cause)}
}

// HTTPError is returned by the shared HTTP service client.
type HTTPError struct {
	StatusCode int
	BodyPrefix string
	Hostname   string
	Port       int
	Method     string
	Path       string
	Context    OpContext
	Cause      error
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %s %s -> %d at %s:%d: %s (body: %s)",
		e.Method, e.Path, e.StatusCode, e.Hostname, e.Port, errString(e.Cause), e.BodyPrefix)
}

func (e *HTTPError) Unwrap() error { return e.Cause }

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// IsKind reports whether err is a *KeyValueError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var kvErr *KeyValueError
	if e, ok := err.(*KeyValueError); ok {
		kvErr = e
	} else {
		return false
	}
	return kvErr.Kind == kind
}
