// Package apierr implements the stable error taxonomy shared by the
// reconciler, cannon, and HTTP API: every failure carries a machine-stable
// type tag and maps to an HTTP status, per the error-kind policy in the
// ambient error-handling contract.
package apierr

import (
	"fmt"
	"net/http"
)

// Kind groups error Types into the retry/surface policy buckets.
type Kind uint8

const (
	KindTransientNetwork Kind = iota
	KindResourceAcquisition
	KindProcessLifecycle
	KindSchema
	KindPolicy
	KindCancellation
	KindInternal
	KindNotFound
)

func (k Kind) httpStatus() int {
	switch k {
	case KindTransientNetwork:
		return http.StatusServiceUnavailable
	case KindResourceAcquisition:
		return http.StatusFailedDependency
	case KindSchema:
		return http.StatusBadRequest
	case KindPolicy:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindProcessLifecycle, KindInternal:
		return http.StatusInternalServerError
	case KindCancellation:
		// Cancellation is silent per policy; callers should not normally
		// surface it over HTTP, but map defensively.
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Error is the typed error every package in this module returns across an
// API boundary. Type is a stable dotted tag (e.g. "reconcile.offline",
// "cannon.auth.missing-private-key"); Message is for humans.
type Error struct {
	Kind    Kind
	Type    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus maps e's Kind to the response status the controller API uses.
func (e *Error) HTTPStatus() int { return e.Kind.httpStatus() }

// New constructs a typed Error with no wrapped cause.
func New(kind Kind, errType, message string) *Error {
	return &Error{Kind: kind, Type: errType, Message: message}
}

// Wrap constructs a typed Error around a lower-level cause.
func Wrap(kind Kind, errType string, cause error) *Error {
	return &Error{Kind: kind, Type: errType, Message: cause.Error(), Cause: cause}
}

// Common constructors for the error types named explicitly in the
// error-handling design; packages are free to mint additional Type strings
// following the same "component.category[.detail]" convention.

func Offline(component string, cause error) *Error {
	return Wrap(KindTransientNetwork, component+".offline", cause)
}

func MissingFile(path string) *Error {
	return New(KindResourceAcquisition, "storage.missing-file", "missing file: "+path)
}

func ChecksumMismatch(path string) *Error {
	return New(KindResourceAcquisition, "storage.checksum-mismatch", "checksum mismatch: "+path)
}

func SpawnFailed(cause error) *Error {
	return Wrap(KindProcessLifecycle, "process.spawn-failed", cause)
}

func InvalidDiscriminant(typeName string, got int) *Error {
	return New(KindSchema, "wire.invalid-discriminant", fmt.Sprintf("%s: invalid discriminant %d", typeName, got))
}

func UnsupportedHeader(typeName string) *Error {
	return New(KindSchema, "wire.unsupported-header", "unsupported header for "+typeName)
}

func InvalidNodeKey(s string) *Error {
	return New(KindSchema, "nodekey.invalid", "invalid node key: "+s)
}

func MissingPrivateKey(key string) *Error {
	return New(KindPolicy, "cannon.auth.missing-private-key", "no private key available for "+key)
}

func UnknownCannon(id string) *Error {
	return New(KindNotFound, "cannon.unknown", "unknown cannon: "+id)
}

func MissingEnv(id string) *Error {
	return New(KindNotFound, "env.missing", "unknown environment: "+id)
}

func UnknownAgent(id string) *Error {
	return New(KindNotFound, "agent.unknown", "unknown agent: "+id)
}

// Cancellation marks work preempted by a newer generation; callers must
// treat this as a no-op and never surface it as a failure.
func Cancellation(component string) *Error {
	return New(KindCancellation, component+".cancelled", "superseded by a newer generation")
}

// Internal wraps an unexpected error with no more specific taxonomy.
func Internal(component string, cause error) *Error {
	return Wrap(KindInternal, component+".internal", cause)
}
