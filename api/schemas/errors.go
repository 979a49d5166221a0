package schemas

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine errors so callers (and the HTTP layer) can map
// them to behavior without string matching.
type ErrorKind string

const (
	// KindReference signals that an edge endpoint or merge target does not exist.
	KindReference ErrorKind = "reference"
	// KindDuplicate signals that an identical manual edge already exists.
	KindDuplicate ErrorKind = "duplicate"
	// KindValidation signals content that does not match its node_type schema,
	// or otherwise malformed input.
	KindValidation ErrorKind = "validation"
	// KindState signals an illegal staging transition (approve/reject on a
	// terminal item).
	KindState ErrorKind = "state"
	// KindScoringUnavailable signals that the similarity-scoring collaborator
	// is unreachable. Non-fatal: inference and dedup degrade as documented.
	KindScoringUnavailable ErrorKind = "scoring_unavailable"
	// KindNotFound signals a missing node, edge, or staging item.
	KindNotFound ErrorKind = "not_found"
)

// KindError is the concrete error type carried by all engine error kinds.
// Use AsKind or IsKind to classify a received error.
type KindError struct {
	Kind ErrorKind
	msg  string
}

func (e *KindError) Error() string { return e.msg }

// NewReferenceError reports a missing edge endpoint or merge target.
func NewReferenceError(format string, args ...any) error {
	return &KindError{Kind: KindReference, msg: fmt.Sprintf(format, args...)}
}

// NewDuplicateError reports a manual edge that already exists.
func NewDuplicateError(format string, args ...any) error {
	return &KindError{Kind: KindDuplicate, msg: fmt.Sprintf(format, args...)}
}

// NewValidationError reports malformed input or a content/node_type mismatch.
func NewValidationError(format string, args ...any) error {
	return &KindError{Kind: KindValidation, msg: fmt.Sprintf(format, args...)}
}

// NewStateError reports an illegal staging state transition.
func NewStateError(format string, args ...any) error {
	return &KindError{Kind: KindState, msg: fmt.Sprintf(format, args...)}
}

// NewScoringUnavailableError reports that the similarity scorer is unreachable.
func NewScoringUnavailableError(format string, args ...any) error {
	return &KindError{Kind: KindScoringUnavailable, msg: fmt.Sprintf(format, args...)}
}

// NewNotFoundError reports a missing node, edge, or staging item.
func NewNotFoundError(format string, args ...any) error {
	return &KindError{Kind: KindNotFound, msg: fmt.Sprintf(format, args...)}
}

// IsKind reports whether err (or anything it wraps) is a KindError of the
// given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind == kind
	}
	return false
}

// AsKind extracts the ErrorKind from err, if it carries one.
func AsKind(err error) (ErrorKind, bool) {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind, true
	}
	return "", false
}
