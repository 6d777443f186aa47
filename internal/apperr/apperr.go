package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies engine failures so callers can map them to responses.
type Kind int

const (
	Internal Kind = iota
	DecodeError
	NoFaceDetected
	MultipleFacesAmbiguous
	UnknownIdentity
	SessionNotActive
	NotFound
	Invalid
	Conflict
	Unavailable
	Unauthorized
)

func (k Kind) String() string {
	switch k {
	case DecodeError:
		return "decode_error"
	case NoFaceDetected:
		return "no_face_detected"
	case MultipleFacesAmbiguous:
		return "multiple_faces_ambiguous"
	case UnknownIdentity:
		return "unknown_identity"
	case SessionNotActive:
		return "session_not_active"
	case NotFound:
		return "not_found"
	case Invalid:
		return "invalid_request"
	case Conflict:
		return "conflict"
	case Unavailable:
		return "unavailable"
	case Unauthorized:
		return "unauthorized"
	default:
		return "internal_error"
	}
}

// Error is the typed error returned by engine operations.
type Error struct {
	Kind   Kind
	Op     string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, apperr.New(apperr.NotFound, "", ""))
// style checks work alongside KindOf.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Op == "" && t.Detail == "" && t.Err == nil
}

// New builds an error without a cause.
func New(kind Kind, op, detail string) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail}
}

// Newf builds an error with a formatted detail.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Sentinels for errors.Is comparisons.
var (
	ErrDecode           = &Error{Kind: DecodeError}
	ErrNoFace           = &Error{Kind: NoFaceDetected}
	ErrUnknownIdentity  = &Error{Kind: UnknownIdentity}
	ErrSessionNotActive = &Error{Kind: SessionNotActive}
	ErrNotFound         = &Error{Kind: NotFound}
	ErrInvalid          = &Error{Kind: Invalid}
	ErrConflict         = &Error{Kind: Conflict}
)
