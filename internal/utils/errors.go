package utils

import (
	"errors"
	"fmt"
)

// Kind classifies update failures.
type Kind int

const (
	KindUnknown Kind = iota
	KindConnect
	KindServerRejected
	KindEmptyOrInvalidResponse
	KindInsufficientSpace
	KindShortRead
	KindShortWrite
	KindIncompleteOrCorrupt
	KindParse
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "ConnectError"
	case KindServerRejected:
		return "ServerRejected"
	case KindEmptyOrInvalidResponse:
		return "EmptyOrInvalidResponse"
	case KindInsufficientSpace:
		return "InsufficientSpace"
	case KindShortRead:
		return "ShortRead"
	case KindShortWrite:
		return "ShortWrite"
	case KindIncompleteOrCorrupt:
		return "IncompleteOrCorrupt"
	case KindParse:
		return "ParseError"
	case KindTimeout:
		return "Timeout"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// Error is a typed update failure with a human readable detail.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the sentinels below work with
// errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Detail == "" && t.Err == nil
}

// Fail builds an *Error of the given kind.
func Fail(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the failure kind from err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

var (
	ErrConnect                = &Error{Kind: KindConnect}
	ErrServerRejected         = &Error{Kind: KindServerRejected}
	ErrEmptyOrInvalidResponse = &Error{Kind: KindEmptyOrInvalidResponse}
	ErrInsufficientSpace      = &Error{Kind: KindInsufficientSpace}
	ErrShortRead              = &Error{Kind: KindShortRead}
	ErrShortWrite             = &Error{Kind: KindShortWrite}
	ErrIncompleteOrCorrupt    = &Error{Kind: KindIncompleteOrCorrupt}
	ErrParse                  = &Error{Kind: KindParse}
	ErrTimeout                = &Error{Kind: KindTimeout}
)
