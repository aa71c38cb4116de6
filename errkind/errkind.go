// Package errkind classifies the failures produced by the HTTP core.
//
// Every error returned by the client, the stream body and the message
// constructors wraps an *Error carrying a Kind so callers can decide whether
// to retry, surface the failure, or ignore a cancellation.
package errkind // import "code.dopame.me/veonik/klaver/errkind"

import (
	"fmt"

	"github.com/pkg/errors"
)

// A Kind identifies a class of failure.
type Kind uint8

const (
	Unknown Kind = iota
	ConnectionFailed
	TLSFailed
	ProtocolError
	Timeout
	Cancelled
	Locked
	AlreadyUsed
	InvalidURL
	InvalidMethod
	InvalidHeader
	InvalidBody
)

var kindNames = map[Kind]string{
	Unknown:          "unknown",
	ConnectionFailed: "connection failed",
	TLSFailed:        "tls failed",
	ProtocolError:    "protocol error",
	Timeout:          "timeout",
	Cancelled:        "cancelled",
	Locked:           "locked",
	AlreadyUsed:      "already used",
	InvalidURL:       "invalid url",
	InvalidMethod:    "invalid method",
	InvalidHeader:    "invalid header",
	InvalidBody:      "invalid body",
}

var kindIdents = map[Kind]string{
	Unknown:          "Unknown",
	ConnectionFailed: "ConnectionFailed",
	TLSFailed:        "TlsFailed",
	ProtocolError:    "ProtocolError",
	Timeout:          "Timeout",
	Cancelled:        "Cancelled",
	Locked:           "Locked",
	AlreadyUsed:      "AlreadyUsed",
	InvalidURL:       "InvalidUrl",
	InvalidMethod:    "InvalidMethod",
	InvalidHeader:    "InvalidHeader",
	InvalidBody:      "InvalidBody",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Ident returns the identifier of the kind as exposed to scripts.
func (k Kind) Ident() string {
	if s, ok := kindIdents[k]; ok {
		return s
	}
	return kindIdents[Unknown]
}

// An Error is a failure of a specific Kind, produced by the operation Op.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Sentinels for use with errors.Is.
var (
	ErrConnectionFailed = &Error{Kind: ConnectionFailed}
	ErrTLSFailed        = &Error{Kind: TLSFailed}
	ErrProtocol         = &Error{Kind: ProtocolError}
	ErrTimeout          = &Error{Kind: Timeout}
	ErrCancelled        = &Error{Kind: Cancelled}
	ErrLocked           = &Error{Kind: Locked}
	ErrAlreadyUsed      = &Error{Kind: AlreadyUsed}
	ErrInvalidURL       = &Error{Kind: InvalidURL}
	ErrInvalidMethod    = &Error{Kind: InvalidMethod}
	ErrInvalidHeader    = &Error{Kind: InvalidHeader}
	ErrInvalidBody      = &Error{Kind: InvalidBody}
)

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Cause implements the causer interface used by errors.Cause.
func (e *Error) Cause() error {
	return e.Err
}

// Is reports whether target is an *Error of the same Kind with no detail,
// which makes the package sentinels match any error of their kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

// New returns an error of the given kind wrapping err.
func New(k Kind, op string, err error) error {
	return &Error{Kind: k, Op: op, Err: err}
}

// Errorf returns an error of the given kind with a formatted message.
func Errorf(k Kind, op string, format string, args ...interface{}) error {
	return &Error{Kind: k, Op: op, Err: errors.Errorf(format, args...)}
}

// KindOf returns the Kind of the outermost *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err carries the given Kind.
func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}
