// Package autherr defines the error kinds surfaced by the token broker. Every
// failure returned from a public entry point carries exactly one kind, so that
// callers can branch with errors.Is against the exported sentinels.
package autherr

import "errors"

type Kind int

const (
	KindUnknown Kind = iota
	KindConfiguration
	KindTransport
	KindValidation
	KindSigning
	KindKey
	KindAuth
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindTransport:
		return "transport"
	case KindValidation:
		return "validation"
	case KindSigning:
		return "signing"
	case KindKey:
		return "key"
	case KindAuth:
		return "auth"
	default:
		return "unknown"
	}
}

// Sentinels for use with errors.Is. They match any *Error of the same kind.
var (
	ErrConfiguration = &Error{Kind: KindConfiguration}
	ErrTransport     = &Error{Kind: KindTransport}
	ErrValidation    = &Error{Kind: KindValidation}
	ErrSigning       = &Error{Kind: KindSigning}
	ErrKey           = &Error{Kind: KindKey}
	ErrAuth          = &Error{Kind: KindAuth}
)

// Error is a classified failure. Message is the human readable description and
// Err, when set, is the underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String() + " error"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for this error's kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

func newError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

func Configuration(msg string) error { return newError(KindConfiguration, msg, nil) }

func Transport(msg string, err error) error { return newError(KindTransport, msg, err) }

func Validation(msg string) error { return newError(KindValidation, msg, nil) }

func Signing(msg string, err error) error { return newError(KindSigning, msg, err) }

func Key(msg string, err error) error { return newError(KindKey, msg, err) }

func Auth(msg string, err error) error { return newError(KindAuth, msg, err) }

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
