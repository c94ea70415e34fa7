package chat

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuthorization
	KindNotFound
	KindInvariant
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not found"
	case KindInvariant:
		return "invariant"
	case KindTransport:
		return "transport"
	default:
		return "internal"
	}
}

// Error is a chat failure tagged with the kind callers branch on.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func ValidationError(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

func AuthorizationError(format string, args ...any) *Error {
	return &Error{Kind: KindAuthorization, Msg: fmt.Sprintf(format, args...)}
}

func NotFoundError(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

func InvariantError(format string, args ...any) *Error {
	return &Error{Kind: KindInvariant, Msg: fmt.Sprintf(format, args...)}
}

func TransportError(err error, format string, args ...any) *Error {
	return &Error{Kind: KindTransport, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var chatErr *Error
	if errors.As(err, &chatErr) {
		return chatErr.Kind
	}
	return KindInternal
}

func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}
