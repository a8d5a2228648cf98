package protocol

import (
	"errors"
	"fmt"
)

// Base error types. Use errors.Is to classify an *Error.
var (
	ErrIO     = errors.New("io")
	ErrDecode = errors.New("decode")
	ErrEncode = errors.New("encode")
)

// ErrorType is the category of a protocol failure.
type ErrorType string

const (
	ErrorTypeIO     ErrorType = "io"
	ErrorTypeDecode ErrorType = "decode"
	ErrorTypeEncode ErrorType = "encode"
)

// Error is returned by the codec for every failure. A clean EOF from the
// peer is an io error, not a distinguished end of stream.
type Error struct {
	Type ErrorType
	Op   string // "read" or "write"
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Type, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is implements errors.Is against the base error types.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrIO:
		return e.Type == ErrorTypeIO
	case ErrDecode:
		return e.Type == ErrorTypeDecode
	case ErrEncode:
		return e.Type == ErrorTypeEncode
	}
	return false
}

func newError(t ErrorType, op string, err error) *Error {
	return &Error{Type: t, Op: op, Err: err}
}
