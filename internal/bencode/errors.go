package bencode

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedLength        = errors.New("malformed byte string length")
	ErrUnterminatedInteger    = errors.New("unterminated or invalid integer")
	ErrUnterminatedList       = errors.New("unterminated list")
	ErrUnterminatedDictionary = errors.New("unterminated dictionary")
	ErrInvalidKey             = errors.New("dictionary key is not a byte string")
	ErrDepthExceeded          = errors.New("maximum nesting depth exceeded")
	ErrTrailingData           = errors.New("trailing data after value")
	ErrTypeMismatch           = errors.New("type mismatch")
	ErrMissingKey             = errors.New("missing dictionary key")
)

// SyntaxError reports where in the input decoding failed.
type SyntaxError struct {
	Offset int
	Err    error
	msg    string
}

func (e *SyntaxError) Error() string {
	if e.msg != "" {
		return fmt.Sprintf("bencode: offset %d: %s: %s", e.Offset, e.Err, e.msg)
	}
	return fmt.Sprintf("bencode: offset %d: %s", e.Offset, e.Err)
}

func (e *SyntaxError) Unwrap() error {
	return e.Err
}

type TypeMismatchError struct {
	Expected Kind
	Actual   Kind
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("bencode: expected %s, got %s", e.Expected, e.Actual)
}

func (e *TypeMismatchError) Is(target error) bool {
	return target == ErrTypeMismatch
}

func mismatch(expected, actual Kind) error {
	return &TypeMismatchError{Expected: expected, Actual: actual}
}

type MissingKeyError struct {
	Key string
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("bencode: missing key %q", e.Key)
}

func (e *MissingKeyError) Is(target error) bool {
	return target == ErrMissingKey
}
