package schema

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAlreadyInitialized is returned when the registry already has an owner.
	ErrAlreadyInitialized = errors.New("registry already has an owner")
	// ErrUnauthorized is returned when a mutating call does not come from the owner.
	ErrUnauthorized = errors.New("only owner can call")
	// ErrRecordNotFound is returned by point lookups for an unknown samsub id.
	ErrRecordNotFound = errors.New("record not found")
	// ErrInvalidArgument is returned when a request cannot be parsed.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Code is the transport-independent name of an error category. It travels
// over the TCP protocol and in HTTP error bodies so clients can rebuild the
// matching sentinel.
type Code string

const (
	CodeAlreadyInitialized Code = "already_initialized"
	CodeUnauthorized       Code = "unauthorized"
	CodeNotFound           Code = "not_found"
	CodeBadRequest         Code = "bad_request"
	CodeInternal           Code = "internal_error"
)

// CodeOf classifies err. Unknown errors are internal.
func CodeOf(err error) Code {
	switch {
	case errors.Is(err, ErrAlreadyInitialized):
		return CodeAlreadyInitialized
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrRecordNotFound):
		return CodeNotFound
	case errors.Is(err, ErrInvalidArgument):
		return CodeBadRequest
	default:
		return CodeInternal
	}
}

// FromCode rebuilds an error received from a remote registry so that
// errors.Is matches the same sentinel the server produced.
func FromCode(code Code, msg string) error {
	var sentinel error
	switch code {
	case CodeAlreadyInitialized:
		sentinel = ErrAlreadyInitialized
	case CodeUnauthorized:
		sentinel = ErrUnauthorized
	case CodeNotFound:
		sentinel = ErrRecordNotFound
	case CodeBadRequest:
		sentinel = ErrInvalidArgument
	default:
		if msg == "" {
			return errors.New(string(code))
		}
		return errors.New(msg)
	}
	// Servers send the full wrapped text, which already starts with the
	// sentinel's own message.
	msg = strings.TrimPrefix(msg, sentinel.Error()+": ")
	if msg == "" || msg == sentinel.Error() {
		return sentinel
	}
	return fmt.Errorf("%w: %s", sentinel, msg)
}
