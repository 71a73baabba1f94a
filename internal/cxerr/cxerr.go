// Package cxerr defines CXDB's stable error taxonomy, shared by the
// storage engine, the binary protocol server, and the HTTP API so
// that every surface maps the same fault to the same code.
package cxerr

import (
	"errors"
	"fmt"
)

// Code is a stable error code, carried verbatim in the binary ERROR
// reply and mapped to an HTTP status by the HTTP API.
type Code uint32

const (
	CodeBadRequest        Code = 1
	CodeBadDigest         Code = 2
	CodeNotFound          Code = 3
	CodeConflict          Code = 4
	CodeInvalidDescriptor Code = 5
	CodeTypeUnresolved    Code = 6
	CodePayloadTooLarge   Code = 7
	CodeCorrupted         Code = 8
	CodeTimeout           Code = 9
	CodeInternal          Code = 10
)

// String returns the wire name of the code.
func (c Code) String() string {
	switch c {
	case CodeBadRequest:
		return "BAD_REQUEST"
	case CodeBadDigest:
		return "BAD_DIGEST"
	case CodeNotFound:
		return "NOT_FOUND"
	case CodeConflict:
		return "CONFLICT"
	case CodeInvalidDescriptor:
		return "INVALID_DESCRIPTOR"
	case CodeTypeUnresolved:
		return "TYPE_UNRESOLVED"
	case CodePayloadTooLarge:
		return "PAYLOAD_TOO_LARGE"
	case CodeCorrupted:
		return "CORRUPTED"
	case CodeTimeout:
		return "TIMEOUT"
	default:
		return "INTERNAL"
	}
}

// HTTPStatus maps the code to the HTTP status the read API returns.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeBadRequest, CodeBadDigest, CodePayloadTooLarge:
		return 400
	case CodeNotFound:
		return 404
	case CodeConflict, CodeInvalidDescriptor:
		return 409
	case CodeTypeUnresolved:
		return 422
	case CodeTimeout:
		return 504
	default:
		return 500
	}
}

// Error is a taxonomy-tagged error carrying an optional detail string
// and, for CORRUPTED faults, the offending digest or offset.
type Error struct {
	Code   Code
	Detail string
	cause  error
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code.String(), e.Detail)
}

func (e *Error) Unwrap() error { return e.cause }

// New constructs an Error with the given code and detail message.
func New(code Code, detail string) *Error {
	return &Error{Code: code, Detail: detail}
}

// Newf constructs an Error with a formatted detail message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a taxonomy code to an underlying error, keeping it
// available via errors.Unwrap.
func Wrap(code Code, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Code: code, Detail: cause.Error(), cause: cause}
}

// As extracts the taxonomy code from err, defaulting to INTERNAL when
// err was not produced by this package.
func As(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Detail extracts the detail string from err, if any.
func Detail(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Detail
	}
	return err.Error()
}
