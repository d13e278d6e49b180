package errors

import (
	"context"
	stdErrors "errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type Code string

const (
	CodeValidation    Code = "VALIDATION_ERROR"
	CodeNotFound      Code = "NOT_FOUND"
	CodeConflict      Code = "CONFLICT"
	CodeQuotaExceeded Code = "QUOTA_EXCEEDED"
	CodeTimeout       Code = "TIMEOUT"
	CodeRateLimit     Code = "RATE_LIMIT_EXCEEDED"
	CodeInternal      Code = "INTERNAL_ERROR"
	CodeDependency    Code = "DEPENDENCY_ERROR"
)

type Metadata struct {
	HTTPStatus     int
	Retryable      bool
	PublicMessage  string
	DetailsAllowed bool
}

var metadataByCode = map[Code]Metadata{
	CodeValidation: {
		HTTPStatus:     http.StatusBadRequest,
		PublicMessage:  "validation failed",
		DetailsAllowed: true,
	},
	CodeNotFound: {
		HTTPStatus:    http.StatusNotFound,
		PublicMessage: "resource not found",
	},
	CodeConflict: {
		HTTPStatus:    http.StatusConflict,
		PublicMessage: "conflict detected",
	},
	CodeQuotaExceeded: {
		HTTPStatus:     http.StatusTooManyRequests,
		Retryable:      true,
		PublicMessage:  "document store quota exceeded, try again later",
		DetailsAllowed: true,
	},
	CodeTimeout: {
		HTTPStatus:     http.StatusGatewayTimeout,
		Retryable:      true,
		PublicMessage:  "upstream timed out, try again later",
		DetailsAllowed: true,
	},
	CodeRateLimit: {
		HTTPStatus:    http.StatusTooManyRequests,
		PublicMessage: "rate limit exceeded",
	},
	CodeInternal: {
		HTTPStatus:    http.StatusInternalServerError,
		Retryable:     true,
		PublicMessage: "internal server error",
	},
	CodeDependency: {
		HTTPStatus:     http.StatusServiceUnavailable,
		Retryable:      true,
		PublicMessage:  "dependency unavailable",
		DetailsAllowed: true,
	},
}

func MetadataFor(code Code) Metadata {
	if meta, ok := metadataByCode[code]; ok {
		return meta
	}
	return metadataByCode[CodeInternal]
}

type Error struct {
	code    Code
	message string
	details any
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

func Wrap(code Code, err error, message string) *Error {
	if err == nil {
		return New(code, message)
	}
	return &Error{code: code, message: message, cause: err}
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Details() any {
	if e == nil {
		return nil
	}
	return e.details
}

func (e *Error) WithDetails(details any) *Error {
	if e == nil {
		return nil
	}
	e.details = details
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

func As(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}

// IsQuotaExceeded reports whether err is a resource-exhausted failure, either a
// raw gRPC status or an already classified error.
func IsQuotaExceeded(err error) bool {
	if err == nil {
		return false
	}
	if typed := As(err); typed != nil && typed.Code() == CodeQuotaExceeded {
		return true
	}
	return grpcCode(err) == codes.ResourceExhausted
}

// IsDeadline reports whether err is a deadline-exceeded failure.
func IsDeadline(err error) bool {
	if err == nil {
		return false
	}
	if typed := As(err); typed != nil && typed.Code() == CodeTimeout {
		return true
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return grpcCode(err) == codes.DeadlineExceeded
}

// FromGRPC maps a document store failure onto the error taxonomy. Errors that
// are already typed pass through unchanged.
func FromGRPC(err error, message string) error {
	if err == nil {
		return nil
	}
	if typed := As(err); typed != nil {
		return typed
	}
	switch grpcCode(err) {
	case codes.ResourceExhausted:
		return Wrap(CodeQuotaExceeded, err, message)
	case codes.DeadlineExceeded:
		return Wrap(CodeTimeout, err, message)
	case codes.NotFound:
		return Wrap(CodeNotFound, err, message)
	case codes.InvalidArgument:
		return Wrap(CodeValidation, err, message)
	case codes.Unavailable:
		return Wrap(CodeDependency, err, message)
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return Wrap(CodeTimeout, err, message)
	}
	return Wrap(CodeInternal, err, message)
}

func grpcCode(err error) codes.Code {
	for e := err; e != nil; e = stdErrors.Unwrap(e) {
		if st, ok := status.FromError(e); ok && st.Code() != codes.Unknown {
			return st.Code()
		}
	}
	return codes.OK
}
