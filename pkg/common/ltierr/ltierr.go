// Package ltierr defines the error codes surfaced by the launch, verification and grade
// passback flows, and their HTTP mapping.
package ltierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, support-facing error code.
type Code string

const (
	// Input validation
	InvalidRequest Code = "INVALID_REQUEST"

	// Protocol / security
	UnknownPlatform        Code = "UNKNOWN_PLATFORM"
	InvalidState           Code = "INVALID_STATE"
	IssuerMismatch         Code = "ISSUER_MISMATCH"
	NonceMismatch          Code = "NONCE_MISMATCH"
	AudienceMismatch       Code = "AUDIENCE_MISMATCH"
	UnknownDeployment      Code = "UNKNOWN_DEPLOYMENT"
	UnsupportedMessageType Code = "UNSUPPORTED_MESSAGE_TYPE"
	InvalidClaims          Code = "INVALID_CLAIMS"
	UnknownKID             Code = "UNKNOWN_KID"
	BadSignature           Code = "BAD_SIGNATURE"
	Expired                Code = "EXPIRED"
	Unauthorized           Code = "UNAUTHORIZED"

	// Upstream dependencies
	EndpointUnreachable  Code = "ENDPOINT_UNREACHABLE"
	TokenRequestRejected Code = "TOKEN_REQUEST_REJECTED"
	ScoreRejected        Code = "SCORE_REJECTED"
	UpstreamUnavailable  Code = "UPSTREAM_UNAVAILABLE"

	// Launch / grade state
	LaunchNotFound       Code = "LAUNCH_NOT_FOUND"
	LaunchNotGradable    Code = "LAUNCH_NOT_GRADABLE"
	GradeInProgress      Code = "GRADE_IN_PROGRESS"
	NoLineItemConfigured Code = "NO_LINE_ITEM_CONFIGURED"
	ToolNotFound         Code = "TOOL_NOT_FOUND"
	ToolKeysUnavailable  Code = "TOOL_KEYS_UNAVAILABLE"

	Internal Code = "INTERNAL"
)

// Error is a classified failure. Message is safe to log; Err carries the raw cause.
type Error struct {
	Code      Code
	Message   string
	Retryable bool
	Err       error
}

// New creates an Error without an underlying cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under code.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Retry marks the error as transient (network failure, upstream 5xx). Nothing in this
// module retries on its own; the flag only tells the caller that re-invoking may succeed.
func (e *Error) Retry() *Error {
	e.Retryable = true
	return e
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by code, so errors.Is(err, ltierr.New(ltierr.NonceMismatch, "")) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// HTTPStatus maps the code to a response status.
func (e *Error) HTTPStatus() int {
	return StatusFor(e.Code)
}

// CodeOf extracts the code of err, or Internal when err is not classified.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// StatusFor maps error codes to HTTP status codes.
func StatusFor(code Code) int {
	switch code {
	case InvalidRequest:
		return http.StatusBadRequest
	case UnknownPlatform, InvalidState, IssuerMismatch, NonceMismatch, AudienceMismatch,
		UnknownDeployment, InvalidClaims, UnknownKID, BadSignature, Expired, Unauthorized:
		return http.StatusUnauthorized
	case UnsupportedMessageType:
		return http.StatusBadRequest
	case LaunchNotFound, ToolNotFound:
		return http.StatusNotFound
	case LaunchNotGradable, NoLineItemConfigured:
		return http.StatusUnprocessableEntity
	case GradeInProgress:
		return http.StatusConflict
	case EndpointUnreachable, TokenRequestRejected, ScoreRejected:
		return http.StatusBadGateway
	case UpstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
