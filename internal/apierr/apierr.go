// Package apierr provides the agent session core's standardized error
// envelope, generalized from internal/errors package: a
// machine-readable code, a human message, optional details, and an HTTP
// status. Unlike the prior design, most of our codes map to HTTP 200 — 
// is explicit that "the envelope, not the status, conveys business
// failure"; only privilege failures (403) and a handful of transport-level
// conditions get a non-200 status.
package apierr

import (
	"fmt"
	"net/http"
)

// Code is a machine-readable error identifier, exactly table.
type Code string

const (
	CodeInvalidStateChange Code = "INVALID_STATE_CHANGE"
	CodeInvalidMediaCall   Code = "INVALID_MEDIA_CALL"
	CodeMediaNoExists      Code = "MEDIA_NOEXISTS"
	CodeAgentNoExists      Code = "AGENT_NOEXISTS"
	CodeBadRequest         Code = "BAD_REQUEST"
	CodePollReplaced       Code = "POLL_PID_REPLACED"
	CodeUnknownError       Code = "UNKNOWN_ERROR"
	CodeAlreadyLoggedIn    Code = "ALREADY_LOGGED_IN"

	// Ambient additions always carries alongside a domain error
	// table (ServiceUnavailable/InternalServer/Forbidden in errors.go).
	CodeForbidden       Code = "FORBIDDEN"
	CodeInternalServer  Code = "INTERNAL_SERVER_ERROR"
)

// Error is the envelope error type. It implements the error interface so it
// can flow through normal Go error handling until it reaches the gateway or
// listener boundary, where ToResponse() shapes it for JSON.
type Error struct {
	Code       Code   `json:"errcode"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	StatusCode int    `json:"-"`
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s - %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New builds an Error with the status code assign to code.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, StatusCode: statusFor(code)}
}

// Wrap attaches an underlying error's message as Details.
func Wrap(code Code, message string, err error) *Error {
	e := New(code, message)
	if err != nil {
		e.Details = err.Error()
	}
	return e
}

func statusFor(code Code) int {
	switch code {
	case CodeForbidden:
		return http.StatusForbidden
	case CodeInternalServer:
		return http.StatusInternalServerError
	default:
		// INVALID_STATE_CHANGE, INVALID_MEDIA_CALL, MEDIA_NOEXISTS,
		// AGENT_NOEXISTS, BAD_REQUEST, POLL_PID_REPLACED, UNKNOWN_ERROR:
		// envelope-authoritative, transport status stays 200 — the envelope
		// itself conveys business failure, not the HTTP status line.
		return http.StatusOK
	}
}

// Envelope is the three-shape response body mandates.
type Envelope struct {
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	ErrCode Code   `json:"errcode,omitempty"`
	Message string `json:"message,omitempty"`
}

// OK builds the success-empty or success-value envelope.
func OK(result any) Envelope {
	return Envelope{Success: true, Result: result}
}

// FromError builds the error envelope.
func FromError(err *Error) Envelope {
	return Envelope{Success: false, ErrCode: err.Code, Message: err.Message}
}

// Common constructors mirroring table.

func InvalidStateChange(message string) *Error {
	return New(CodeInvalidStateChange, message)
}

func InvalidMediaCall(message string) *Error {
	return New(CodeInvalidMediaCall, message)
}

func MediaNoExists(mediaType string) *Error {
	return New(CodeMediaNoExists, fmt.Sprintf("media driver/type %q not available", mediaType))
}

func AgentNoExists(login string) *Error {
	return New(CodeAgentNoExists, fmt.Sprintf("agent %q not found", login))
}

func BadRequest(message string) *Error {
	return New(CodeBadRequest, message)
}

func PollReplaced() *Error {
	return New(CodePollReplaced, "this long poll was displaced by a newer one")
}

func Unknown(err error) *Error {
	return Wrap(CodeUnknownError, "collaborator failed with an unclassified reason", err)
}

func AlreadyLoggedIn(login string) *Error {
	return New(CodeAlreadyLoggedIn, fmt.Sprintf("agent %q is already logged in", login))
}

func Forbidden(message string) *Error {
	return New(CodeForbidden, message)
}

func InternalServer(message string) *Error {
	return New(CodeInternalServer, message)
}
