package models

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a classroom error. Codes travel on the wire in error messages.
type ErrorCode string

const (
	CodeNotAuthorized      ErrorCode = "NOT_AUTHORIZED"
	CodeInvalidState       ErrorCode = "INVALID_STATE"
	CodeInvalidPoll        ErrorCode = "INVALID_POLL"
	CodeInvalidOption      ErrorCode = "INVALID_OPTION"
	CodePollNotOpen        ErrorCode = "POLL_NOT_OPEN"
	CodeRoleConflict       ErrorCode = "ROLE_CONFLICT"
	CodeRoomNotFound       ErrorCode = "ROOM_NOT_FOUND"
	CodeTransportFailure   ErrorCode = "TRANSPORT_FAILURE"
	CodeReconnectExhausted ErrorCode = "RECONNECT_EXHAUSTED"
	CodeInternal           ErrorCode = "INTERNAL"
)

// Error is a classified error. Two errors match under errors.Is when their codes match.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is checks.
var (
	ErrNotAuthorized      = &Error{Code: CodeNotAuthorized, Message: "not authorized"}
	ErrInvalidState       = &Error{Code: CodeInvalidState, Message: "invalid state"}
	ErrInvalidPoll        = &Error{Code: CodeInvalidPoll, Message: "invalid poll"}
	ErrInvalidOption      = &Error{Code: CodeInvalidOption, Message: "invalid option"}
	ErrPollNotOpen        = &Error{Code: CodePollNotOpen, Message: "poll is not open"}
	ErrRoleConflict       = &Error{Code: CodeRoleConflict, Message: "room already has a teacher"}
	ErrRoomNotFound       = &Error{Code: CodeRoomNotFound, Message: "room does not exist"}
	ErrTransportFailure   = &Error{Code: CodeTransportFailure, Message: "transport failure"}
	ErrReconnectExhausted = &Error{Code: CodeReconnectExhausted, Message: "reconnect attempts exhausted"}
)

// Errorf builds a classified error with a formatted message.
func Errorf(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the code of a classified error, or CodeInternal for anything else.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
