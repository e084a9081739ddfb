// Package syncerr описывает коды ошибок, которые синхронизация отдает наружу.
package syncerr

import (
	"context"
	"errors"
)

type Code string

const (
	AuthExpired    Code = "AUTH_EXPIRED"
	Transport      Code = "TRANSPORT_ERROR"
	Validation     Code = "VALIDATION_ERROR"
	Conflict       Code = "CONFLICT"
	SchemaMismatch Code = "SCHEMA_MISMATCH"
)

// Error ошибка с кодом из таксономии синхронизации
type Error struct {
	Err     error
	Message string
	Code    Code
}

func (e *Error) Error() string {
	if e.Message != "" {
		if e.Err != nil {
			return string(e.Code) + ": " + e.Message + ": " + e.Err.Error()
		}
		return string(e.Code) + ": " + e.Message
	}
	if e.Err != nil {
		return string(e.Code) + ": " + e.Err.Error()
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf возвращает код ошибки или пустую строку
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

func IsAuth(err error) bool {
	return CodeOf(err) == AuthExpired
}

// IsTransient сообщает, имеет ли смысл повторить запрос
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return CodeOf(err) == Transport
}
