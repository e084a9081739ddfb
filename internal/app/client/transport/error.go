package transport

import (
	"errors"
	"fmt"
	"net/http"

	"sitesync/internal/domain/syncerr"
)

var ErrEmptyBaseURL = errors.New("адрес сервера не задан")

// StatusError ответ сервера с кодом ошибки
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("сервер вернул статус %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("сервер вернул статус %d", e.StatusCode)
}

// classify переводит HTTP-статус в код синхронизации
func classify(status int, message string) error {
	err := &StatusError{StatusCode: status, Message: message}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return syncerr.Wrap(syncerr.AuthExpired, "требуется повторная аутентификация", err)
	case status >= 500 || status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return syncerr.Wrap(syncerr.Transport, "ошибка сервера", err)
	default:
		return syncerr.Wrap(syncerr.Validation, "запрос отклонен", err)
	}
}
