package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/npezzotti/chatcore/internal/chat"
)

type ApiError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Err        error  `json:"-"`
}

func (e *ApiError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}

	return e.Message
}

func (e *ApiError) Unwrap() error {
	return e.Err
}

func lower(s string) string {
	return strings.ToLower(s)
}

func newApiError(status int, err error) *ApiError {
	return &ApiError{
		StatusCode: status,
		Message:    lower(http.StatusText(status)),
		Err:        err,
	}
}

func NewBadRequestError() *ApiError {
	return newApiError(http.StatusBadRequest, nil)
}

func NewNotFoundError() *ApiError {
	return newApiError(http.StatusNotFound, nil)
}

func NewInternalServerError(err error) *ApiError {
	return newApiError(http.StatusInternalServerError, err)
}

func NewUnauthorizedError() *ApiError {
	return newApiError(http.StatusUnauthorized, nil)
}

func NewForbiddenError() *ApiError {
	return newApiError(http.StatusForbidden, nil)
}

func NewServiceUnavailableError(err error) *ApiError {
	return newApiError(http.StatusServiceUnavailable, err)
}

// errorFor maps a chat failure onto its HTTP response. Internal failures
// never expose their cause.
func errorFor(err error) *ApiError {
	var apiErr *ApiError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	var chatErr *chat.Error
	if !errors.As(err, &chatErr) {
		return NewInternalServerError(err)
	}

	var status int
	switch chatErr.Kind {
	case chat.KindValidation:
		status = http.StatusBadRequest
	case chat.KindAuthorization:
		status = http.StatusForbidden
	case chat.KindNotFound:
		status = http.StatusNotFound
	case chat.KindInvariant:
		status = http.StatusConflict
	default:
		return NewInternalServerError(err)
	}

	return &ApiError{
		StatusCode: status,
		Message:    chatErr.Msg,
		Err:        err,
	}
}
