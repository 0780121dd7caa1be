package apierror

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/cellmark/cellmark/internal/ledgerclient"
	"github.com/cellmark/cellmark/model"
	"github.com/sirupsen/logrus"
)

type ErrorCode string

const (
	ErrNotFound       ErrorCode = "NOT_FOUND"
	ErrConflict       ErrorCode = "CONFLICT"
	ErrBadRequest     ErrorCode = "BAD_REQUEST"
	ErrInvalidInput   ErrorCode = "INVALID_INPUT"
	ErrForbidden      ErrorCode = "FORBIDDEN"
	ErrUnprocessable  ErrorCode = "UNPROCESSABLE"
	ErrUnavailable    ErrorCode = "LEDGER_UNAVAILABLE"
	ErrInternalServer ErrorCode = "INTERNAL_SERVER_ERROR"
)

type APIError struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Reason  string      `json:"reason,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

func (e APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewAPIError(code ErrorCode, message string, details interface{}) APIError {
	if details != nil {
		logrus.WithField("code", code).Error(details)
	}
	return APIError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// FromError translates domain errors into the API error a client should see.
func FromError(err error) APIError {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	var subErr *model.SubmissionError
	if errors.As(err, &subErr) {
		e := APIError{Message: subErr.Error(), Reason: string(subErr.Reason)}
		switch subErr.Reason {
		case model.SubmissionUnauthorized:
			e.Code = ErrForbidden
		case model.SubmissionConflict, model.SubmissionNotPending:
			e.Code = ErrConflict
		case model.SubmissionExpired, model.SubmissionRejected:
			e.Code = ErrUnprocessable
		default:
			e.Code = ErrInternalServer
		}
		return e
	}

	var violation *model.InvariantViolation
	switch {
	case errors.As(err, &violation):
		return APIError{Code: ErrConflict, Message: violation.Error(), Reason: "invariant_violation"}
	case errors.Is(err, model.ErrAssetNotWatched):
		return APIError{Code: ErrNotFound, Message: err.Error()}
	case errors.Is(err, model.ErrTransferAlreadyPending):
		return APIError{Code: ErrConflict, Message: err.Error()}
	case errors.Is(err, ledgerclient.ErrUnreachable):
		return APIError{Code: ErrUnavailable, Message: err.Error()}
	}
	return NewAPIError(ErrInternalServer, "internal server error", err.Error())
}

func MapErrorToHTTPStatus(err error) int {
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		return http.StatusInternalServerError
	}
	switch apiErr.Code {
	case ErrNotFound:
		return http.StatusNotFound
	case ErrConflict:
		return http.StatusConflict
	case ErrInvalidInput, ErrBadRequest:
		return http.StatusBadRequest
	case ErrForbidden:
		return http.StatusForbidden
	case ErrUnprocessable:
		return http.StatusUnprocessableEntity
	case ErrUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
