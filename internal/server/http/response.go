package http

import (
	"errors"
	nethttp "net/http"

	"github.com/gin-gonic/gin"

	fmerrors "foreman/internal/errors"
	"foreman/internal/server/app"
)

// Error codes carried in the response envelope.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeForbidden          = "FORBIDDEN"
	CodeNotFound           = "NOT_FOUND"
	CodeConflict           = "CONFLICT"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeInternalError      = "INTERNAL_ERROR"
)

// APIError is the error half of the response envelope.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type envelope struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data,omitempty"`
	Error     *APIError `json:"error,omitempty"`
	RequestID string    `json:"requestId"`
}

func respond(c *gin.Context, status int, data any) {
	c.JSON(status, envelope{
		Success:   true,
		Data:      data,
		RequestID: requestID(c),
	})
}

func fail(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, envelope{
		Success:   false,
		Error:     &APIError{Code: code, Message: message},
		RequestID: requestID(c),
	})
}

// failFrom maps service-layer errors onto HTTP status and envelope codes.
func failFrom(c *gin.Context, err error) {
	var (
		validation *app.ValidationError
		conflict   *app.ConflictError
		notFound   *fmerrors.NotFoundError
		queueFull  *fmerrors.QueueFullError
		duplicate  *fmerrors.AlreadyEnqueuedError
		exhausted  *fmerrors.ResourceExhaustedError
	)
	switch {
	case errors.As(err, &validation):
		fail(c, nethttp.StatusBadRequest, CodeBadRequest, validation.Error())
	case errors.As(err, &notFound):
		fail(c, nethttp.StatusNotFound, CodeNotFound, notFound.Error())
	case errors.As(err, &conflict):
		fail(c, nethttp.StatusConflict, CodeConflict, conflict.Error())
	case errors.As(err, &duplicate):
		fail(c, nethttp.StatusConflict, CodeConflict, duplicate.Error())
	case errors.As(err, &queueFull):
		fail(c, nethttp.StatusServiceUnavailable, CodeServiceUnavailable, queueFull.Error())
	case errors.As(err, &exhausted):
		fail(c, nethttp.StatusServiceUnavailable, CodeServiceUnavailable, exhausted.Error())
	default:
		fail(c, nethttp.StatusInternalServerError, CodeInternalError, err.Error())
	}
}
