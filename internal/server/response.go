package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/subculture-collective/clipper/clipsync/internal/errors"
	"github.com/subculture-collective/clipper/clipsync/internal/logging"
)

// StandardResponse is the envelope of every JSON response.
type StandardResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Meta    interface{} `json:"meta,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
}

// ErrorInfo describes a failed request.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respond(c *gin.Context, status int, data interface{}, meta interface{}) {
	c.JSON(status, StandardResponse{Success: true, Data: data, Meta: meta})
}

func ok(c *gin.Context, data interface{}) {
	respond(c, http.StatusOK, data, nil)
}

func fail(c *gin.Context, status int, code errors.ErrorCode, message string) {
	c.AbortWithStatusJSON(status, StandardResponse{
		Error: &ErrorInfo{Code: string(code), Message: message},
	})
}

// statusFor maps error codes onto HTTP statuses.
func statusFor(code errors.ErrorCode) int {
	switch code {
	case errors.ErrValidation:
		return http.StatusBadRequest
	case errors.ErrNotFound:
		return http.StatusNotFound
	case errors.ErrConflict:
		return http.StatusConflict
	case errors.ErrAuthExpired:
		return http.StatusUnauthorized
	case errors.ErrRateLimited, errors.ErrQueueFull:
		return http.StatusTooManyRequests
	case errors.ErrOffline, errors.ErrNetwork, errors.ErrServer:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func failErr(c *gin.Context, err error) {
	code := errors.CodeOf(err)
	status := statusFor(code)
	message := err.Error()
	var appErr *errors.AppError
	if errors.As(err, &appErr) {
		message = appErr.Message
	}
	if status == http.StatusInternalServerError {
		logging.Error("request failed", err, map[string]interface{}{"path": c.FullPath()})
	}
	fail(c, status, code, message)
}
