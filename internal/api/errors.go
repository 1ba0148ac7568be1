package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/subculture-collective/clipper/clipsync/internal/errors"
)

// StatusError is a non-2xx response from the Clipper API.
type StatusError struct {
	Status  int
	Code    string
	Message string
	// Data is the envelope data or bare body. For 409 responses it holds
	// the server's current version of the entity.
	Data json.RawMessage
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("clipper api: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("clipper api: %d: %s", e.Status, e.Message)
}

// classify maps an HTTP status to an error code.
func classify(status int) errors.ErrorCode {
	switch {
	case status == http.StatusNotFound:
		return errors.ErrNotFound
	case status == http.StatusUnauthorized:
		return errors.ErrAuthExpired
	case status == http.StatusConflict:
		return errors.ErrConflict
	case status == http.StatusTooManyRequests:
		return errors.ErrRateLimited
	case status >= 500:
		return errors.ErrServer
	case status >= 400:
		return errors.ErrValidation
	default:
		return errors.ErrInternal
	}
}

func statusError(se *StatusError) *errors.AppError {
	return errors.Wrap(classify(se.Status), se.Message, se)
}

// transportError wraps a failure to reach the server.
func transportError(op string, err error) *errors.AppError {
	if stderrors.Is(err, context.Canceled) {
		return errors.Wrap(errors.ErrNetwork, op+": canceled", err)
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return errors.Wrap(errors.ErrNetwork, op+": timeout", err)
	}
	var urlErr *url.Error
	if stderrors.As(err, &urlErr) {
		return errors.Wrap(errors.ErrNetwork, op+": "+urlErr.Op, err)
	}
	return errors.Wrap(errors.ErrNetwork, op, err)
}

// ServerVersion returns the server's current entity carried by a CONFLICT
// error.
func ServerVersion(err error) (json.RawMessage, bool) {
	var se *StatusError
	if !stderrors.As(err, &se) || se.Status != http.StatusConflict || len(se.Data) == 0 {
		return nil, false
	}
	return se.Data, true
}

// StatusOf returns the HTTP status behind err, or 0.
func StatusOf(err error) int {
	var se *StatusError
	if stderrors.As(err, &se) {
		return se.Status
	}
	return 0
}
