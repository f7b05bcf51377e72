package server

import (
	stderrors "errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rileyhilliard/fleet/internal/errors"
)

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error      string `json:"error"`
	Code       string `json:"code,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

var statusByCode = map[string]int{
	errors.ErrNotFound: http.StatusNotFound,
	errors.ErrConfig:   http.StatusBadRequest,
	errors.ErrBlocked:  http.StatusForbidden,
	errors.ErrTransfer: http.StatusConflict,
	errors.ErrAuth:     http.StatusBadGateway,
	errors.ErrNetwork:  http.StatusBadGateway,
	errors.ErrSSH:      http.StatusBadGateway,
	errors.ErrExec:     http.StatusServiceUnavailable,
}

// errorHandler renders structured errors with a status derived from their
// code and echo's own errors with theirs.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	body := ErrorResponse{Error: "internal error"}

	var he *echo.HTTPError
	var fe *errors.Error
	switch {
	case stderrors.As(err, &fe):
		if st, ok := statusByCode[fe.Code]; ok {
			status = st
		}
		body = ErrorResponse{Error: errors.Summary(fe), Code: fe.Code, Suggestion: fe.Suggestion}
	case stderrors.As(err, &he):
		status = he.Code
		body.Error = http.StatusText(he.Code)
		if msg, ok := he.Message.(string); ok {
			body.Error = msg
		}
	}

	if status >= http.StatusInternalServerError {
		s.log.Error("%s %s: %v", c.Request().Method, c.Request().URL.Path, err)
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, body)
	}
	if err != nil {
		s.log.Warn("couldn't write error response: %v", err)
	}
}
