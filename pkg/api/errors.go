package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/piiagent/integrator/pkg/engine"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Status    int                    `json:"status"`
	Retriable bool                   `json:"retriable"`
	RequestID string                 `json:"request_id,omitempty"`
	Guide     *engine.Guide          `json:"guide,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

func newErrorResponse(c *gin.Context, err error) (int, ErrorResponse) {
	e := engine.AsError(err)
	status := e.HTTPStatus()
	resp := ErrorResponse{
		Code:      e.Code,
		Message:   e.Message,
		Status:    status,
		Retriable: e.Retriable(),
		RequestID: c.GetString(requestIDKey),
		Guide:     e.Guide,
		Details:   e.Details,
	}
	// Internal causes are logged, never returned.
	if e.Class == engine.ErrorClassInternal {
		resp.Details = nil
	}
	return status, resp
}

// abortWithError renders err and stops the handler chain.
func abortWithError(c *gin.Context, err error) {
	status, resp := newErrorResponse(c, err)
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, resp)
}

func badRequest(format string, args ...interface{}) error {
	return engine.NewValidationError(fmt.Sprintf(format, args...))
}

// bindJSON decodes the request body into dst. An empty body leaves dst untouched.
func bindJSON(c *gin.Context, dst interface{}) error {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		var ee *engine.Error
		if errors.As(err, &ee) {
			return ee
		}
		return badRequest("malformed request body: %v", err)
	}
	return nil
}

func notFoundRoute(c *gin.Context) {
	abortWithError(c, engine.NewNotFoundError(fmt.Sprintf("no route for %s %s", c.Request.Method, c.Request.URL.Path)))
}

func methodNotAllowed(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusMethodNotAllowed, ErrorResponse{
		Code:      "METHOD_NOT_ALLOWED",
		Message:   fmt.Sprintf("%s is not allowed on %s", c.Request.Method, c.Request.URL.Path),
		Status:    http.StatusMethodNotAllowed,
		RequestID: c.GetString(requestIDKey),
	})
}
