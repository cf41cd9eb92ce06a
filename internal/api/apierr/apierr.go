// Package apierr renders lifecycle errors as JSON responses with a stable
// machine-readable code.
package apierr

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/channelhub/channelhub/internal/instance"
)

// StatusTooEarly is returned while a pairing code is likely being scanned.
const StatusTooEarly = 425

var statusByCode = map[instance.Code]int{
	instance.CodeInvalidTransition:      http.StatusConflict,
	instance.CodeAlreadyConnected:       http.StatusConflict,
	instance.CodeConcurrentModification: http.StatusConflict,
	instance.CodeAlreadyExists:          http.StatusConflict,
	instance.CodeInstanceNotFound:       http.StatusNotFound,
	instance.CodeInstanceQuarantined:    http.StatusLocked,
	instance.CodeScanInProgress:         StatusTooEarly,
	instance.CodeInvalidInput:           http.StatusBadRequest,
	instance.CodeProviderFailure:        http.StatusBadGateway,
}

// StatusFor returns the HTTP status for a lifecycle error code.
func StatusFor(code instance.Code) int {
	if s, ok := statusByCode[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Write aborts the request with the JSON form of err.
// Errors without a lifecycle code are logged and reported as internal errors.
func Write(c *gin.Context, err error) {
	var lerr *instance.Error
	if !errors.As(err, &lerr) {
		slog.Error("request failed", "path", c.FullPath(), "error", err,
			"request_id", c.GetString("request_id"))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error": "Internal server error",
			"code":  "internal_error",
		})
		return
	}

	body := gin.H{
		"error": lerr.Message,
		"code":  lerr.Code,
	}
	if lerr.InstanceID != "" {
		body["instance_id"] = lerr.InstanceID
	}
	if lerr.Current != "" {
		body["current_status"] = lerr.Current
	}
	if lerr.Requested != "" {
		body["requested_status"] = lerr.Requested
	}
	if body["error"] == "" {
		body["error"] = string(lerr.Code)
	}
	c.AbortWithStatusJSON(StatusFor(lerr.Code), body)
}

// BadRequest aborts with an invalid_input error.
func BadRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error": msg,
		"code":  instance.CodeInvalidInput,
	})
}
