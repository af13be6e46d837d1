package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/workspace-mcp/credbroker/internal/autherr"
	"github.com/workspace-mcp/credbroker/internal/logging"
)

// ErrorResponse is the body of every failed gateway request.
type ErrorResponse struct {
	Status string `json:"status"`
	Kind   string `json:"kind"`
	Error  string `json:"error"`
}

// WriteError renders err with the status implied by its kind. Unclassified
// errors become a generic 500 so internal details are not exposed.
func WriteError(c *gin.Context, err error) {
	WriteErrorStatus(c, 0, err)
}

// WriteErrorStatus renders err with an explicit status. A zero status derives
// the status from the error kind.
func WriteErrorStatus(c *gin.Context, status int, err error) {
	kind := autherr.KindOf(err)
	message := "internal error"
	var ae *autherr.Error
	if errors.As(err, &ae) {
		message = ae.Message
		if message == "" {
			message = string(ae.Kind)
		}
		if status == 0 {
			status = ae.StatusCode()
		}
	}
	if status == 0 {
		status = http.StatusInternalServerError
	}
	if kind == "" {
		kind = "internal"
	}
	entry := logging.FromContext(c.Request.Context()).WithFields(log.Fields{
		"kind": kind,
		"path": c.Request.URL.Path,
	})
	if ae != nil && ae.Identity != "" {
		entry = entry.WithField("identity", ae.Identity)
	}
	if status >= http.StatusInternalServerError {
		entry.WithError(err).Error("gateway: request failed")
	} else {
		entry.WithError(err).Debug("gateway: request rejected")
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, ErrorResponse{Status: "error", Kind: string(kind), Error: message})
}
