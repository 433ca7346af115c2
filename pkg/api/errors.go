package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/darwin-ops/brain/pkg/blackboard"
)

// abortStoreError maps blackboard errors to HTTP responses.
func abortStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, blackboard.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "event not found"})
	case errors.Is(err, blackboard.ErrAlreadyExists):
		c.JSON(http.StatusConflict, gin.H{"error": "event already exists"})
	case errors.Is(err, blackboard.ErrClosed):
		c.JSON(http.StatusConflict, gin.H{"error": "event is closed"})
	case errors.Is(err, blackboard.ErrStorageUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable"})
	default:
		slog.Error("Unexpected store error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
