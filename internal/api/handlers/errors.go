package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/your-org/presence/internal/attendance"
	"github.com/your-org/presence/internal/cache"
	"github.com/your-org/presence/internal/jobs"
	"github.com/your-org/presence/internal/models"
	"github.com/your-org/presence/internal/recognition"
)

// maxImageBytes bounds uploaded enrollment and capture images.
const maxImageBytes = 10 << 20

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrMissingTenant),
		errors.Is(err, cache.ErrUnknownPool),
		errors.Is(err, attendance.ErrInvalidStatus):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrIdentityNotFound),
		errors.Is(err, jobs.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, recognition.ErrDuplicateEnrollment),
		errors.Is(err, jobs.ErrJobRunning):
		return http.StatusConflict
	case errors.Is(err, cache.ErrDimensionMismatch),
		errors.Is(err, cache.ErrModelMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, jobs.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// readImage reads the "image" multipart file.
func readImage(c *gin.Context) ([]byte, bool) {
	file, _, err := c.Request.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file required"})
		return nil, false
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxImageBytes+1))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "read image failed"})
		return nil, false
	}
	if len(data) > maxImageBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
		return nil, false
	}
	if len(data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is empty"})
		return nil, false
	}
	return data, true
}
