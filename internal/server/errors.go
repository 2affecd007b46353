package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/imgstk/backend/internal/batches"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	codeRateLimited  = "RATE_LIMITED"
	codeUnauthorized = "UNAUTHORIZED"
)

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Timestamp string `json:"timestamp,omitempty"`
}

var kindStatus = map[batches.ErrorKind]int{
	batches.KindInvalidRequest:  http.StatusBadRequest,
	batches.KindTooManyFiles:    http.StatusBadRequest,
	batches.KindFileTooLarge:    http.StatusBadRequest,
	batches.KindInvalidFilename: http.StatusBadRequest,
	batches.KindBatchNotFound:   http.StatusNotFound,
	batches.KindImageNotFound:   http.StatusNotFound,
	batches.KindUploadFailed:    http.StatusInternalServerError,
	batches.KindDeleteFailed:    http.StatusInternalServerError,
	batches.KindDatabaseError:   http.StatusInternalServerError,
	batches.KindStorageError:    http.StatusInternalServerError,
	batches.KindInternalError:   http.StatusInternalServerError,
}

var kindMessage = map[batches.ErrorKind]string{
	batches.KindInvalidRequest:  "Invalid request",
	batches.KindFileTooLarge:    "File too large",
	batches.KindInvalidFilename: "Invalid filename",
	batches.KindBatchNotFound:   "Batch not found",
	batches.KindImageNotFound:   "Image not found",
	batches.KindUploadFailed:    "Upload failed",
	batches.KindDeleteFailed:    "Failed to delete",
	batches.KindDatabaseError:   "Database operation failed",
	batches.KindStorageError:    "Storage operation failed",
	batches.KindInternalError:   "Internal server error",
}

func statusForKind(kind batches.ErrorKind) int {
	if status, ok := kindStatus[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func (h *httpHandler) messageForKind(kind batches.ErrorKind) string {
	if kind == batches.KindTooManyFiles {
		return fmt.Sprintf("Maximum %d files allowed", h.upload.MaxFiles)
	}
	if message, ok := kindMessage[kind]; ok {
		return message
	}
	return kindMessage[batches.KindInternalError]
}

// respondServiceError maps err onto the API error body. The service has
// already logged its own failures; anything else is logged here.
func (h *httpHandler) respondServiceError(c *gin.Context, err error) {
	var serviceErr *batches.ServiceError
	if !errors.As(err, &serviceErr) {
		h.logger.Error("unclassified handler error", zap.String("route", c.FullPath()), zap.Error(err))
	}
	kind := batches.KindOf(err)
	abortWithError(c, statusForKind(kind), string(kind), h.messageForKind(kind))
}

func abortWithError(c *gin.Context, status int, code, message string) {
	response := errorResponse{Error: message, Code: code}
	if status >= http.StatusInternalServerError {
		response.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	c.AbortWithStatusJSON(status, response)
}
