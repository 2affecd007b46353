package server

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/imgstk/backend/internal/batches"
	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const dataURLPrefix = "data:"

var errMalformedFileData = errors.New("file data is not valid base64")

type uploadRequestPayload struct {
	BatchTitle string              `json:"batchTitle"`
	Files      []uploadFilePayload `json:"files"`
}

type uploadFilePayload struct {
	Name string `json:"name"`
	Data string `json:"data"`
	Size int64  `json:"size"`
	Type string `json:"type"`
}

func (h *httpHandler) handleUpload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.upload.MaxRequestBytes)

	var request uploadRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			abortWithError(c, http.StatusBadRequest, string(batches.KindFileTooLarge), "Request body too large")
			return
		}
		abortWithError(c, http.StatusBadRequest, string(batches.KindInvalidRequest), "Invalid request body")
		return
	}
	if len(request.Files) > h.upload.MaxFiles {
		abortWithError(c, http.StatusBadRequest, string(batches.KindTooManyFiles), h.messageForKind(batches.KindTooManyFiles))
		return
	}

	files := make([]batches.UploadFile, 0, len(request.Files))
	for index, payload := range request.Files {
		data, declaredMIME, err := decodeFileData(payload.Data)
		if err != nil {
			h.logger.Info("rejected upload file", zap.Int("index", index), zap.String("name", payload.Name), zap.Error(err))
			abortWithError(c, http.StatusBadRequest, string(batches.KindInvalidRequest), fmt.Sprintf("File %d has invalid data", index+1))
			return
		}
		files = append(files, batches.UploadFile{
			Name: payload.Name,
			Data: data,
			MIME: resolveMIME(payload.Type, declaredMIME, data),
		})
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.upload.Timeout)
	defer cancel()
	result, err := h.batches.Commit(ctx, request.BatchTitle, files)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// decodeFileData accepts bare base64 or a data URL and returns the bytes with
// the MIME type named in the data URL header, if any.
func decodeFileData(value string) ([]byte, string, error) {
	encoded := strings.TrimSpace(value)
	declared := ""
	if strings.HasPrefix(encoded, dataURLPrefix) {
		header, body, found := strings.Cut(encoded, ",")
		if !found {
			return nil, "", errMalformedFileData
		}
		header = strings.TrimPrefix(header, dataURLPrefix)
		mediaType, _, _ := strings.Cut(header, ";")
		declared = strings.TrimSpace(mediaType)
		encoded = body
	}
	if encoded == "" {
		return nil, "", errMalformedFileData
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err == nil {
		return data, declared, nil
	}
	data, rawErr := base64.RawStdEncoding.DecodeString(encoded)
	if rawErr != nil {
		return nil, "", fmt.Errorf("%w: %v", errMalformedFileData, err)
	}
	return data, declared, nil
}

// resolveMIME prefers the client's declared type, then the data URL header,
// then content sniffing.
func resolveMIME(fieldType, dataURLType string, data []byte) string {
	if trimmed := strings.TrimSpace(fieldType); trimmed != "" {
		return strings.ToLower(trimmed)
	}
	if dataURLType != "" {
		return strings.ToLower(dataURLType)
	}
	return mimetype.Detect(data).String()
}
