package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/imgstk/backend/internal/batches"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const dateLayout = "2006-01-02"

type listBatchesResponse struct {
	Batches []batches.BatchSummary `json:"batches"`
	Count   int                    `json:"count"`
}

type deleteBatchResponse struct {
	Deleted int `json:"deleted"`
}

type markdownResponse struct {
	Markdown string `json:"markdown"`
}

func (h *httpHandler) handleListBatches(c *gin.Context) {
	filter, err := parseListFilter(c)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, string(batches.KindInvalidRequest), err.Error())
		return
	}
	summaries, err := h.batches.ListBatches(c.Request.Context(), filter)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	if summaries == nil {
		summaries = []batches.BatchSummary{}
	}
	c.JSON(http.StatusOK, listBatchesResponse{Batches: summaries, Count: len(summaries)})
}

// parseListFilter reads search, from and to. Both dates are UTC calendar days
// and to is inclusive.
func parseListFilter(c *gin.Context) (batches.ListFilter, error) {
	filter := batches.ListFilter{Search: strings.TrimSpace(c.Query("search"))}
	if from := strings.TrimSpace(c.Query("from")); from != "" {
		parsed, err := time.ParseInLocation(dateLayout, from, time.UTC)
		if err != nil {
			return batches.ListFilter{}, fmt.Errorf("from must be formatted as %s", dateLayout)
		}
		filter.From = parsed
	}
	if to := strings.TrimSpace(c.Query("to")); to != "" {
		parsed, err := time.ParseInLocation(dateLayout, to, time.UTC)
		if err != nil {
			return batches.ListFilter{}, fmt.Errorf("to must be formatted as %s", dateLayout)
		}
		filter.To = parsed.AddDate(0, 0, 1)
	}
	return filter, nil
}

func (h *httpHandler) handleGetBatch(c *gin.Context) {
	detail, err := h.batches.GetBatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (h *httpHandler) handleDeleteBatch(c *gin.Context) {
	deleted, err := h.batches.DeleteBatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, deleteBatchResponse{Deleted: deleted})
}

func (h *httpHandler) handleMarkdown(c *gin.Context) {
	markdown, err := h.batches.Markdown(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, markdownResponse{Markdown: markdown})
}

// handleArchive resolves the batch before any bytes are written so lookup
// failures still produce a JSON error.
func (h *httpHandler) handleArchive(c *gin.Context) {
	batchID := c.Param("id")
	if _, err := h.batches.GetBatch(c.Request.Context(), batchID); err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.Header("Content-Type", "application/zip")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "batch-"+batchID+".zip"))
	c.Status(http.StatusOK)
	missing, err := h.batches.WriteArchive(c.Request.Context(), batchID, c.Writer)
	if err != nil {
		// Headers are gone; the truncated stream is the only signal left.
		h.logger.Warn("archive stream aborted", zap.String("batch_id", batchID), zap.Error(err))
		c.Abort()
		return
	}
	if len(missing) > 0 {
		h.logger.Info("archive written with missing blobs", zap.String("batch_id", batchID), zap.Strings("missing", missing))
	}
}

func (h *httpHandler) handleDeleteImage(c *gin.Context) {
	deleted, err := h.batches.DeleteImage(c.Request.Context(), c.Param("filename"))
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, deleted)
}

// handleEvents streams catalogue changes as server-sent events.
func (h *httpHandler) handleEvents(c *gin.Context) {
	ctx := c.Request.Context()
	stream, cleanup := h.events.Subscribe(ctx)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-stream:
			c.SSEvent(string(event.Type), event)
			c.Writer.Flush()
		case tick := <-ticker.C:
			c.SSEvent(eventHeartbeat, gin.H{"timestamp": tick.UTC().Format(timestampLayout)})
			c.Writer.Flush()
		}
	}
}
