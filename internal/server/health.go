package server

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	timestampLayout    = time.RFC3339
	bindingConfigured  = "configured"
	bindingUnreachable = "unreachable"
	checkTimeout       = 3 * time.Second
)

type healthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

type debugResponse struct {
	Bindings  map[string]string `json:"bindings"`
	Env       debugEnv          `json:"env"`
	Timestamp string            `json:"timestamp"`
}

type debugEnv struct {
	BasicAuth bool `json:"basic_auth"`
	Sessions  bool `json:"sessions"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponse{Status: "ok", Service: serviceName})
}

// handleDebug reports which backing services answer, never their settings.
func (h *httpHandler) handleDebug(c *gin.Context) {
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	bindings := make(map[string]string, len(names))
	for _, name := range names {
		ctx, cancel := context.WithTimeout(c.Request.Context(), checkTimeout)
		err := h.checks[name](ctx)
		cancel()
		if err != nil {
			h.logger.Warn("binding check failed", zap.String("binding", name), zap.Error(err))
			bindings[name] = bindingUnreachable
			continue
		}
		bindings[name] = bindingConfigured
	}

	c.JSON(http.StatusOK, debugResponse{
		Bindings:  bindings,
		Env:       debugEnv{BasicAuth: h.basic != nil, Sessions: h.sessions != nil},
		Timestamp: h.clock().UTC().Format(timestampLayout),
	})
}
