package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/imgstk/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/imgstk/backend/internal/batches"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const adminSubjectContextKey = "imgstk_admin_subject"

type sessionResponse struct {
	Subject   string `json:"subject"`
	ExpiresAt string `json:"expires_at"`
}

// authorizeRequest accepts a valid session cookie first, then Basic credentials.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	if h.sessions != nil {
		session, err := h.sessions.FromRequest(c.Request)
		switch {
		case err == nil:
			c.Set(adminSubjectContextKey, session.Subject)
			c.Next()
			return
		case errors.Is(err, auth.ErrMissingSessionToken):
		case errors.Is(err, auth.ErrExpiredSessionToken):
			h.logger.Info("session token expired", zap.String("client_ip", c.ClientIP()))
		default:
			h.logger.Warn("session token rejected", zap.String("client_ip", c.ClientIP()), zap.Error(err))
		}
	}

	user, password, ok := c.Request.BasicAuth()
	if ok && h.basic.Matches(user, password) {
		c.Set(adminSubjectContextKey, h.basic.Username())
		c.Next()
		return
	}
	if ok {
		h.logger.Warn("basic credentials rejected", zap.String("client_ip", c.ClientIP()))
	}
	c.Header("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", auth.BasicRealm))
	abortWithError(c, http.StatusUnauthorized, codeUnauthorized, "Unauthorized")
}

func (h *httpHandler) handleCreateSession(c *gin.Context) {
	if h.sessions == nil {
		abortWithError(c, http.StatusBadRequest, string(batches.KindInvalidRequest), "Sessions are not enabled")
		return
	}
	session, err := h.sessions.Issue(c.GetString(adminSubjectContextKey))
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		abortWithError(c, http.StatusInternalServerError, string(batches.KindInternalError), kindMessage[batches.KindInternalError])
		return
	}
	http.SetCookie(c.Writer, h.sessions.Cookie(session, requestIsSecure(c.Request)))
	c.JSON(http.StatusOK, sessionResponse{Subject: session.Subject, ExpiresAt: session.ExpiresAt.Format(timestampLayout)})
}

func (h *httpHandler) handleDeleteSession(c *gin.Context) {
	if h.sessions != nil {
		http.SetCookie(c.Writer, h.sessions.ExpiredCookie(requestIsSecure(c.Request)))
	}
	c.Status(http.StatusNoContent)
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
