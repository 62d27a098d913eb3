package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// operatorIDKey holds the authenticated operator id in the gin context.
const operatorIDKey = "operatorId"

const (
	errMissingAuth = "missing Authorization header"
	errBadAuth     = "invalid Authorization header format"
	errBadToken    = "invalid or expired token"
)

// operatorMiddleware requires a bearer token in the Authorization header.
func (h *Handler) operatorMiddleware(c *gin.Context) {
	token, msg := bearerToken(c.GetHeader("Authorization"))
	if msg != "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
		return
	}
	h.authorize(c, token)
}

// streamMiddleware also accepts ?access_token= since browsers cannot set
// headers on a websocket handshake.
func (h *Handler) streamMiddleware(c *gin.Context) {
	if token := c.Query("access_token"); token != "" {
		h.authorize(c, token)
		return
	}
	h.operatorMiddleware(c)
}

func (h *Handler) authorize(c *gin.Context, token string) {
	operatorID, err := h.services.ParseToken(token)
	if err != nil {
		if h.log != nil {
			h.log.Debugw("auth_token_rejected", "path", c.FullPath(), "err", err)
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errBadToken})
		return
	}
	c.Set(operatorIDKey, operatorID)
	c.Next()
}

// bearerToken returns the token or a user facing error message.
func bearerToken(header string) (string, string) {
	if header == "" {
		return "", errMissingAuth
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", errBadAuth
	}
	return strings.TrimSpace(token), ""
}
