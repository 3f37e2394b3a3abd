package session

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for session operations.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new session handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterRoutes sets up session routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/auth/login", h.Login)
	r.POST("/auth/logout", h.Logout)
	r.GET("/auth/session", h.CurrentSession)
}

// Login handles POST /v1/auth/login
func (h *Handler) Login(c *gin.Context) {
	sess, err := h.manager.Login(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "login_failed",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"session": sess})
}

// Logout handles POST /v1/auth/logout
func (h *Handler) Logout(c *gin.Context) {
	if err := h.manager.Logout(c.Request.Context()); err != nil {
		if errors.Is(err, ErrNotAuthenticated) {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "not_authenticated",
				"message": "No active session",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "logged_out"})
}

// CurrentSession handles GET /v1/auth/session
func (h *Handler) CurrentSession(c *gin.Context) {
	sess, ok := h.manager.Current()
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "not_authenticated",
			"message": "No active session",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"session": sess})
}
