package history

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sendguard/sendguard/internal/pagination"
	"github.com/sendguard/sendguard/internal/session"
)

// Handler provides HTTP endpoints for the activity view.
type Handler struct {
	store    Store
	sessions *session.Manager
}

// NewHandler creates a new activity handler.
func NewHandler(store Store, sessions *session.Manager) *Handler {
	return &Handler{store: store, sessions: sessions}
}

// RegisterRoutes sets up activity routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/activity", h.ListActivity)
}

// ListActivity handles GET /v1/activity
func (h *Handler) ListActivity(c *gin.Context) {
	sess, ok := h.sessions.Current()
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "not_authenticated",
			"message": "Login required",
		})
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "invalid cursor",
		})
		return
	}

	// Fetch one extra row to detect whether another page exists.
	entries, err := h.store.ListByPrincipal(c.Request.Context(), sess.Principal, limit+1, cursor)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	entries, next, hasMore := pagination.ComputePage(entries, limit, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	if entries == nil {
		entries = []*Entry{}
	}

	c.JSON(http.StatusOK, gin.H{
		"activity":    entries,
		"next_cursor": next,
		"has_more":    hasMore,
	})
}
