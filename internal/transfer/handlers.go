package transfer

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for transfer workflows.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new transfer handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterRoutes sets up transfer routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transfers", h.Open)
	r.GET("/transfers/:id", h.Get)
	r.PATCH("/transfers/:id", h.Edit)
	r.POST("/transfers/:id/analyze", h.Analyze)
	r.POST("/transfers/:id/confirm", h.Confirm)
	r.POST("/transfers/:id/retry", h.Retry)
	r.POST("/transfers/:id/cancel", h.Cancel)
}

// timeoutRequest carries an optional caller-supplied deadline in
// milliseconds for remote-bound operations.
type timeoutRequest struct {
	TimeoutMs int64 `json:"timeoutMs"`
}

func (r timeoutRequest) duration() time.Duration {
	if r.TimeoutMs <= 0 {
		return 0
	}
	return time.Duration(r.TimeoutMs) * time.Millisecond
}

// Open handles POST /v1/transfers
func (h *Handler) Open(c *gin.Context) {
	view, err := h.manager.Open(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transfer": view})
}

// Get handles GET /v1/transfers/:id
func (h *Handler) Get(c *gin.Context) {
	view, err := h.manager.Get(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transfer": view})
}

// Edit handles PATCH /v1/transfers/:id
func (h *Handler) Edit(c *gin.Context) {
	var edit Edit
	if err := c.ShouldBindJSON(&edit); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	view, err := h.manager.ApplyEdit(c.Request.Context(), c.Param("id"), edit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transfer": view})
}

// Analyze handles POST /v1/transfers/:id/analyze
func (h *Handler) Analyze(c *gin.Context) {
	var req timeoutRequest
	_ = c.ShouldBindJSON(&req) // body is optional

	view, err := h.manager.Analyze(c.Request.Context(), c.Param("id"), req.duration())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transfer": view})
}

// Confirm handles POST /v1/transfers/:id/confirm
func (h *Handler) Confirm(c *gin.Context) {
	var req timeoutRequest
	_ = c.ShouldBindJSON(&req)

	view, err := h.manager.Confirm(c.Request.Context(), c.Param("id"), req.duration())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transfer": view})
}

// Retry handles POST /v1/transfers/:id/retry
func (h *Handler) Retry(c *gin.Context) {
	view, err := h.manager.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transfer": view})
}

// Cancel handles POST /v1/transfers/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	view, err := h.manager.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transfer": view})
}

func respondError(c *gin.Context, err error) {
	var werr *Error
	switch {
	case errors.Is(err, ErrWorkflowNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No such transfer workflow",
		})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_state",
			"message": err.Error(),
		})
	case errors.As(err, &werr):
		status := http.StatusBadRequest
		switch werr.Kind {
		case KindAuth:
			status = http.StatusUnauthorized
		case KindProvisioning, KindAnalysis, KindSubmission:
			status = http.StatusBadGateway
		}
		c.JSON(status, gin.H{
			"error":     string(werr.Kind) + "_error",
			"message":   werr.Message,
			"retryable": werr.Retryable,
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}
