package provisioning

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for address provisioning.
type Handler struct {
	provisioner *Provisioner
}

// NewHandler creates a new provisioning handler.
func NewHandler(provisioner *Provisioner) *Handler {
	return &Handler{provisioner: provisioner}
}

// RegisterRoutes sets up provisioning routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/wallet/address", h.EnsureAddress)
}

// EnsureAddress handles POST /v1/wallet/address
func (h *Handler) EnsureAddress(c *gin.Context) {
	address, err := h.provisioner.EnsureReceivingAddress(c.Request.Context())
	if err != nil {
		if errors.Is(err, ErrNotAuthenticated) {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "not_authenticated",
				"message": "Login required before provisioning",
			})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "provisioning_failed",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"address": address})
}
