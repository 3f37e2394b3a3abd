package ledger

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sendguard/sendguard/internal/btc"
)

// Handler provides HTTP endpoints for balance and portfolio reads.
type Handler struct {
	wallet Wallet
}

// NewHandler creates a new ledger handler.
func NewHandler(wallet Wallet) *Handler {
	return &Handler{wallet: wallet}
}

// RegisterRoutes sets up wallet read routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallet/balance", h.GetBalance)
	r.GET("/wallet/portfolio", h.GetPortfolio)
}

// GetBalance handles GET /v1/wallet/balance
func (h *Handler) GetBalance(c *gin.Context) {
	balance, err := h.wallet.SpendableBalance(c.Request.Context())
	if err != nil {
		if errors.Is(err, ErrNotBound) {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "not_authenticated",
				"message": "Login required",
			})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "wallet_unavailable",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"balance":       balance,
		"spendable_btc": btc.Format(balance.Spendable),
	})
}

// GetPortfolio handles GET /v1/wallet/portfolio
func (h *Handler) GetPortfolio(c *gin.Context) {
	holdings, err := h.wallet.Portfolio(c.Request.Context())
	if err != nil {
		if errors.Is(err, ErrNotBound) {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "not_authenticated",
				"message": "Login required",
			})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "wallet_unavailable",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"holdings": holdings})
}
