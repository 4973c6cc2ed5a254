package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"donation-gateway/internal/database"
	"donation-gateway/internal/service"
)

// Handler wires the gateway RPC endpoint and the browser-facing
// side-channel onto a gin engine.
type Handler struct {
	merchant     service.MerchantService
	db           database.Service
	merchantKey  string
	accountField string
}

func New(merchant service.MerchantService, db database.Service, merchantKey, accountField string) *Handler {
	return &Handler{
		merchant:     merchant,
		db:           db,
		merchantKey:  merchantKey,
		accountField: accountField,
	}
}

func (h *Handler) Register(r *gin.Engine) {
	r.POST("/api/gateway", h.RPC)
	r.POST("/api/donations", h.CreateDonation)
	r.GET("/health", h.Health)
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, h.db.Health())
}

type createDonationRequest struct {
	ID     string `json:"id"`
	Amount int64  `json:"amount" binding:"required,gt=0"`
}

// CreateDonation is the checkout-initiation collaborator: it records
// the donation the payer is about to be redirected to the gateway for.
func (h *Handler) CreateDonation(c *gin.Context) {
	var req createDonationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	donation, err := h.merchant.CreateDonation(c.Request.Context(), req.ID, req.Amount)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create donation"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": donation.ID, "amount": donation.Amount})
}
