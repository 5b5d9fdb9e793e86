package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/trip-booking-core/internal/models"
	"github.com/smarttransit/trip-booking-core/internal/services"
)

// PurchaseHandler handles HTTP requests for purchases
type PurchaseHandler struct {
	service *services.PurchaseService
	logger  *logrus.Logger
}

// NewPurchaseHandler creates a new purchase handler
func NewPurchaseHandler(service *services.PurchaseService, logger *logrus.Logger) *PurchaseHandler {
	return &PurchaseHandler{
		service: service,
		logger:  logger,
	}
}

// CreatePurchaseRequest is the body of POST /api/v1/purchases
type CreatePurchaseRequest struct {
	CartID string `json:"cart_id" binding:"required"`
	models.PurchaseOptions
}

// CreatePurchase handles POST /api/v1/purchases
func (h *PurchaseHandler) CreatePurchase(c *gin.Context) {
	var req CreatePurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, h.logger, err)
		return
	}

	handle, err := h.service.CreatePurchase(c.Request.Context(), req.CartID, req.PurchaseOptions)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	status := http.StatusCreated
	if handle.AlreadyBooked {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{
		"status":   "success",
		"purchase": handle,
	})
}

// GetPurchaseStatus handles GET /api/v1/purchases/:purchase_id/status?uuid=
func (h *PurchaseHandler) GetPurchaseStatus(c *gin.Context) {
	status, err := h.service.GetPurchaseStatus(c.Request.Context(), c.Param("purchase_id"), c.Query("uuid"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "success",
		"purchase": status,
	})
}

// CompletePurchase handles POST /api/v1/purchases/:purchase_id/complete?uuid=.
// A purchase still pending when polling gives up is answered with 202 so the
// caller can retry.
func (h *PurchaseHandler) CompletePurchase(c *gin.Context) {
	result, err := h.service.CompletePurchase(c.Request.Context(), c.Param("purchase_id"), c.Query("uuid"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	status := http.StatusOK
	if result.PollOutcome == models.PollOutcomeTimeout {
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{
		"status":   "success",
		"purchase": result,
	})
}
