package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/trip-booking-core/internal/models"
	"github.com/smarttransit/trip-booking-core/internal/services"
)

// CartHandler handles HTTP requests for carts
type CartHandler struct {
	service *services.CartService
	logger  *logrus.Logger
}

// NewCartHandler creates a new cart handler
func NewCartHandler(service *services.CartService, logger *logrus.Logger) *CartHandler {
	return &CartHandler{
		service: service,
		logger:  logger,
	}
}

// CreateCartRequest is the body of POST /api/v1/carts
type CreateCartRequest struct {
	Currency string `json:"currency"`
}

// CreateCart handles POST /api/v1/carts
func (h *CartHandler) CreateCart(c *gin.Context) {
	var req CreateCartRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			bindError(c, h.logger, err)
			return
		}
	}

	cart, err := h.service.CreateCart(c.Request.Context(), req.Currency)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"status": "success",
		"cart":   cart,
	})
}

// GetCart handles GET /api/v1/carts/:cart_id
func (h *CartHandler) GetCart(c *gin.Context) {
	cart, err := h.service.GetCart(c.Request.Context(), c.Param("cart_id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "success",
		"cart":   cart,
	})
}

// AddTripKey is the in-flight key of an add-trip request: the trip ids joined
// as tripId[+returnTripId]. The body is cached on the context so the handler
// can bind it again.
func AddTripKey(c *gin.Context) string {
	var req models.AddTripRequest
	if err := c.ShouldBindBodyWith(&req, binding.JSON); err != nil {
		return ""
	}
	return req.CompositeKey()
}

// AddTrip handles POST /api/v1/carts/:cart_id/trips
func (h *CartHandler) AddTrip(c *gin.Context) {
	var req models.AddTripRequest
	if err := c.ShouldBindBodyWith(&req, binding.JSON); err != nil {
		bindError(c, h.logger, err)
		return
	}
	req.CartID = c.Param("cart_id")

	cart, err := h.service.AddTrip(c.Request.Context(), &req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	status := http.StatusOK
	if !cart.Idempotent {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{
		"status": "success",
		"cart":   cart,
	})
}

// RemoveTrip handles DELETE /api/v1/carts/:cart_id/trips/:trip_id
func (h *CartHandler) RemoveTrip(c *gin.Context) {
	if err := h.service.RemoveTrip(c.Request.Context(), c.Param("cart_id"), c.Param("trip_id")); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RemoveItem handles DELETE /api/v1/carts/:cart_id/items/:item_id
func (h *CartHandler) RemoveItem(c *gin.Context) {
	if err := h.service.RemoveItem(c.Request.Context(), c.Param("cart_id"), c.Param("item_id")); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// UpdatePassengers handles PUT /api/v1/carts/:cart_id/trips/:trip_id/passengers
func (h *CartHandler) UpdatePassengers(c *gin.Context) {
	var req models.UpdatePassengersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, h.logger, err)
		return
	}
	req.CartID = c.Param("cart_id")
	req.TripID = c.Param("trip_id")

	fragment, err := h.service.UpdatePassengers(c.Request.Context(), &req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "success",
		"trip":   fragment,
	})
}

// UpdatePurchaser handles PUT /api/v1/carts/:cart_id/purchaser
func (h *CartHandler) UpdatePurchaser(c *gin.Context) {
	var purchaser models.Purchaser
	if err := c.ShouldBindJSON(&purchaser); err != nil {
		bindError(c, h.logger, err)
		return
	}

	record, err := h.service.UpdatePurchaser(c.Request.Context(), c.Param("cart_id"), purchaser)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "success",
		"purchaser": record,
	})
}

// GetCharges handles GET /api/v1/carts/:cart_id/charges
func (h *CartHandler) GetCharges(c *gin.Context) {
	charges, err := h.service.GetCharges(c.Request.Context(), c.Param("cart_id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"charges": charges,
	})
}

// AcceptCharges handles PUT /api/v1/carts/:cart_id/charges. The body is the
// charges object previously returned by GetCharges.
func (h *CartHandler) AcceptCharges(c *gin.Context) {
	var charges models.Charges
	if err := c.ShouldBindJSON(&charges); err != nil {
		bindError(c, h.logger, err)
		return
	}

	accepted, err := h.service.AcceptCharges(c.Request.Context(), c.Param("cart_id"), &charges)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"charges": accepted,
	})
}
