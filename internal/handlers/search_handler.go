package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/trip-booking-core/internal/models"
	"github.com/smarttransit/trip-booking-core/internal/services"
	"github.com/smarttransit/trip-booking-core/internal/utils"
)

// SearchHandler handles HTTP requests for trip search
type SearchHandler struct {
	service *services.SearchService
	logger  *logrus.Logger
}

// NewSearchHandler creates a new search handler
func NewSearchHandler(service *services.SearchService, logger *logrus.Logger) *SearchHandler {
	return &SearchHandler{
		service: service,
		logger:  logger,
	}
}

// SearchTrips handles POST /api/v1/search
// @Summary Search for available trips
// @Description Search the booking provider for departures between two places
// @Tags Search
// @Accept json
// @Produce json
// @Param search body models.SearchRequest true "Search parameters"
// @Success 200 {object} models.SearchResult
// @Failure 400 {object} map[string]interface{} "Invalid request"
// @Failure 504 {object} map[string]interface{} "Search did not complete in time"
// @Router /api/v1/search [post]
func (h *SearchHandler) SearchTrips(c *gin.Context) {
	var req models.SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, h.logger, err)
		return
	}

	h.logger.WithFields(logrus.Fields{
		"origin":      req.Origin,
		"destination": req.Destination,
		"date":        req.Date,
		"ip":          utils.GetRealIP(c),
	}).Debug("Search parameters parsed successfully")

	result, err := h.service.Search(c.Request.Context(), &req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"search":  result,
		"count":   len(result.Departures),
		"cached":  result.Cached,
		"message": "Search completed successfully",
	})
}
