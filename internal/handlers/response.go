package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/trip-booking-core/internal/models"
)

// statusForKind maps an error kind to the HTTP status returned to callers
var statusForKind = map[models.ErrorKind]int{
	models.KindValidation:        http.StatusBadRequest,
	models.KindUpstreamNotFound:  http.StatusNotFound,
	models.KindCartExpired:       http.StatusGone,
	models.KindCartInvalid:       http.StatusUnprocessableEntity,
	models.KindUpstreamBusiness:  http.StatusUnprocessableEntity,
	models.KindConflict:          http.StatusConflict,
	models.KindUpstreamTransient: http.StatusBadGateway,
	models.KindTimeout:           http.StatusGatewayTimeout,
	models.KindPersistence:       http.StatusInternalServerError,
}

// StatusForError returns the HTTP status for err
func StatusForError(err error) int {
	if status, ok := statusForKind[models.KindOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// respondError writes err as a JSON error body. Server-side failures are
// logged at Error, caller mistakes at Warn.
func respondError(c *gin.Context, logger *logrus.Logger, err error) {
	status := StatusForError(err)
	kind := models.KindOf(err)

	body := gin.H{
		"status":  "error",
		"error":   kind,
		"message": err.Error(),
	}
	if be, ok := models.AsBookingError(err); ok {
		body["message"] = be.Message
		if be.Code != "" {
			body["code"] = be.Code
		}
		if be.CartID != "" {
			body["cart_id"] = be.CartID
		}
		if be.StatusCode != 0 {
			body["upstream_status"] = be.StatusCode
		}
	}

	entry := logger.WithFields(logrus.Fields{
		"kind":   kind,
		"status": status,
		"path":   c.Request.URL.Path,
	}).WithError(err)
	if status >= 500 {
		entry.Error("Request failed")
	} else {
		entry.Warn("Request rejected")
	}

	c.JSON(status, body)
}

// bindError reports a malformed request body
func bindError(c *gin.Context, logger *logrus.Logger, err error) {
	logger.WithError(err).Warn("Invalid request format")
	c.JSON(http.StatusBadRequest, gin.H{
		"status":  "error",
		"error":   models.KindValidation,
		"message": "Invalid request format",
	})
}
