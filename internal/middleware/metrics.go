package middleware

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/smarttransit/trip-booking-core/pkg/metrics"
)

// HTTPMetrics counts handled requests by route template and status
func HTTPMetrics(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.HTTPRequests.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
	}
}
