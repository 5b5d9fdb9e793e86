package utils

import (
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestGetRealIP(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"Public X-Real-IP", map[string]string{"X-Real-IP": "203.0.113.7"}, "203.0.113.7"},
		{"Private X-Real-IP Falls Through", map[string]string{"X-Real-IP": "10.0.0.4", "X-Forwarded-For": "198.51.100.2"}, "198.51.100.2"},
		{"First Public Forwarded", map[string]string{"X-Forwarded-For": "192.168.1.10, 198.51.100.2, 203.0.113.9"}, "198.51.100.2"},
		{"All Private Forwarded", map[string]string{"X-Forwarded-For": "garbage, 10.1.2.3, 172.16.0.9"}, "10.1.2.3"},
		{"No Headers", nil, "192.0.2.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest("GET", "/", nil)
			for k, v := range tt.headers {
				c.Request.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, GetRealIP(c))
		})
	}
}

func TestGetUserAgent(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest("GET", "/", nil)
	assert.Equal(t, "Unknown", GetUserAgent(c))

	c.Request.Header.Set("User-Agent", "booking-widget/2.1")
	assert.Equal(t, "booking-widget/2.1", GetUserAgent(c))
}
