package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func setupTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	return gin.New()
}

func queryKey(c *gin.Context) string {
	return c.Query("trip")
}

func TestInFlightSet_Acquire(t *testing.T) {
	set := NewInFlightSet()

	release, ok := set.Acquire("trip_1")
	require.True(t, ok)
	assert.True(t, set.Held("trip_1"))

	_, ok = set.Acquire("trip_1")
	assert.False(t, ok)

	other, ok := set.Acquire("trip_1+trip_2")
	require.True(t, ok)
	other()

	release()
	release()
	assert.False(t, set.Held("trip_1"))

	_, ok = set.Acquire("trip_1")
	assert.True(t, ok)
}

func TestInFlightGuard_RejectsConcurrentDuplicate(t *testing.T) {
	set := NewInFlightSet()
	router := setupTestRouter()

	entered := make(chan struct{})
	proceed := make(chan struct{})
	router.POST("/trips", InFlightGuard(set, queryKey, quietLogger()), func(c *gin.Context) {
		if c.Query("block") == "1" {
			close(entered)
			<-proceed
		}
		c.JSON(http.StatusOK, gin.H{"status": "success"})
	})

	var wg sync.WaitGroup
	first := httptest.NewRecorder()
	wg.Add(1)
	go func() {
		defer wg.Done()
		router.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/trips?trip=trip_1&block=1", nil))
	}()
	<-entered

	// same key while the first is still running
	dup := httptest.NewRecorder()
	router.ServeHTTP(dup, httptest.NewRequest(http.MethodPost, "/trips?trip=trip_1", nil))
	assert.Equal(t, http.StatusConflict, dup.Code)
	assert.Contains(t, dup.Body.String(), "request_in_flight")

	// a different key is not affected
	other := httptest.NewRecorder()
	router.ServeHTTP(other, httptest.NewRequest(http.MethodPost, "/trips?trip=trip_2", nil))
	assert.Equal(t, http.StatusOK, other.Code)

	close(proceed)
	wg.Wait()
	assert.Equal(t, http.StatusOK, first.Code)
	assert.False(t, set.Held("trip_1"))

	// sequential repeat is allowed once the first has finished
	again := httptest.NewRecorder()
	router.ServeHTTP(again, httptest.NewRequest(http.MethodPost, "/trips?trip=trip_1", nil))
	assert.Equal(t, http.StatusOK, again.Code)
}

func TestInFlightGuard_ReleasesOnPanic(t *testing.T) {
	set := NewInFlightSet()
	router := setupTestRouter()
	router.Use(gin.CustomRecoveryWithWriter(io.Discard, func(c *gin.Context, _ any) {
		c.AbortWithStatus(http.StatusInternalServerError)
	}))
	router.POST("/trips", InFlightGuard(set, queryKey, quietLogger()), func(c *gin.Context) {
		panic("boom")
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/trips?trip=trip_1", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.False(t, set.Held("trip_1"))
}

func TestInFlightGuard_EmptyKeySkipsGuard(t *testing.T) {
	set := NewInFlightSet()
	router := setupTestRouter()
	router.POST("/trips", InFlightGuard(set, queryKey, quietLogger()), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/trips", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestRequestLogger(t *testing.T) {
	logger := logrus.New()
	var buf safeBuffer
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})

	router := setupTestRouter()
	router.Use(RequestLogger(logger))
	router.GET("/carts/:cart_id", func(c *gin.Context) {
		c.Status(http.StatusNotFound)
	})

	req := httptest.NewRequest(http.MethodGet, "/carts/cart_1?x=1", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	router.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	assert.Contains(t, out, `"cart_id":"cart_1"`)
	assert.Contains(t, out, `"ip":"203.0.113.7"`)
	assert.Contains(t, out, `"status":404`)
	assert.Contains(t, out, `"level":"warning"`)
}

type safeBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
