package middleware

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// InFlightSet tracks operation keys that are currently being processed
type InFlightSet struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

// NewInFlightSet creates an empty set
func NewInFlightSet() *InFlightSet {
	return &InFlightSet{keys: make(map[string]struct{})}
}

// Acquire claims key. ok is false when the key is already held; otherwise
// release must be called exactly once to free it.
func (s *InFlightSet) Acquire(key string) (release func(), ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, held := s.keys[key]; held {
		return nil, false
	}
	s.keys[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.keys, key)
			s.mu.Unlock()
		})
	}, true
}

// Held reports whether key is currently claimed
func (s *InFlightSet) Held(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, held := s.keys[key]
	return held
}

// KeyFunc derives the in-flight key of a request. An empty key skips the
// guard.
type KeyFunc func(c *gin.Context) string

// InFlightGuard rejects a request with 409 while another request with the
// same key is still being processed. The key is released when the handler
// chain returns, including when it panics.
func InFlightGuard(set *InFlightSet, keyFn KeyFunc, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := keyFn(c)
		if key == "" {
			c.Next()
			return
		}

		release, ok := set.Acquire(key)
		if !ok {
			logger.WithFields(logrus.Fields{
				"key":  key,
				"path": c.Request.URL.Path,
			}).Warn("Duplicate request while original is in flight")
			c.JSON(http.StatusConflict, gin.H{
				"status":  "error",
				"error":   "conflict",
				"code":    "request_in_flight",
				"message": "An identical request is already being processed",
			})
			c.Abort()
			return
		}
		defer release()

		c.Next()
	}
}
