package upstream

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smarttransit/trip-booking-core/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestClient(t *testing.T, handler http.HandlerFunc, mutate ...func(*Config)) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	config := DefaultConfig()
	config.BaseURL = server.URL + "/v1"
	config.APIToken = "test-token"
	config.RequestTimeout = 2 * time.Second
	for _, m := range mutate {
		m(&config)
	}

	client, err := NewClient(config, quietLogger(), nil)
	require.NoError(t, err)
	return client, server
}

func TestNewClient_InvalidBaseURL(t *testing.T) {
	_, err := NewClient(Config{BaseURL: "not a url"}, quietLogger(), nil)
	assert.Error(t, err)
}

func TestClient_SendsJSONWithBearerToken(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/carts", r.URL.Path)
		assert.Equal(t, "USD", r.URL.Query().Get("currency"))
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"currency":"USD"}`, string(body))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"cart":{"id":"cart_1","status":"active"}}`))
	})

	resp, err := client.Do(context.Background(), Request{
		Method: http.MethodPost,
		Path:   "/carts",
		Query:  map[string][]string{"currency": {"USD"}},
		Body:   map[string]string{"currency": "USD"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	payload, err := resp.JSON()
	require.NoError(t, err)
	id, ok := FirstString(payload, Paths("cart.id"))
	assert.True(t, ok)
	assert.Equal(t, "cart_1", id)
}

func TestClient_StatusClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantKind models.ErrorKind
		wantCode string
	}{
		{"server error is transient", http.StatusBadGateway, ``, models.KindUpstreamTransient, ""},
		{"not found", http.StatusNotFound, `{"message":"cart not found"}`, models.KindUpstreamNotFound, "not_found"},
		{"business error code from error object", http.StatusUnprocessableEntity,
			`{"error":{"code":"departure_unavailable","message":"Departure sold out"}}`, models.KindUpstreamBusiness, "departure_unavailable"},
		{"business error code from errors list", http.StatusConflict,
			`{"errors":[{"code":"price_changed","message":"Price changed"}]}`, models.KindUpstreamBusiness, "price_changed"},
		{"business error without body", http.StatusBadRequest, ``, models.KindUpstreamBusiness, "http_400"},
		{"throttled is transient", http.StatusTooManyRequests, ``, models.KindUpstreamTransient, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := client.Do(context.Background(), Request{Path: "/carts/c1"})
			require.Error(t, err)

			be, ok := models.AsBookingError(err)
			require.True(t, ok)
			assert.Equal(t, tt.wantKind, be.Kind)
			assert.Equal(t, tt.status, be.StatusCode)
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, be.Code)
			}
		})
	}
}

func TestClient_DoesNotFollowSeeOther(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/purchases" {
			t.Errorf("redirect was followed to %s", r.URL.Path)
		}
		w.Header().Set("Location", "/v1/purchases/pur_9")
		w.WriteHeader(http.StatusSeeOther)
	})

	resp, err := client.Do(context.Background(), Request{Method: http.MethodPost, Path: "purchases"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/v1/purchases/pur_9", resp.Location())
}

func TestClient_AbsoluteURL(t *testing.T) {
	var hits int32
	client, server := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		assert.Equal(t, "/elsewhere/searches/s1", r.URL.Path)
		_, _ = w.Write([]byte(`{}`))
	})

	_, err := client.Do(context.Background(), Request{Path: server.URL + "/elsewhere/searches/s1"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestClient_TransportErrorIsTransient(t *testing.T) {
	client, server := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	server.Close()

	_, err := client.Do(context.Background(), Request{Path: "/carts"})
	assert.True(t, models.IsTransient(err))
}

func TestClient_BreakerOpensOnTransientFailures(t *testing.T) {
	var hits int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}, func(c *Config) {
		c.BreakerFailures = 2
		c.BreakerCooldown = time.Minute
	})

	for i := 0; i < 2; i++ {
		_, err := client.Do(context.Background(), Request{Path: "/carts"})
		require.True(t, models.IsTransient(err))
	}

	_, err := client.Do(context.Background(), Request{Path: "/carts"})
	require.Error(t, err)
	assert.True(t, models.IsTransient(err))
	assert.Contains(t, err.Error(), "circuit open")
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestClient_BusinessErrorsDoNotTripBreaker(t *testing.T) {
	var hits int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}, func(c *Config) {
		c.BreakerFailures = 2
	})

	for i := 0; i < 5; i++ {
		_, err := client.Do(context.Background(), Request{Path: "/carts"})
		require.True(t, models.IsKind(err, models.KindUpstreamBusiness))
	}
	assert.Equal(t, int32(5), atomic.LoadInt32(&hits))
}

func TestResponse_JSON(t *testing.T) {
	empty := &Response{}
	payload, err := empty.JSON()
	require.NoError(t, err)
	assert.Empty(t, payload)

	list := &Response{Body: []byte(`[{"id":"a"}]`)}
	payload, err = list.JSON()
	require.NoError(t, err)
	id, ok := FirstString(payload, Paths("data.0.id"))
	assert.True(t, ok)
	assert.Equal(t, "a", id)

	broken := &Response{Body: []byte(`{`)}
	_, err = broken.JSON()
	assert.Error(t, err)
}
