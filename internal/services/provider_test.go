package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/trip-booking-core/internal/cache"
	"github.com/smarttransit/trip-booking-core/internal/database"
	"github.com/smarttransit/trip-booking-core/internal/events"
	"github.com/smarttransit/trip-booking-core/internal/upstream"
	"github.com/smarttransit/trip-booking-core/pkg/pricing"
	"github.com/smarttransit/trip-booking-core/pkg/retry"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// FAKE BOOKING PROVIDER
// ============================================================================

type fakeCart struct {
	id     string
	status string
	items  []map[string]any
}

type fakePurchase struct {
	id          string
	uuid        string
	cartID      string
	statuses    []string
	polls       int
	detailCalls int
}

// fakeProvider is an in-process booking provider with just enough behaviour
// for the orchestrators
type fakeProvider struct {
	mu sync.Mutex

	carts     map[string]*fakeCart
	purchases map[string]*fakePurchase
	seq       int

	// reissue maps a trip id to the cart id the provider switches to when
	// that trip is added
	reissue map[string]string

	// addFailures is the number of 503s returned before an add succeeds
	addFailures int

	// searchFailures is the number of 503s returned before a search is created
	searchFailures int

	// chargesHold, when set, parks charge reads until it is closed; each
	// parked read first sends on chargesWaiting
	chargesHold    chan struct{}
	chargesWaiting chan struct{}

	chargesTotal  int64
	chargeLines   []int64
	purchaseSteps []string
	bookedCarts   map[string]bool

	calls         map[string]int
	addedTrips    []string
	addCartIDs    []string
	lastTicketMap map[string]string
}

func newFakeProvider(t *testing.T) (*fakeProvider, *httptest.Server) {
	t.Helper()
	p := &fakeProvider{
		carts:         make(map[string]*fakeCart),
		purchases:     make(map[string]*fakePurchase),
		reissue:       make(map[string]string),
		bookedCarts:   make(map[string]bool),
		calls:         make(map[string]int),
		chargesTotal:  2500,
		chargeLines:   []int64{2000, 500},
		purchaseSteps: []string{"processing", "completed"},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/searches", p.createSearch)
	mux.HandleFunc("GET /v1/searches/{id}", p.pollSearch)
	mux.HandleFunc("POST /v1/carts", p.createCart)
	mux.HandleFunc("GET /v1/carts/{id}", p.getCart)
	mux.HandleFunc("POST /v1/carts/{id}/trips", p.addTrip)
	mux.HandleFunc("DELETE /v1/carts/{id}/trips/{trip}", p.removeTrip)
	mux.HandleFunc("DELETE /v1/carts/{id}/items/{item}", p.removeItem)
	mux.HandleFunc("PUT /v1/carts/{id}/trips/{trip}/passengers", p.updatePassengers)
	mux.HandleFunc("PUT /v1/carts/{id}/purchaser", p.updatePurchaser)
	mux.HandleFunc("GET /v1/carts/{id}/charges", p.getCharges)
	mux.HandleFunc("PUT /v1/carts/{id}/charges", p.acceptCharges)
	mux.HandleFunc("POST /v1/purchases", p.createPurchase)
	mux.HandleFunc("GET /v1/purchases/{id}/status", p.purchaseStatus)
	mux.HandleFunc("GET /v1/purchases/{id}", p.purchaseDetails)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, pattern := mux.Handler(r)
		p.mu.Lock()
		p.calls[pattern]++
		p.mu.Unlock()
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(server.Close)
	return p, server
}

// count returns how many requests matched the route pattern, e.g.
// "POST /v1/carts/{id}/trips"
func (p *fakeProvider) count(route string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[route]
}

func (p *fakeProvider) set(fn func(p *fakeProvider)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func readJSON(r *http.Request) map[string]any {
	var body map[string]any
	data, _ := io.ReadAll(r.Body)
	_ = json.Unmarshal(data, &body)
	return body
}

func notFound(w http.ResponseWriter, code string) {
	writeJSON(w, http.StatusNotFound, map[string]any{"error": map[string]any{"code": code, "message": "not found"}})
}

func (c *fakeCart) json() map[string]any {
	return map[string]any{
		"cart": map[string]any{
			"id":         c.id,
			"status":     c.status,
			"currency":   "USD",
			"items":      c.items,
			"expires_at": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
		},
	}
}

func (p *fakeProvider) createSearch(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	if p.searchFailures > 0 {
		p.searchFailures--
		p.mu.Unlock()
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "busy"})
		return
	}
	p.mu.Unlock()
	writeJSON(w, http.StatusCreated, map[string]any{
		"metadata": map[string]any{
			"links":    map[string]any{"poll": "http://" + r.Host + "/v1/searches/srch_1"},
			"interval": 1,
		},
		"departures": []any{},
	})
}

func (p *fakeProvider) pollSearch(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"complete": true,
		"departures": []any{
			map[string]any{"id": "trip_123", "operator": map[string]any{"name": "Coastline"}, "prices": map[string]any{"total": 2500, "currency": r.URL.Query().Get("currency")}, "available_seats": 12},
			map[string]any{"id": "trip_456", "prices": map[string]any{"total": 1999}},
			map[string]any{"id": "trip_bad", "prices": map[string]any{"total": "19.99"}},
		},
	})
}

func (p *fakeProvider) createCart(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	c := &fakeCart{id: fmt.Sprintf("cart_%d", p.seq), status: "open", items: []map[string]any{}}
	p.carts[c.id] = c
	writeJSON(w, http.StatusCreated, c.json())
}

func (p *fakeProvider) getCart(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.carts[r.PathValue("id")]
	if !ok {
		notFound(w, "cart_not_found")
		return
	}
	writeJSON(w, http.StatusOK, c.json())
}

func (p *fakeProvider) addTrip(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.addFailures > 0 {
		p.addFailures--
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "busy"})
		return
	}
	c, ok := p.carts[r.PathValue("id")]
	if !ok {
		notFound(w, "cart_not_found")
		return
	}
	body := readJSON(r)
	tripID, _ := body["trip_id"].(string)
	p.addedTrips = append(p.addedTrips, tripID)
	p.addCartIDs = append(p.addCartIDs, c.id)
	p.seq++
	c.status = "active"
	c.items = append(c.items, map[string]any{
		"id":         fmt.Sprintf("item_%d", p.seq),
		"trip_id":    tripID,
		"leg_type":   body["leg_type"],
		"passengers": body["passengers"],
		"segments": []any{
			map[string]any{"id": "seg_" + tripID + "_a", "ticket_types": []any{"adult", "child"}},
			map[string]any{"id": "seg_" + tripID + "_b", "ticket_types": []any{map[string]any{"code": "adult"}}},
		},
	})
	if newID, ok := p.reissue[tripID]; ok {
		delete(p.carts, c.id)
		c.id = newID
		p.carts[newID] = c
	}
	writeJSON(w, http.StatusOK, c.json())
}

func (p *fakeProvider) removeMatching(w http.ResponseWriter, r *http.Request, field, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.carts[r.PathValue("id")]
	if !ok {
		notFound(w, "cart_not_found")
		return
	}
	for i, it := range c.items {
		if it[field] == value {
			c.items = append(c.items[:i], c.items[i+1:]...)
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	notFound(w, "item_not_found")
}

func (p *fakeProvider) removeTrip(w http.ResponseWriter, r *http.Request) {
	p.removeMatching(w, r, "trip_id", r.PathValue("trip"))
}

func (p *fakeProvider) removeItem(w http.ResponseWriter, r *http.Request) {
	p.removeMatching(w, r, "id", r.PathValue("item"))
}

func (p *fakeProvider) updatePassengers(w http.ResponseWriter, r *http.Request) {
	body := readJSON(r)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastTicketMap = map[string]string{}
	if m, ok := body["ticket_types"].(map[string]any); ok {
		for k, v := range m {
			p.lastTicketMap[k], _ = v.(string)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (p *fakeProvider) updatePurchaser(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (p *fakeProvider) chargesJSON(total int64) map[string]any {
	lines := make([]any, 0, len(p.chargeLines))
	for i, amount := range p.chargeLines {
		lines = append(lines, map[string]any{"id": fmt.Sprintf("line_%d", i+1), "description": "fare", "amount": amount})
	}
	return map[string]any{"charges": map[string]any{"currency": "USD", "total": total, "subtotal": total, "items": lines}}
}

func (p *fakeProvider) getCharges(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	hold, waiting := p.chargesHold, p.chargesWaiting
	total := p.chargesTotal
	p.mu.Unlock()
	if hold != nil {
		waiting <- struct{}{}
		<-hold
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.carts[r.PathValue("id")]; !ok {
		notFound(w, "cart_not_found")
		return
	}
	writeJSON(w, http.StatusOK, p.chargesJSON(total))
}

func (p *fakeProvider) acceptCharges(w http.ResponseWriter, r *http.Request) {
	body := readJSON(r)
	p.mu.Lock()
	defer p.mu.Unlock()
	total, _ := body["total"].(float64)
	if int64(total) != p.chargesTotal {
		writeJSON(w, http.StatusConflict, map[string]any{"error": map[string]any{"code": "price_changed", "message": "charges changed"}})
		return
	}
	writeJSON(w, http.StatusOK, p.chargesJSON(p.chargesTotal))
}

func (p *fakeProvider) createPurchase(w http.ResponseWriter, r *http.Request) {
	body := readJSON(r)
	p.mu.Lock()
	defer p.mu.Unlock()
	cartID, _ := body["cart_id"].(string)
	if p.bookedCarts[cartID] {
		w.Header().Set("Location", "/v1/purchases/pur_booked?uuid=uuid_booked")
		w.WriteHeader(http.StatusSeeOther)
		return
	}
	p.seq++
	pur := &fakePurchase{
		id:       fmt.Sprintf("pur_%d", p.seq),
		uuid:     fmt.Sprintf("uuid_%d", p.seq),
		cartID:   cartID,
		statuses: p.purchaseSteps,
	}
	p.purchases[pur.id] = pur
	writeJSON(w, http.StatusCreated, map[string]any{"purchase": map[string]any{"id": pur.id, "uuid": pur.uuid, "status": "created"}})
}

func (p *fakeProvider) purchase(w http.ResponseWriter, r *http.Request) (*fakePurchase, bool) {
	pur, ok := p.purchases[r.PathValue("id")]
	if !ok || pur.uuid != r.URL.Query().Get("uuid") {
		notFound(w, "purchase_not_found")
		return nil, false
	}
	return pur, true
}

func (p *fakeProvider) purchaseStatus(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pur, ok := p.purchase(w, r)
	if !ok {
		return
	}
	i := pur.polls
	if i >= len(pur.statuses) {
		i = len(pur.statuses) - 1
	}
	pur.polls++
	body := map[string]any{"status": pur.statuses[i], "cart_id": pur.cartID}
	if pur.statuses[i] == "failed" {
		body["failure_reason"] = "payment declined"
	}
	writeJSON(w, http.StatusOK, body)
}

func (p *fakeProvider) purchaseDetails(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pur, ok := p.purchase(w, r)
	if !ok {
		return
	}
	pur.detailCalls++
	writeJSON(w, http.StatusOK, map[string]any{"purchase": map[string]any{
		"id":                pur.id,
		"uuid":              pur.uuid,
		"cart_id":           pur.cartID,
		"status":            "completed",
		"booking_reference": "BK-" + pur.id,
		"charges":           map[string]any{"total": p.chargesTotal, "currency": "USD"},
		// an echoed adjusted total is never trusted
		"adjusted_total": 1,
	}})
}

// ============================================================================
// HARNESS
// ============================================================================

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.PurchaseFinalized
}

func (p *recordingPublisher) PublishPurchaseFinalized(_ context.Context, event events.PurchaseFinalized) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type harness struct {
	caller    *upstream.Caller
	poller    *upstream.Poller
	engine    *pricing.Engine
	logger    *logrus.Logger
	provider  *fakeProvider
	store     *database.MemoryRecordStore
	sink      *RecordSink
	cacheTime *testClock
	publisher *recordingPublisher
	carts     *CartService
	purchases *PurchaseService
	search    *SearchService
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// newHarness wires the orchestrators to a fake provider with a 5% discount
func newHarness(t *testing.T) *harness {
	t.Helper()
	provider, server := newFakeProvider(t)
	logger := quietLogger()

	config := upstream.DefaultConfig()
	config.BaseURL = server.URL + "/v1"
	config.APIToken = "test-token"
	config.RequestTimeout = 2 * time.Second
	config.BreakerFailures = 100
	client, err := upstream.NewClient(config, logger, nil)
	require.NoError(t, err)

	executor := retry.NewExecutor(retry.Config{Base: 5 * time.Millisecond, MaxAttempts: 3})
	caller := upstream.NewCaller(client, executor, logger, nil)
	poller := upstream.NewPoller(caller, upstream.PollerConfig{
		DefaultInterval: 2 * time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	}, logger, nil)

	clock := &testClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	guarded := cache.NewGuarded(cache.NewMemoryStore(100).WithClock(clock.Now), logger, nil)

	store := database.NewMemoryRecordStore()
	sink := NewRecordSink(store, store, logger)
	engine := pricing.NewEngine(pricing.Policy{DefaultPercent: decimal.NewFromInt(5)})
	publisher := &recordingPublisher{}

	cartConfig := DefaultCartConfig()
	cartConfig.VerifyCeiling = time.Second

	purchaseConfig := DefaultPurchaseConfig()
	purchaseConfig.StatusCeiling = 2 * time.Second
	purchaseConfig.StatusMaxAttempts = 10

	searchConfig := DefaultSearchConfig()
	searchConfig.PollCeiling = 2 * time.Second

	return &harness{
		caller:    caller,
		poller:    poller,
		engine:    engine,
		logger:    logger,
		provider:  provider,
		store:     store,
		sink:      sink,
		cacheTime: clock,
		publisher: publisher,
		carts:     NewCartService(caller, poller, guarded, sink, engine, cartConfig, logger),
		purchases: NewPurchaseService(caller, poller, sink, engine, publisher, purchaseConfig, logger),
		search:    NewSearchService(caller, poller, guarded, engine, searchConfig, logger),
	}
}
