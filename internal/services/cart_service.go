package services

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/trip-booking-core/internal/cache"
	"github.com/smarttransit/trip-booking-core/internal/models"
	"github.com/smarttransit/trip-booking-core/internal/upstream"
	"github.com/smarttransit/trip-booking-core/pkg/pricing"
	"github.com/smarttransit/trip-booking-core/pkg/validator"
	"golang.org/x/sync/singleflight"
)

// CartConfig holds cart orchestration settings
type CartConfig struct {
	DefaultCurrency string
	ChargesTTL      time.Duration
	VerifyAfterAdd  bool
	VerifyCeiling   time.Duration
}

// DefaultCartConfig returns default cart configuration
func DefaultCartConfig() CartConfig {
	return CartConfig{
		DefaultCurrency: "USD",
		ChargesTTL:      60 * time.Second,
		VerifyAfterAdd:  true,
		VerifyCeiling:   30 * time.Second,
	}
}

// CartService drives cart mutations against the booking provider and keeps
// the canonical cart record in step with upstream id changes
type CartService struct {
	caller   *upstream.Caller
	poller   *upstream.Poller
	cache    *cache.Guarded
	records  *RecordSink
	pricing  *pricing.Engine
	contacts *validator.ContactValidator
	config   CartConfig
	charges  singleflight.Group
	now      func() time.Time
	logger   *logrus.Logger

	// chargesGen counts charge-changing writes per cache key; a read that
	// started before a write must not repopulate the cache
	chargesMu  sync.Mutex
	chargesGen map[string]uint64
}

// NewCartService creates a new cart service
func NewCartService(
	caller *upstream.Caller,
	poller *upstream.Poller,
	guarded *cache.Guarded,
	records *RecordSink,
	engine *pricing.Engine,
	config CartConfig,
	logger *logrus.Logger,
) *CartService {
	return &CartService{
		caller:     caller,
		poller:     poller,
		cache:      guarded,
		records:    records,
		pricing:    engine,
		contacts:   validator.NewContactValidator(),
		config:     config,
		now:        time.Now,
		logger:     logger,
		chargesGen: make(map[string]uint64),
	}
}

// ============================================================================
// CREATE / READ
// ============================================================================

// CreateCart always creates a new provider cart and a canonical record for it
func (s *CartService) CreateCart(ctx context.Context, currency string) (*models.Cart, error) {
	if strings.TrimSpace(currency) == "" {
		currency = s.config.DefaultCurrency
	}
	currency, err := models.ValidateCurrency(currency)
	if err != nil {
		return nil, err
	}

	resp, err := s.caller.Do(ctx, "create_cart", upstream.Request{
		Method: http.MethodPost,
		Path:   "carts",
		Body:   map[string]any{"currency": currency},
	})
	if err != nil {
		return nil, withOp(err, "create_cart", "")
	}
	body, err := decodeBody("create_cart", resp)
	if err != nil {
		return nil, err
	}

	cp := upstream.DecodeCart(body)
	if cp.ID == "" {
		return nil, models.NewBusinessError(resp.StatusCode, "missing_cart_id", "provider returned no cart id").WithOp("create_cart", "")
	}

	rec := &models.CartRecord{
		RecordID: uuid.New().String(),
		CartID:   cp.ID,
		Currency: currency,
		Status:   models.CartStatusNew,
	}
	if cp.Currency != "" {
		rec.Currency = strings.ToUpper(cp.Currency)
	}
	rec.ExpiresAt = cp.ExpiresAt
	rec.MergeItems(cp.Items)
	s.records.SaveCart(ctx, rec)

	s.logger.WithFields(logrus.Fields{
		"cart_id":   rec.CartID,
		"record_id": rec.RecordID,
		"currency":  rec.Currency,
	}).Info("Cart created")

	return s.view(rec, cp.RawStatus), nil
}

// GetCart reads the provider cart, refreshes the canonical record and returns
// the normalized cart. A provider 404 makes the cart invalid.
func (s *CartService) GetCart(ctx context.Context, cartID string) (*models.Cart, error) {
	if strings.TrimSpace(cartID) == "" {
		return nil, models.ErrInvalidInput("cart_id is required")
	}
	rec := s.recordFor(ctx, cartID)

	cp, err := s.fetchCart(ctx, "get_cart", rec)
	if err != nil {
		return nil, err
	}
	s.records.SaveCart(ctx, rec)
	return s.view(rec, cp.RawStatus), nil
}

// ============================================================================
// ADD TRIP
// ============================================================================

// AddTrip adds one or more trip legs to the cart. Legs already recorded as
// added are skipped; when every leg is already present the current cart is
// returned with Idempotent set. Legs are applied in order, each on the cart
// id in effect after the previous one.
func (s *CartService) AddTrip(ctx context.Context, req *models.AddTripRequest) (*models.Cart, error) {
	const op = "add_trip"

	// Step 1: Validate request
	if err := req.Validate(); err != nil {
		return nil, err
	}

	// Step 2: Resolve the canonical record and refuse terminal carts
	rec := s.recordFor(ctx, req.CartID)
	if err := s.checkMutable(rec); err != nil {
		return nil, err
	}

	// Step 3: Confirm the cart still exists upstream
	current, err := s.fetchCart(ctx, op, rec)
	if err != nil {
		return nil, err
	}
	if err := s.checkMutable(rec); err != nil {
		s.records.SaveCart(ctx, rec)
		return nil, err
	}

	// Step 4: Skip legs that are already in the cart
	var pending []models.TripLegRequest
	for _, leg := range req.Legs {
		if rec.HasTrip(leg.TripID) {
			continue
		}
		if hasItem(current.Items, leg.TripID) {
			rec.MarkTripAdded(leg.TripID)
			continue
		}
		pending = append(pending, leg)
	}

	logger := s.logger.WithFields(logrus.Fields{
		"cart_id":   rec.CartID,
		"record_id": rec.RecordID,
		"trips":     req.CompositeKey(),
	})

	if len(pending) == 0 {
		logger.Info("All trips already in cart, nothing to add")
		s.records.SaveCart(ctx, rec)
		cart := s.view(rec, current.RawStatus)
		cart.Idempotent = true
		return cart, nil
	}

	// Step 5: Apply legs sequentially, adopting a reissued cart id
	rawStatus := current.RawStatus
	for _, leg := range pending {
		body, err := s.addLeg(ctx, rec, leg)
		if err != nil {
			s.records.SaveCart(ctx, rec)
			return nil, err
		}

		if id, adopted := upstream.AdoptCartID(rec.CartID, leg.TripID, body); adopted {
			logger.WithFields(logrus.Fields{
				"previous_cart_id": rec.CartID,
				"new_cart_id":      id,
				"trip_id":          leg.TripID,
			}).Info("Provider issued a new cart id, adopting it")
			rec.AdoptCartID(id)
		}

		cp := upstream.DecodeCart(body)
		if item, ok := findItem(cp.Items, leg.TripID); ok {
			rec.MergeItems([]models.CartItem{withLeg(item, leg)})
		} else {
			rec.MergeItems([]models.CartItem{{TripID: leg.TripID, LegType: leg.LegType, Passengers: leg.Passengers}})
		}
		s.applyUpstreamState(rec, cp)
		if cp.RawStatus != "" {
			rawStatus = cp.RawStatus
		}
		rec.MarkTripAdded(leg.TripID)
		if rec.Status == models.CartStatusNew {
			rec.Status = models.CartStatusActive
		}

		// persisted after every leg so a later failure keeps earlier legs
		s.records.SaveCart(ctx, rec)
	}

	// Step 6: Optionally re-verify the cart, falling back to the add responses
	if s.config.VerifyAfterAdd {
		if verified, err := s.verifyCart(ctx, rec); err != nil {
			logger.WithError(err).Warn("Cart verification failed, using add response")
		} else {
			rec.MergeItems(verified.Items)
			s.applyUpstreamState(rec, verified)
			if verified.RawStatus != "" {
				rawStatus = verified.RawStatus
			}
		}
	}

	s.dropCharges(ctx, rec.CartID)
	s.records.SaveCart(ctx, rec)

	logger.WithFields(logrus.Fields{
		"cart_id": rec.CartID,
		"added":   len(pending),
		"items":   len(rec.Items),
	}).Info("Trips added to cart")

	return s.view(rec, rawStatus), nil
}

func (s *CartService) addLeg(ctx context.Context, rec *models.CartRecord, leg models.TripLegRequest) (map[string]any, error) {
	resp, err := s.caller.Do(ctx, "add_trip", upstream.Request{
		Method: http.MethodPost,
		Path:   cartPath(rec.CartID, "trips"),
		Body: map[string]any{
			"trip_id":    leg.TripID,
			"leg_type":   leg.LegType,
			"passengers": leg.Passengers,
		},
	})
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"cart_id": rec.CartID,
			"trip_id": leg.TripID,
			"kind":    models.KindOf(err),
		}).WithError(err).Error("Failed to add trip")
		return nil, withOp(err, "add_trip", rec.CartID)
	}
	return decodeBody("add_trip", resp)
}

func (s *CartService) verifyCart(ctx context.Context, rec *models.CartRecord) (upstream.CartPayload, error) {
	payload, err := s.poller.Poll(ctx, upstream.PollRequest{
		Surface: "cart_verify",
		Request: upstream.Request{Method: http.MethodGet, Path: cartPath(rec.CartID)},
		Ceiling: s.config.VerifyCeiling,
	})
	if err != nil {
		return upstream.CartPayload{}, err
	}
	return upstream.DecodeCart(payload.Body), nil
}

// ============================================================================
// PASSENGERS / PURCHASER
// ============================================================================

// UpdatePassengers replaces the passengers of one leg. Every segment of the
// leg is submitted with a ticket type; types the caller left out are filled
// from the segment's own offer.
func (s *CartService) UpdatePassengers(ctx context.Context, req *models.UpdatePassengersRequest) (*models.CartFragment, error) {
	const op = "update_passengers"

	if err := req.Validate(); err != nil {
		return nil, err
	}
	rec := s.recordFor(ctx, req.CartID)
	if err := s.checkMutable(rec); err != nil {
		return nil, err
	}

	// Step 1: Find the leg's segments, reading the cart when the record lacks them
	item, ok := findItem(rec.Items, req.TripID)
	if !ok || len(item.Segments) == 0 || !coversSegments(item.Segments, req.TicketTypes) {
		cp, err := s.fetchCart(ctx, op, rec)
		if err != nil {
			return nil, err
		}
		if err := s.checkMutable(rec); err != nil {
			s.records.SaveCart(ctx, rec)
			return nil, err
		}
		if upstreamItem, found := findItem(cp.Items, req.TripID); found {
			item, ok = upstreamItem, true
		}
	}
	if !ok {
		return nil, models.ErrInvalidInputf("trip %s is not in cart", req.TripID)
	}

	// Step 2: Backfill ticket types
	ticketTypes, err := backfillTicketTypes(item.Segments, req.TicketTypes)
	if err != nil {
		return nil, err
	}

	// Step 3: Submit
	resp, err := s.caller.Do(ctx, op, upstream.Request{
		Method: http.MethodPut,
		Path:   cartPath(rec.CartID, "trips", req.TripID, "passengers"),
		Body: map[string]any{
			"passengers":   req.Passengers,
			"ticket_types": ticketTypes,
		},
	})
	if err != nil {
		return nil, withOp(err, op, rec.CartID)
	}
	if body, err := resp.JSON(); err == nil {
		if id, adopted := upstream.AdoptCartID(rec.CartID, req.TripID, body); adopted {
			rec.AdoptCartID(id)
		}
	}

	item.Passengers = req.Passengers
	rec.MergeItems([]models.CartItem{item})
	s.dropCharges(ctx, rec.CartID)
	s.records.SaveCart(ctx, rec)

	s.logger.WithFields(logrus.Fields{
		"cart_id":    rec.CartID,
		"trip_id":    req.TripID,
		"passengers": len(req.Passengers),
		"backfilled": len(ticketTypes) - len(req.TicketTypes),
	}).Info("Passengers updated")

	return &models.CartFragment{
		CartID:      rec.CartID,
		TripID:      req.TripID,
		Passengers:  req.Passengers,
		TicketTypes: ticketTypes,
	}, nil
}

// UpdatePurchaser sets the paying contact. first_name, last_name, email and
// phone are all required; nothing is sent upstream when one is missing.
func (s *CartService) UpdatePurchaser(ctx context.Context, cartID string, purchaser models.Purchaser) (*models.PurchaserRecord, error) {
	const op = "update_purchaser"

	if strings.TrimSpace(cartID) == "" {
		return nil, models.ErrInvalidInput("cart_id is required")
	}
	purchaser, err := s.validatePurchaser(purchaser)
	if err != nil {
		return nil, err
	}

	rec := s.recordFor(ctx, cartID)
	if err := s.checkMutable(rec); err != nil {
		return nil, err
	}

	if _, err := s.caller.Do(ctx, op, upstream.Request{
		Method: http.MethodPut,
		Path:   cartPath(rec.CartID, "purchaser"),
		Body:   purchaser,
	}); err != nil {
		return nil, withOp(err, op, rec.CartID)
	}

	rec.Purchaser = &purchaser
	s.records.SaveCart(ctx, rec)

	return &models.PurchaserRecord{
		CartID:    rec.CartID,
		Purchaser: purchaser,
		UpdatedAt: s.now().UTC(),
	}, nil
}

func (s *CartService) validatePurchaser(p models.Purchaser) (models.Purchaser, error) {
	p.FirstName = strings.TrimSpace(p.FirstName)
	p.LastName = strings.TrimSpace(p.LastName)

	var missing []string
	if p.FirstName == "" {
		missing = append(missing, "first_name")
	}
	if p.LastName == "" {
		missing = append(missing, "last_name")
	}
	if strings.TrimSpace(p.Email) == "" {
		missing = append(missing, "email")
	}
	if strings.TrimSpace(p.Phone) == "" {
		missing = append(missing, "phone")
	}
	if len(missing) > 0 {
		return p, models.ErrInvalidInputf("purchaser is missing %s", strings.Join(missing, ", "))
	}

	email, err := s.contacts.ValidateEmail(p.Email)
	if err != nil {
		return p, models.ErrInvalidInput(err.Error())
	}
	phone, err := s.contacts.ValidatePhone(p.Phone)
	if err != nil {
		return p, models.ErrInvalidInput(err.Error())
	}
	p.Email = email
	p.Phone = phone
	return p, nil
}

// ============================================================================
// CHARGES
// ============================================================================

// GetCharges returns the cart's adjusted charges, cached for ChargesTTL
func (s *CartService) GetCharges(ctx context.Context, cartID string) (*models.Charges, error) {
	const op = "get_charges"

	if strings.TrimSpace(cartID) == "" {
		return nil, models.ErrInvalidInput("cart_id is required")
	}
	rec := s.recordFor(ctx, cartID)
	key := chargesKey(rec.CartID)

	var cached models.Charges
	if s.cache.GetJSON(ctx, op, key, &cached) {
		return &cached, nil
	}

	v, err, _ := s.charges.Do(key, func() (any, error) {
		gen := s.chargesGeneration(key)
		resp, err := s.caller.Do(ctx, op, upstream.Request{
			Method: http.MethodGet,
			Path:   cartPath(rec.CartID, "charges"),
		})
		if err != nil {
			return nil, withOp(err, op, rec.CartID)
		}
		body, err := decodeBody(op, resp)
		if err != nil {
			return nil, err
		}
		raw, ok := upstream.DecodeCharges(body)
		if !ok {
			return nil, models.NewBusinessError(resp.StatusCode, "missing_charges", "provider returned no charge total").WithOp(op, rec.CartID)
		}
		charges := s.adjustCharges(rec, raw)
		if s.chargesGeneration(key) == gen {
			s.cache.SetJSON(ctx, key, charges, s.config.ChargesTTL)
			// a write that landed during SetJSON
			if s.chargesGeneration(key) != gen {
				s.cache.Invalidate(ctx, key)
			}
		}
		return charges, nil
	})
	if err != nil {
		return nil, err
	}
	charges := *v.(*models.Charges)
	return &charges, nil
}

// AcceptCharges confirms the charges with the provider and drops the cached
// read for the cart
func (s *CartService) AcceptCharges(ctx context.Context, cartID string, charges *models.Charges) (*models.Charges, error) {
	const op = "accept_charges"

	if strings.TrimSpace(cartID) == "" {
		return nil, models.ErrInvalidInput("cart_id is required")
	}
	if err := charges.Validate(); err != nil {
		return nil, err
	}
	rec := s.recordFor(ctx, cartID)
	if err := s.checkMutable(rec); err != nil {
		return nil, err
	}

	// the provider only knows its own quoted totals
	resp, err := s.caller.Do(ctx, op, upstream.Request{
		Method: http.MethodPut,
		Path:   cartPath(rec.CartID, "charges"),
		Body: map[string]any{
			"currency": strings.ToUpper(charges.Currency),
			"total":    charges.OriginalTotal,
		},
	})
	if err != nil {
		return nil, withOp(err, op, rec.CartID)
	}
	s.dropCharges(ctx, rec.CartID)

	raw := upstream.ChargesPayload{
		Currency: strings.ToUpper(charges.Currency),
		Total:    charges.OriginalTotal,
		Subtotal: charges.OriginalSubtotal,
	}
	if body, err := resp.JSON(); err == nil {
		if accepted, ok := upstream.DecodeCharges(body); ok {
			raw = accepted
		}
	}
	if raw.Subtotal == 0 {
		raw.Subtotal = raw.Total
	}

	s.logger.WithFields(logrus.Fields{
		"cart_id": rec.CartID,
		"total":   raw.Total,
	}).Info("Charges accepted")

	return s.adjustCharges(rec, raw), nil
}

// adjustCharges prices the raw breakdown; line items are redistributed so
// they sum to the adjusted total
func (s *CartService) adjustCharges(rec *models.CartRecord, raw upstream.ChargesPayload) *models.Charges {
	currency := strings.ToUpper(raw.Currency)
	if currency == "" {
		currency = rec.Currency
	}

	lines := make([]int64, len(raw.Items))
	for i, it := range raw.Items {
		lines[i] = it.OriginalAmount
	}
	total, adjustedLines := s.pricing.AdjustItems(raw.Total, currency, lines)
	subtotal := s.pricing.Adjust(raw.Subtotal, currency)

	charges := &models.Charges{
		CartID:           rec.CartID,
		Currency:         total.Currency,
		OriginalTotal:    total.Original,
		OriginalSubtotal: subtotal.Original,
		Total:            total.Adjusted,
		Subtotal:         subtotal.Adjusted,
		DiscountAmount:   total.Discount,
		DiscountPercent:  total.DiscountPercent,
	}
	for i, it := range raw.Items {
		it.Amount = adjustedLines[i]
		charges.Items = append(charges.Items, it)
	}
	return charges
}

// ============================================================================
// REMOVE
// ============================================================================

// RemoveTrip deletes a trip leg; a provider 404 means it is already gone
func (s *CartService) RemoveTrip(ctx context.Context, cartID, tripID string) error {
	if strings.TrimSpace(cartID) == "" || strings.TrimSpace(tripID) == "" {
		return models.ErrInvalidInput("cart_id and trip_id are required")
	}
	rec := s.recordFor(ctx, cartID)
	if err := s.checkMutable(rec); err != nil {
		return err
	}
	if err := s.remove(ctx, "remove_trip", rec, cartPath(rec.CartID, "trips", tripID)); err != nil {
		return err
	}

	rec.Items = filterItems(rec.Items, func(it models.CartItem) bool { return it.TripID != tripID })
	s.records.SaveCart(ctx, rec)
	return nil
}

// RemoveItem deletes a cart item by its item id; a provider 404 means it is
// already gone
func (s *CartService) RemoveItem(ctx context.Context, cartID, itemID string) error {
	if strings.TrimSpace(cartID) == "" || strings.TrimSpace(itemID) == "" {
		return models.ErrInvalidInput("cart_id and item_id are required")
	}
	rec := s.recordFor(ctx, cartID)
	if err := s.checkMutable(rec); err != nil {
		return err
	}
	if err := s.remove(ctx, "remove_item", rec, cartPath(rec.CartID, "items", itemID)); err != nil {
		return err
	}

	rec.Items = filterItems(rec.Items, func(it models.CartItem) bool { return it.ID != itemID })
	s.records.SaveCart(ctx, rec)
	return nil
}

func (s *CartService) remove(ctx context.Context, op string, rec *models.CartRecord, path string) error {
	_, err := s.caller.Do(ctx, op, upstream.Request{Method: http.MethodDelete, Path: path})
	if err != nil {
		if !models.IsKind(err, models.KindUpstreamNotFound) {
			return withOp(err, op, rec.CartID)
		}
		s.logger.WithFields(logrus.Fields{
			"cart_id": rec.CartID,
			"path":    path,
		}).Info("Already removed upstream")
	}
	s.dropCharges(ctx, rec.CartID)
	return nil
}

// ============================================================================
// HELPERS
// ============================================================================

// recordFor returns the canonical record for cartID, or a fresh one when the
// cart is unknown or the record store is unavailable
func (s *CartService) recordFor(ctx context.Context, cartID string) *models.CartRecord {
	cartID = strings.TrimSpace(cartID)
	rec, err := s.records.LoadCart(ctx, cartID)
	if err != nil {
		s.logger.WithError(err).WithField("cart_id", cartID).Warn("Cart record unavailable, continuing without it")
	}
	if rec != nil {
		return rec
	}
	return &models.CartRecord{
		RecordID: uuid.New().String(),
		CartID:   cartID,
		Currency: s.config.DefaultCurrency,
		Status:   models.CartStatusActive,
	}
}

// checkMutable refuses carts in a terminal state
func (s *CartService) checkMutable(rec *models.CartRecord) error {
	return terminalCartError(rec, s.now())
}

func terminalCartError(rec *models.CartRecord, now time.Time) error {
	switch rec.EffectiveStatus(now) {
	case models.CartStatusExpired:
		return models.NewCartExpiredError(rec.CartID)
	case models.CartStatusInvalid:
		return models.NewCartInvalidError(rec.CartID, "cart is no longer valid, create a new cart")
	case models.CartStatusPurchased:
		return models.NewCartInvalidError(rec.CartID, "cart has already been purchased")
	}
	return nil
}

// fetchCart reads the provider cart into rec. A 404 marks the record invalid
// and is reported as cart_invalid.
func (s *CartService) fetchCart(ctx context.Context, op string, rec *models.CartRecord) (upstream.CartPayload, error) {
	resp, err := s.caller.Do(ctx, op, upstream.Request{
		Method: http.MethodGet,
		Path:   cartPath(rec.CartID),
	})
	if err != nil {
		if models.IsKind(err, models.KindUpstreamNotFound) {
			rec.Status = models.CartStatusInvalid
			s.records.SaveCart(ctx, rec)
			s.logger.WithFields(logrus.Fields{
				"cart_id":   rec.CartID,
				"record_id": rec.RecordID,
			}).Warn("Cart not found upstream, marking invalid")
			return upstream.CartPayload{}, models.NewCartInvalidError(rec.CartID, "cart not found upstream, create a new cart").WithOp(op, rec.CartID)
		}
		return upstream.CartPayload{}, withOp(err, op, rec.CartID)
	}
	body, err := decodeBody(op, resp)
	if err != nil {
		return upstream.CartPayload{}, err
	}
	cp := upstream.DecodeCart(body)
	rec.MergeItems(cp.Items)
	s.applyUpstreamState(rec, cp)
	return cp, nil
}

// applyUpstreamState copies the provider's status, expiry and currency onto
// the record. A purchased record stays purchased.
func (s *CartService) applyUpstreamState(rec *models.CartRecord, cp upstream.CartPayload) {
	if cp.ExpiresAt != nil {
		rec.ExpiresAt = cp.ExpiresAt
	}
	if rec.Currency == "" && cp.Currency != "" {
		rec.Currency = strings.ToUpper(cp.Currency)
	}
	if cp.RawStatus == "" || rec.Status == models.CartStatusPurchased {
		return
	}
	status, known := models.NormalizeCartStatus(cp.RawStatus)
	if !known {
		s.logger.WithFields(logrus.Fields{
			"cart_id":    rec.CartID,
			"raw_status": cp.RawStatus,
		}).Warn("Unknown cart status, treating as active")
	}
	if status == models.CartStatusActive && rec.Status == models.CartStatusNew {
		return
	}
	rec.Status = status
}

func (s *CartService) view(rec *models.CartRecord, rawStatus string) *models.Cart {
	items := rec.Items
	if items == nil {
		items = []models.CartItem{}
	}
	return &models.Cart{
		CartID:    rec.CartID,
		RecordID:  rec.RecordID,
		Currency:  rec.Currency,
		Items:     items,
		Status:    rec.EffectiveStatus(s.now()),
		RawStatus: rawStatus,
		ExpiresAt: rec.ExpiresAt,
	}
}

// dropCharges invalidates the cached charges after a write and detaches any
// in-flight read from the cache
func (s *CartService) dropCharges(ctx context.Context, cartID string) {
	key := chargesKey(cartID)
	s.chargesMu.Lock()
	s.chargesGen[key]++
	s.chargesMu.Unlock()
	s.charges.Forget(key)
	s.cache.Invalidate(ctx, key)
}

func (s *CartService) chargesGeneration(key string) uint64 {
	s.chargesMu.Lock()
	defer s.chargesMu.Unlock()
	return s.chargesGen[key]
}

func chargesKey(cartID string) string {
	return cache.Key("charges", cartID)
}

// cartPath builds carts/<id>/<parts...> with each part escaped
func cartPath(cartID string, parts ...string) string {
	segs := []string{"carts", url.PathEscape(cartID)}
	for _, p := range parts {
		segs = append(segs, url.PathEscape(p))
	}
	return strings.Join(segs, "/")
}

func decodeBody(op string, resp *upstream.Response) (map[string]any, error) {
	body, err := resp.JSON()
	if err != nil {
		return nil, models.NewBusinessError(resp.StatusCode, "unreadable_payload", "provider returned an unreadable payload").WithOp(op, "")
	}
	return body, nil
}

// withOp tags a BookingError with the operation and cart; other errors are
// wrapped
func withOp(err error, op, cartID string) error {
	if be, ok := models.AsBookingError(err); ok {
		return be.WithOp(op, cartID)
	}
	return fmt.Errorf("failed to %s: %w", strings.ReplaceAll(op, "_", " "), err)
}

func hasItem(items []models.CartItem, tripID string) bool {
	_, ok := findItem(items, tripID)
	return ok
}

func findItem(items []models.CartItem, tripID string) (models.CartItem, bool) {
	for _, it := range items {
		if it.TripID == tripID {
			return it, true
		}
	}
	return models.CartItem{}, false
}

func filterItems(items []models.CartItem, keep func(models.CartItem) bool) []models.CartItem {
	out := items[:0]
	for _, it := range items {
		if keep(it) {
			out = append(out, it)
		}
	}
	return out
}

// withLeg fills in what the provider echoed back incompletely
func withLeg(item models.CartItem, leg models.TripLegRequest) models.CartItem {
	if item.LegType == "" {
		item.LegType = leg.LegType
	}
	if len(item.Passengers) == 0 {
		item.Passengers = leg.Passengers
	}
	return item
}

func coversSegments(segments []models.Segment, ticketTypes map[string]string) bool {
	for _, seg := range segments {
		if ticketTypes[seg.ID] == "" {
			return false
		}
	}
	return true
}

// backfillTicketTypes returns a ticket type for every segment. A missing type
// is taken from the caller's other choices when the segment offers it, else
// the segment's first offered type.
func backfillTicketTypes(segments []models.Segment, given map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(segments))
	chosen := make(map[string]bool, len(given))
	for id, t := range given {
		if t == "" {
			continue
		}
		out[id] = t
		chosen[t] = true
	}

	for _, seg := range segments {
		if seg.ID == "" || out[seg.ID] != "" {
			continue
		}
		pick := ""
		for _, t := range seg.TicketTypes {
			if chosen[t] {
				pick = t
				break
			}
		}
		if pick == "" && len(seg.TicketTypes) > 0 {
			pick = seg.TicketTypes[0]
		}
		if pick == "" {
			return nil, models.ErrInvalidInputf("segment %s has no ticket type", seg.ID)
		}
		out[seg.ID] = pick
	}
	return out, nil
}
