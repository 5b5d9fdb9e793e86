package services

import (
	"context"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/trip-booking-core/internal/events"
	"github.com/smarttransit/trip-booking-core/internal/models"
	"github.com/smarttransit/trip-booking-core/internal/upstream"
	"github.com/smarttransit/trip-booking-core/pkg/pricing"
)

// PurchaseConfig holds purchase completion settings
type PurchaseConfig struct {
	StatusCeiling     time.Duration
	StatusMaxAttempts int
	DefaultLocale     string
}

// DefaultPurchaseConfig returns default purchase configuration
func DefaultPurchaseConfig() PurchaseConfig {
	return PurchaseConfig{
		StatusCeiling:     120 * time.Second,
		StatusMaxAttempts: 40,
		DefaultLocale:     "en",
	}
}

// PurchaseService creates purchases, polls them to a terminal state and
// writes exactly one finalize record per purchase
type PurchaseService struct {
	caller    *upstream.Caller
	poller    *upstream.Poller
	records   *RecordSink
	pricing   *pricing.Engine
	publisher events.Publisher
	config    PurchaseConfig
	now       func() time.Time
	logger    *logrus.Logger
}

// NewPurchaseService creates a new purchase service
func NewPurchaseService(
	caller *upstream.Caller,
	poller *upstream.Poller,
	records *RecordSink,
	engine *pricing.Engine,
	publisher events.Publisher,
	config PurchaseConfig,
	logger *logrus.Logger,
) *PurchaseService {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &PurchaseService{
		caller:    caller,
		poller:    poller,
		records:   records,
		pricing:   engine,
		publisher: publisher,
		config:    config,
		now:       time.Now,
		logger:    logger,
	}
}

// CreatePurchase submits the cart's current charges as the purchase basis.
// A 303 from the provider means the cart was already booked and is returned
// as a handle with AlreadyBooked set.
func (s *PurchaseService) CreatePurchase(ctx context.Context, cartID string, opts models.PurchaseOptions) (*models.PurchaseHandle, error) {
	const op = "create_purchase"

	cartID = strings.TrimSpace(cartID)
	if cartID == "" {
		return nil, models.ErrInvalidInput("cart_id is required")
	}
	if opts.Locale == "" {
		opts.Locale = s.config.DefaultLocale
	}

	// Step 1: Resolve the cart record
	rec := s.loadRecord(ctx, cartID)
	if err := terminalCartError(rec, s.now()); err != nil {
		return nil, err
	}

	// Step 2: Read the provider's charges for the cart
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
	charges, ok := upstream.DecodeCharges(body)
	if !ok {
		return nil, models.NewBusinessError(resp.StatusCode, "missing_charges", "provider returned no charge total").WithOp(op, rec.CartID)
	}
	if charges.Currency == "" {
		charges.Currency = rec.Currency
	}

	// Step 3: Create the purchase
	purchaseBody := map[string]any{
		"cart_id": rec.CartID,
		"charges": map[string]any{
			"currency": strings.ToUpper(charges.Currency),
			"total":    charges.Total,
		},
		"locale": opts.Locale,
	}
	if opts.ReturnURL != "" {
		purchaseBody["return_url"] = opts.ReturnURL
	}
	if opts.PaymentMethod != "" {
		purchaseBody["payment_method"] = opts.PaymentMethod
	}
	resp, err = s.caller.Do(ctx, op, upstream.Request{
		Method: http.MethodPost,
		Path:   "purchases",
		Body:   purchaseBody,
	})
	if err != nil {
		return nil, withOp(err, op, rec.CartID)
	}

	handle := &models.PurchaseHandle{
		CartID:        rec.CartID,
		RecordID:      rec.RecordID,
		AlreadyBooked: resp.StatusCode == http.StatusSeeOther,
	}
	if created, err := resp.JSON(); err == nil {
		p := upstream.DecodePurchase(created)
		handle.PurchaseID = p.ID
		handle.PurchaseUUID = p.UUID
	}
	if handle.PurchaseID == "" {
		handle.PurchaseID, handle.PurchaseUUID = purchaseFromLocation(resp.Location(), handle.PurchaseUUID)
	}
	if handle.PurchaseID == "" {
		return nil, models.NewBusinessError(resp.StatusCode, "missing_purchase_id", "provider returned no purchase id").WithOp(op, rec.CartID)
	}

	fig := s.pricing.Adjust(charges.Total, charges.Currency)
	handle.Total = fig.Adjusted
	handle.Currency = fig.Currency

	rec.PurchaseID = handle.PurchaseID
	rec.PurchaseUUID = handle.PurchaseUUID
	s.records.SaveCart(ctx, rec)

	s.logger.WithFields(logrus.Fields{
		"cart_id":        rec.CartID,
		"purchase_id":    handle.PurchaseID,
		"already_booked": handle.AlreadyBooked,
		"total":          handle.Total,
	}).Info("Purchase created")

	return handle, nil
}

// GetPurchaseStatus reads the purchase status once and normalizes it
func (s *PurchaseService) GetPurchaseStatus(ctx context.Context, purchaseID, purchaseUUID string) (*models.PurchaseStatus, error) {
	const op = "get_purchase_status"

	if err := validatePurchaseKey(purchaseID, purchaseUUID); err != nil {
		return nil, err
	}
	resp, err := s.caller.Do(ctx, op, statusRequest(purchaseID, purchaseUUID))
	if err != nil {
		return nil, withOp(err, op, "")
	}
	body, err := decodeBody(op, resp)
	if err != nil {
		return nil, err
	}
	p := upstream.DecodePurchase(body)
	return &models.PurchaseStatus{
		PurchaseID: purchaseID,
		State:      p.State(),
		RawStatus:  p.RawStatus,
		Step:       p.Step,
	}, nil
}

// CompletePurchase polls the purchase to completed or failed and finalizes
// it once. A purchase that already has a finalize record is returned as
// recorded. Running out of poll budget returns a timeout outcome and writes
// nothing, so the call can be repeated.
func (s *PurchaseService) CompletePurchase(ctx context.Context, purchaseID, purchaseUUID string) (*models.PurchaseResult, error) {
	const op = "complete_purchase"

	if err := validatePurchaseKey(purchaseID, purchaseUUID); err != nil {
		return nil, err
	}
	logger := s.logger.WithFields(logrus.Fields{
		"purchase_id":   purchaseID,
		"purchase_uuid": purchaseUUID,
	})

	// Step 1: Already finalized?
	if prior := s.finalized(ctx, purchaseID, purchaseUUID); prior != nil {
		logger.Info("Purchase already finalized, returning recorded result")
		return prior, nil
	}

	// Step 2: Poll status to a terminal state
	payload, err := s.poller.Poll(ctx, upstream.PollRequest{
		Surface: "purchase_status",
		Request: statusRequest(purchaseID, purchaseUUID),
		Ceiling: s.config.StatusCeiling,
		Done: func(body map[string]any) bool {
			return upstream.DecodePurchase(body).State() != models.PurchaseStatePending
		},
		MaxAttempts: s.config.StatusMaxAttempts,
	})
	if err != nil {
		if models.IsKind(err, models.KindTimeout) && ctx.Err() == nil {
			logger.WithError(err).Warn("Purchase still pending after polling budget")
			return &models.PurchaseResult{
				PurchaseID:   purchaseID,
				PurchaseUUID: purchaseUUID,
				PollOutcome:  models.PollOutcomeTimeout,
				State:        models.PurchaseStatePending,
			}, nil
		}
		return nil, withOp(err, op, "")
	}
	status := upstream.DecodePurchase(payload.Body)
	state := status.State()

	// Step 3: Full details, once, for a completed purchase
	details := status
	if state == models.PurchaseStateCompleted {
		resp, err := s.caller.Do(ctx, op, upstream.Request{
			Method: http.MethodGet,
			Path:   "purchases/" + url.PathEscape(purchaseID),
			Query:  url.Values{"uuid": []string{purchaseUUID}},
		})
		if err != nil {
			return nil, withOp(err, op, "")
		}
		body, err := decodeBody(op, resp)
		if err != nil {
			return nil, err
		}
		details = mergePurchase(upstream.DecodePurchase(body), status)
	}

	// Step 4: Adjusted totals from the provider's raw total
	rec := &models.PurchaseRecord{
		PurchaseID:       purchaseID,
		PurchaseUUID:     purchaseUUID,
		CartID:           details.CartID,
		State:            state,
		PollOutcome:      models.PollOutcome(state),
		RawStatus:        details.RawStatus,
		BookingReference: details.BookingReference,
	}
	var cart *models.CartRecord
	if details.CartID != "" {
		cart = s.loadRecord(ctx, details.CartID)
		rec.RecordID = cart.RecordID
		rec.CartID = cart.CartID
	}
	currency := details.Currency
	if currency == "" && cart != nil {
		currency = cart.Currency
	}
	fig := s.pricing.Adjust(details.Total, currency)
	rec.Currency = fig.Currency
	rec.OriginalTotal = fig.Original
	rec.AdjustedTotal = fig.Adjusted
	rec.DiscountAmount = fig.Discount
	if state == models.PurchaseStateFailed {
		rec.FailureReason = details.FailureReason
	}

	// Step 5: Write the single finalize record
	result := s.toResult(rec)
	inserted, err := s.records.Finalize(ctx, rec)
	if err != nil {
		logger.WithError(err).Error("Failed to write finalize record")
		return result, nil
	}
	if !inserted {
		if prior := s.finalized(ctx, purchaseID, purchaseUUID); prior != nil {
			return prior, nil
		}
		return result, nil
	}
	result.FinalizedAt = &rec.FinalizedAt

	// Step 6: Close the cart and announce the purchase
	if cart != nil {
		if state == models.PurchaseStateCompleted {
			cart.Status = models.CartStatusPurchased
		} else {
			cart.Status = models.CartStatusInvalid
		}
		s.records.SaveCart(ctx, cart)
	}
	if err := s.publisher.PublishPurchaseFinalized(ctx, events.NewPurchaseFinalized(rec)); err != nil {
		logger.WithError(err).Warn("Failed to publish purchase finalized event")
	}

	logger.WithFields(logrus.Fields{
		"state":          state,
		"adjusted_total": rec.AdjustedTotal,
		"poll_requests":  payload.Requests,
	}).Info("Purchase finalized")

	return result, nil
}

// finalized returns the recorded result, or nil when there is none or the
// store cannot be read
func (s *PurchaseService) finalized(ctx context.Context, purchaseID, purchaseUUID string) *models.PurchaseResult {
	rec, err := s.records.FinalizedPurchase(ctx, purchaseID, purchaseUUID)
	if err != nil {
		s.logger.WithError(err).WithField("purchase_id", purchaseID).Warn("Could not read finalize record")
		return nil
	}
	if rec == nil {
		return nil
	}
	result := rec.ToResult()
	result.AlreadyFinalized = true
	return result
}

func (s *PurchaseService) loadRecord(ctx context.Context, cartID string) *models.CartRecord {
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
		Status:   models.CartStatusActive,
	}
}

func (s *PurchaseService) toResult(rec *models.PurchaseRecord) *models.PurchaseResult {
	return &models.PurchaseResult{
		PurchaseID:       rec.PurchaseID,
		PurchaseUUID:     rec.PurchaseUUID,
		CartID:           rec.CartID,
		RecordID:         rec.RecordID,
		PollOutcome:      rec.PollOutcome,
		State:            rec.State,
		RawStatus:        rec.RawStatus,
		BookingReference: rec.BookingReference,
		Currency:         rec.Currency,
		OriginalTotal:    rec.OriginalTotal,
		AdjustedTotal:    rec.AdjustedTotal,
		DiscountAmount:   rec.DiscountAmount,
		FailureReason:    rec.FailureReason,
	}
}

func validatePurchaseKey(purchaseID, purchaseUUID string) error {
	if strings.TrimSpace(purchaseID) == "" {
		return models.ErrInvalidInput("purchase_id is required")
	}
	if strings.TrimSpace(purchaseUUID) == "" {
		return models.ErrInvalidInput("purchase_uuid is required")
	}
	return nil
}

func statusRequest(purchaseID, purchaseUUID string) upstream.Request {
	return upstream.Request{
		Method: http.MethodGet,
		Path:   "purchases/" + url.PathEscape(purchaseID) + "/status",
		Query:  url.Values{"uuid": []string{purchaseUUID}},
	}
}

// mergePurchase prefers the details payload and fills gaps from the status
// payload
func mergePurchase(details, status upstream.PurchasePayload) upstream.PurchasePayload {
	if details.CartID == "" {
		details.CartID = status.CartID
	}
	if details.RawStatus == "" {
		details.RawStatus = status.RawStatus
	}
	if details.BookingReference == "" {
		details.BookingReference = status.BookingReference
	}
	if !details.HasTotal && status.HasTotal {
		details.Total = status.Total
		details.HasTotal = true
	}
	if details.Currency == "" {
		details.Currency = status.Currency
	}
	return details
}

// purchaseFromLocation reads purchases/<id>?uuid=<uuid> from a redirect
func purchaseFromLocation(location, fallbackUUID string) (string, string) {
	if location == "" {
		return "", fallbackUUID
	}
	u, err := url.Parse(location)
	if err != nil {
		return "", fallbackUUID
	}
	id := path.Base(strings.TrimSuffix(u.Path, "/"))
	if id == "." || id == "/" || id == "purchases" {
		id = ""
	}
	purchaseUUID := u.Query().Get("uuid")
	if purchaseUUID == "" {
		purchaseUUID = fallbackUUID
	}
	return id, purchaseUUID
}
