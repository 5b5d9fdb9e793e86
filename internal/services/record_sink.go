package services

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smarttransit/trip-booking-core/internal/models"
)

// CartRecordStore persists canonical cart records (MongoDB or in-memory)
type CartRecordStore interface {
	GetByRecordID(ctx context.Context, recordID string) (*models.CartRecord, error)
	ResolveByCartID(ctx context.Context, cartID string) (*models.CartRecord, error)
	Upsert(ctx context.Context, record *models.CartRecord) error
	ExpireStale(ctx context.Context, now time.Time) (int64, error)
}

// PurchaseRecordStore persists purchase finalize records (PostgreSQL or
// in-memory)
type PurchaseRecordStore interface {
	GetFinalized(ctx context.Context, purchaseID, purchaseUUID string) (*models.PurchaseRecord, error)
	InsertFinalized(ctx context.Context, record *models.PurchaseRecord) (bool, error)
}

// RecordSink is the narrow durable-record interface used by the
// orchestrators. Cart writes are best-effort; the finalize write is retried
// once and its error reported.
type RecordSink struct {
	carts     CartRecordStore
	purchases PurchaseRecordStore
	logger    *logrus.Logger
}

// NewRecordSink creates a new record sink
func NewRecordSink(carts CartRecordStore, purchases PurchaseRecordStore, logger *logrus.Logger) *RecordSink {
	return &RecordSink{
		carts:     carts,
		purchases: purchases,
		logger:    logger,
	}
}

// LoadCart resolves the record for any id the cart has had. A missing record
// is (nil, nil); a store failure is a persistence error.
func (s *RecordSink) LoadCart(ctx context.Context, cartID string) (*models.CartRecord, error) {
	rec, err := s.carts.ResolveByCartID(ctx, cartID)
	if err != nil {
		if errors.Is(err, models.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, models.NewPersistenceError("load_cart", err).WithOp("load_cart", cartID)
	}
	return rec, nil
}

// SaveCart writes the record, logging a failure instead of returning it
func (s *RecordSink) SaveCart(ctx context.Context, rec *models.CartRecord) {
	if err := s.carts.Upsert(ctx, rec); err != nil {
		s.logger.WithFields(logrus.Fields{
			"record_id": rec.RecordID,
			"cart_id":   rec.CartID,
			"kind":      models.KindPersistence,
		}).WithError(err).Warn("Failed to save cart record")
	}
}

// ExpireStale marks elapsed cart records as expired
func (s *RecordSink) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	n, err := s.carts.ExpireStale(ctx, now)
	if err != nil {
		return 0, models.NewPersistenceError("expire_stale", err)
	}
	return n, nil
}

// FinalizedPurchase returns the finalize record for the purchase, or nil when
// none exists
func (s *RecordSink) FinalizedPurchase(ctx context.Context, purchaseID, purchaseUUID string) (*models.PurchaseRecord, error) {
	rec, err := s.purchases.GetFinalized(ctx, purchaseID, purchaseUUID)
	if err != nil {
		if errors.Is(err, models.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, models.NewPersistenceError("get_finalized", err)
	}
	return rec, nil
}

// Finalize writes the finalize record, retrying once on failure. inserted is
// false when the purchase already had a record.
func (s *RecordSink) Finalize(ctx context.Context, rec *models.PurchaseRecord) (inserted bool, err error) {
	for attempt := 1; attempt <= 2; attempt++ {
		inserted, err = s.purchases.InsertFinalized(ctx, rec)
		if err == nil {
			return inserted, nil
		}
		s.logger.WithFields(logrus.Fields{
			"purchase_id": rec.PurchaseID,
			"attempt":     attempt,
		}).WithError(err).Warn("Finalize write failed")
		if ctx.Err() != nil {
			break
		}
	}
	return false, models.NewPersistenceError("finalize", err)
}
