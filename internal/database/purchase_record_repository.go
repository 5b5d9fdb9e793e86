package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/smarttransit/trip-booking-core/internal/models"
)

// PurchaseRecordRepository stores purchase finalize records in PostgreSQL.
// The (purchase_id, purchase_uuid) pair is unique, so a record is written at
// most once.
type PurchaseRecordRepository struct {
	db *sqlx.DB
}

// NewPurchaseRecordRepository creates a new purchase record repository
func NewPurchaseRecordRepository(db *sqlx.DB) *PurchaseRecordRepository {
	return &PurchaseRecordRepository{db: db}
}

// GetFinalized returns the finalize record for the purchase
func (r *PurchaseRecordRepository) GetFinalized(ctx context.Context, purchaseID, purchaseUUID string) (*models.PurchaseRecord, error) {
	var record models.PurchaseRecord
	query := `
		SELECT id, purchase_id, purchase_uuid, cart_id, record_id, state, poll_outcome,
		       raw_status, booking_reference, currency, original_total, adjusted_total,
		       discount_amount, failure_reason, finalized_at
		FROM purchase_records
		WHERE purchase_id = $1 AND purchase_uuid = $2
	`
	err := r.db.GetContext(ctx, &record, query, purchaseID, purchaseUUID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to get purchase record: %w", err)
	}
	return &record, nil
}

// InsertFinalized writes record unless one already exists for the purchase.
// It reports whether this call inserted the row.
func (r *PurchaseRecordRepository) InsertFinalized(ctx context.Context, record *models.PurchaseRecord) (bool, error) {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.FinalizedAt.IsZero() {
		record.FinalizedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO purchase_records (
			id, purchase_id, purchase_uuid, cart_id, record_id, state, poll_outcome,
			raw_status, booking_reference, currency, original_total, adjusted_total,
			discount_amount, failure_reason, finalized_at
		) VALUES (
			:id, :purchase_id, :purchase_uuid, :cart_id, :record_id, :state, :poll_outcome,
			:raw_status, :booking_reference, :currency, :original_total, :adjusted_total,
			:discount_amount, :failure_reason, :finalized_at
		)
		ON CONFLICT (purchase_id, purchase_uuid) DO NOTHING
	`
	result, err := r.db.NamedExecContext(ctx, query, record)
	if err != nil {
		return false, fmt.Errorf("failed to insert purchase record: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return rows == 1, nil
}
