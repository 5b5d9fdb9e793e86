package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/smarttransit/trip-booking-core/internal/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const cartRecordsCollection = "cart_records"

// CartRecordRepository stores canonical cart records in MongoDB. Documents are
// keyed by record id; every upstream cart id the cart has had is kept in
// cart_id_aliases so lookups by any of them resolve to the same record.
type CartRecordRepository struct {
	collection *mongo.Collection
	now        func() time.Time
}

// NewCartRecordRepository creates a new cart record repository
func NewCartRecordRepository(db *mongo.Database) *CartRecordRepository {
	return &CartRecordRepository{
		collection: db.Collection(cartRecordsCollection),
		now:        time.Now,
	}
}

// GetByRecordID returns the record with the given canonical id
func (r *CartRecordRepository) GetByRecordID(ctx context.Context, recordID string) (*models.CartRecord, error) {
	return r.findOne(ctx, bson.M{"_id": recordID})
}

// ResolveByCartID returns the record that has, or ever had, cartID. A record
// id is accepted too.
func (r *CartRecordRepository) ResolveByCartID(ctx context.Context, cartID string) (*models.CartRecord, error) {
	filter := bson.M{"$or": bson.A{
		bson.M{"cart_id": cartID},
		bson.M{"cart_id_aliases": cartID},
		bson.M{"_id": cartID},
	}}
	return r.findOne(ctx, filter)
}

func (r *CartRecordRepository) findOne(ctx context.Context, filter bson.M) (*models.CartRecord, error) {
	var record models.CartRecord
	err := r.collection.FindOne(ctx, filter).Decode(&record)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, models.ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to get cart record: %w", err)
	}
	return &record, nil
}

// Upsert writes record, merging with what is stored: trip ids and cart id
// aliases are added to the stored sets, never replaced, and optional fields
// left empty on record keep their stored values.
func (r *CartRecordRepository) Upsert(ctx context.Context, record *models.CartRecord) error {
	now := r.now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	set := bson.M{
		"cart_id":    record.CartID,
		"currency":   record.Currency,
		"items":      nonNilItems(record.Items),
		"status":     record.Status,
		"updated_at": record.UpdatedAt,
	}
	if record.ExpiresAt != nil {
		set["expires_at"] = record.ExpiresAt
	}
	if record.Purchaser != nil {
		set["purchaser"] = record.Purchaser
	}
	if record.PurchaseID != "" {
		set["purchase_id"] = record.PurchaseID
	}
	if record.PurchaseUUID != "" {
		set["purchase_uuid"] = record.PurchaseUUID
	}

	aliases := nonNilStrings(record.CartIDAliases)
	if record.CartID != "" && !containsAlias(aliases, record.CartID) {
		aliases = append(append([]string{}, aliases...), record.CartID)
	}

	update := bson.M{
		"$set": set,
		"$addToSet": bson.M{
			"added_trip_ids":  bson.M{"$each": nonNilStrings(record.AddedTripIDs)},
			"cart_id_aliases": bson.M{"$each": aliases},
		},
		"$setOnInsert": bson.M{"created_at": record.CreatedAt},
	}

	opts := options.Update().SetUpsert(true)
	if _, err := r.collection.UpdateOne(ctx, bson.M{"_id": record.RecordID}, update, opts); err != nil {
		return fmt.Errorf("failed to upsert cart record: %w", err)
	}
	return nil
}

// ExpireStale marks non-terminal records whose expires_at has passed as
// expired and returns how many changed
func (r *CartRecordRepository) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	filter := bson.M{
		"status":     bson.M{"$in": bson.A{models.CartStatusNew, models.CartStatusActive}},
		"expires_at": bson.M{"$lte": now},
	}
	update := bson.M{"$set": bson.M{
		"status":     models.CartStatusExpired,
		"updated_at": now,
	}}

	result, err := r.collection.UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, fmt.Errorf("failed to expire cart records: %w", err)
	}
	return result.ModifiedCount, nil
}

// DeleteAll removes every cart record and returns how many were deleted
func (r *CartRecordRepository) DeleteAll(ctx context.Context) (int64, error) {
	result, err := r.collection.DeleteMany(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("failed to delete cart records: %w", err)
	}
	return result.DeletedCount, nil
}

// CreateIndexes creates the lookup indexes
func (r *CartRecordRepository) CreateIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "cart_id", Value: 1}}},
		{Keys: bson.D{{Key: "cart_id_aliases", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "expires_at", Value: 1}}},
		{
			Keys:    bson.D{{Key: "updated_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(30 * 24 * 60 * 60), // 30 days TTL
		},
	}

	if _, err := r.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilItems(items []models.CartItem) []models.CartItem {
	if items == nil {
		return []models.CartItem{}
	}
	return items
}

func containsAlias(aliases []string, id string) bool {
	for _, a := range aliases {
		if a == id {
			return true
		}
	}
	return false
}
