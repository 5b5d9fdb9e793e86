package database

import (
	"context"
	"testing"
	"time"

	"github.com/smarttransit/trip-booking-core/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRecordStore_UpsertMergesSets(t *testing.T) {
	store := NewMemoryRecordStore()
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, &models.CartRecord{
		RecordID:     "rec_1",
		CartID:       "cart_A",
		AddedTripIDs: []string{"trip_1"},
		Status:       models.CartStatusActive,
		Purchaser:    &models.Purchaser{FirstName: "Ada"},
	}))

	// a writer that only knows the new id and the second trip
	require.NoError(t, store.Upsert(ctx, &models.CartRecord{
		RecordID:     "rec_1",
		CartID:       "cart_B",
		AddedTripIDs: []string{"trip_2"},
		Status:       models.CartStatusActive,
	}))

	for _, id := range []string{"cart_A", "cart_B", "rec_1"} {
		rec, err := store.ResolveByCartID(ctx, id)
		require.NoError(t, err, id)
		assert.Equal(t, "rec_1", rec.RecordID)
		assert.Equal(t, "cart_B", rec.CartID)
	}

	rec, err := store.GetByRecordID(ctx, "rec_1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"trip_1", "trip_2"}, rec.AddedTripIDs)
	assert.ElementsMatch(t, []string{"cart_A", "cart_B"}, rec.CartIDAliases)
	require.NotNil(t, rec.Purchaser)
	assert.Equal(t, "Ada", rec.Purchaser.FirstName)

	_, err = store.ResolveByCartID(ctx, "cart_Z")
	assert.ErrorIs(t, err, models.ErrRecordNotFound)
}

func TestMemoryRecordStore_ReturnsCopies(t *testing.T) {
	store := NewMemoryRecordStore()
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, &models.CartRecord{RecordID: "rec_1", CartID: "cart_A", AddedTripIDs: []string{"trip_1"}}))

	rec, err := store.GetByRecordID(ctx, "rec_1")
	require.NoError(t, err)
	rec.AddedTripIDs[0] = "mutated"

	again, err := store.GetByRecordID(ctx, "rec_1")
	require.NoError(t, err)
	assert.Equal(t, []string{"trip_1"}, again.AddedTripIDs)
}

func TestMemoryRecordStore_ExpireStale(t *testing.T) {
	store := NewMemoryRecordStore()
	ctx := context.Background()
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	require.NoError(t, store.Upsert(ctx, &models.CartRecord{RecordID: "old", CartID: "c1", Status: models.CartStatusActive, ExpiresAt: &past}))
	require.NoError(t, store.Upsert(ctx, &models.CartRecord{RecordID: "fresh", CartID: "c2", Status: models.CartStatusActive, ExpiresAt: &future}))
	require.NoError(t, store.Upsert(ctx, &models.CartRecord{RecordID: "done", CartID: "c3", Status: models.CartStatusPurchased, ExpiresAt: &past}))

	n, err := store.ExpireStale(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rec, _ := store.GetByRecordID(ctx, "old")
	assert.Equal(t, models.CartStatusExpired, rec.Status)
	rec, _ = store.GetByRecordID(ctx, "done")
	assert.Equal(t, models.CartStatusPurchased, rec.Status)
}

func TestMemoryRecordStore_InsertFinalizedOnce(t *testing.T) {
	store := NewMemoryRecordStore()
	ctx := context.Background()

	first := &models.PurchaseRecord{PurchaseID: "pur_1", PurchaseUUID: "uuid_1", AdjustedTotal: 2375}
	inserted, err := store.InsertFinalized(ctx, first)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.NotEmpty(t, first.ID)

	inserted, err = store.InsertFinalized(ctx, &models.PurchaseRecord{PurchaseID: "pur_1", PurchaseUUID: "uuid_1", AdjustedTotal: 1})
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, 1, store.FinalizedCount())

	got, err := store.GetFinalized(ctx, "pur_1", "uuid_1")
	require.NoError(t, err)
	assert.Equal(t, int64(2375), got.AdjustedTotal)

	_, err = store.GetFinalized(ctx, "pur_1", "other")
	assert.ErrorIs(t, err, models.ErrRecordNotFound)
}
