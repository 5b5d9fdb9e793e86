package database

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/smarttransit/trip-booking-core/internal/models"
)

// MemoryRecordStore keeps cart and purchase records in process memory. It
// follows the same merge and insert-if-absent rules as the MongoDB and
// PostgreSQL repositories and is used in development mode and tests.
type MemoryRecordStore struct {
	mu        sync.RWMutex
	carts     map[string]*models.CartRecord // by record id
	purchases map[string]*models.PurchaseRecord
	now       func() time.Time
}

// NewMemoryRecordStore creates an empty store
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{
		carts:     make(map[string]*models.CartRecord),
		purchases: make(map[string]*models.PurchaseRecord),
		now:       time.Now,
	}
}

// GetByRecordID returns a copy of the record
func (s *MemoryRecordStore) GetByRecordID(_ context.Context, recordID string) (*models.CartRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.carts[recordID]
	if !ok {
		return nil, models.ErrRecordNotFound
	}
	return copyCartRecord(rec), nil
}

// ResolveByCartID finds the record by current id, alias or record id
func (s *MemoryRecordStore) ResolveByCartID(_ context.Context, cartID string) (*models.CartRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if rec, ok := s.carts[cartID]; ok {
		return copyCartRecord(rec), nil
	}
	for _, rec := range s.carts {
		if rec.HasAlias(cartID) {
			return copyCartRecord(rec), nil
		}
	}
	return nil, models.ErrRecordNotFound
}

// Upsert merges record into the stored one
func (s *MemoryRecordStore) Upsert(_ context.Context, record *models.CartRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	incoming := copyCartRecord(record)
	stored, ok := s.carts[record.RecordID]
	if !ok {
		incoming.CartIDAliases = appendAlias(incoming.CartIDAliases, incoming.CartID)
		s.carts[record.RecordID] = incoming
		return nil
	}

	stored.CartID = incoming.CartID
	stored.Currency = incoming.Currency
	stored.Items = incoming.Items
	stored.Status = incoming.Status
	stored.UpdatedAt = incoming.UpdatedAt
	if incoming.ExpiresAt != nil {
		stored.ExpiresAt = incoming.ExpiresAt
	}
	if incoming.Purchaser != nil {
		stored.Purchaser = incoming.Purchaser
	}
	if incoming.PurchaseID != "" {
		stored.PurchaseID = incoming.PurchaseID
	}
	if incoming.PurchaseUUID != "" {
		stored.PurchaseUUID = incoming.PurchaseUUID
	}
	for _, id := range incoming.AddedTripIDs {
		stored.MarkTripAdded(id)
	}
	for _, a := range incoming.CartIDAliases {
		stored.CartIDAliases = appendAlias(stored.CartIDAliases, a)
	}
	stored.CartIDAliases = appendAlias(stored.CartIDAliases, incoming.CartID)
	return nil
}

// ExpireStale marks elapsed, non-terminal records as expired
func (s *MemoryRecordStore) ExpireStale(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, rec := range s.carts {
		if rec.Status.IsTerminal() || rec.ExpiresAt == nil || now.Before(*rec.ExpiresAt) {
			continue
		}
		rec.Status = models.CartStatusExpired
		rec.UpdatedAt = now
		n++
	}
	return n, nil
}

// GetFinalized returns the finalize record for the purchase
func (s *MemoryRecordStore) GetFinalized(_ context.Context, purchaseID, purchaseUUID string) (*models.PurchaseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.purchases[purchaseKey(purchaseID, purchaseUUID)]
	if !ok {
		return nil, models.ErrRecordNotFound
	}
	cp := *rec
	return &cp, nil
}

// InsertFinalized stores record unless the purchase already has one
func (s *MemoryRecordStore) InsertFinalized(_ context.Context, record *models.PurchaseRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := purchaseKey(record.PurchaseID, record.PurchaseUUID)
	if _, exists := s.purchases[key]; exists {
		return false, nil
	}
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.FinalizedAt.IsZero() {
		record.FinalizedAt = s.now().UTC()
	}
	cp := *record
	s.purchases[key] = &cp
	return true, nil
}

// FinalizedCount returns the number of stored finalize records
func (s *MemoryRecordStore) FinalizedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.purchases)
}

func purchaseKey(purchaseID, purchaseUUID string) string {
	return purchaseID + "\x00" + purchaseUUID
}

func appendAlias(aliases []string, id string) []string {
	if id == "" || containsAlias(aliases, id) {
		return aliases
	}
	return append(aliases, id)
}

func copyCartRecord(rec *models.CartRecord) *models.CartRecord {
	cp := *rec
	cp.CartIDAliases = append([]string(nil), rec.CartIDAliases...)
	cp.AddedTripIDs = append([]string(nil), rec.AddedTripIDs...)
	cp.Items = make([]models.CartItem, len(rec.Items))
	for i, it := range rec.Items {
		it.Segments = append([]models.Segment(nil), it.Segments...)
		it.Passengers = append([]models.Passenger(nil), it.Passengers...)
		cp.Items[i] = it
	}
	if rec.ExpiresAt != nil {
		t := *rec.ExpiresAt
		cp.ExpiresAt = &t
	}
	if rec.Purchaser != nil {
		p := *rec.Purchaser
		cp.Purchaser = &p
	}
	return &cp
}
