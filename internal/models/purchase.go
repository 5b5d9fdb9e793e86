package models

import (
	"strings"
	"time"
)

// ============================================================================
// PURCHASE STATES (normalized)
// ============================================================================

// PurchaseState is the normalized state of an upstream purchase
type PurchaseState string

const (
	PurchaseStatePending   PurchaseState = "pending"
	PurchaseStateCompleted PurchaseState = "completed"
	PurchaseStateFailed    PurchaseState = "failed"
)

// PollOutcome is how status polling ended
type PollOutcome string

const (
	PollOutcomeCompleted PollOutcome = "completed"
	PollOutcomeFailed    PollOutcome = "failed"
	PollOutcomeTimeout   PollOutcome = "timeout"
)

// purchaseStateTable is the explicit lookup for provider status and step
// strings. Anything not listed is treated as pending.
var purchaseStateTable = map[string]PurchaseState{
	// completed
	"completed":          PurchaseStateCompleted,
	"complete":           PurchaseStateCompleted,
	"booked":             PurchaseStateCompleted,
	"confirmed":          PurchaseStateCompleted,
	"success":            PurchaseStateCompleted,
	"succeeded":          PurchaseStateCompleted,
	"successful":         PurchaseStateCompleted,
	"done":               PurchaseStateCompleted,
	"purchase_completed": PurchaseStateCompleted,
	"booking_completed":  PurchaseStateCompleted,
	"tickets_issued":     PurchaseStateCompleted,

	// failed
	"failed":          PurchaseStateFailed,
	"failure":         PurchaseStateFailed,
	"error":           PurchaseStateFailed,
	"errored":         PurchaseStateFailed,
	"cancelled":       PurchaseStateFailed,
	"canceled":        PurchaseStateFailed,
	"declined":        PurchaseStateFailed,
	"rejected":        PurchaseStateFailed,
	"expired":         PurchaseStateFailed,
	"payment_failed":  PurchaseStateFailed,
	"booking_failed":  PurchaseStateFailed,
	"purchase_failed": PurchaseStateFailed,
	"aborted":         PurchaseStateFailed,

	// pending
	"pending":          PurchaseStatePending,
	"processing":       PurchaseStatePending,
	"in_progress":      PurchaseStatePending,
	"created":          PurchaseStatePending,
	"queued":           PurchaseStatePending,
	"started":          PurchaseStatePending,
	"booking":          PurchaseStatePending,
	"payment":          PurchaseStatePending,
	"awaiting_payment": PurchaseStatePending,
	"confirming":       PurchaseStatePending,
	"ticketing":        PurchaseStatePending,
}

func lookupPurchaseState(raw string) (PurchaseState, bool) {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.ReplaceAll(key, "-", "_")
	key = strings.ReplaceAll(key, " ", "_")
	s, ok := purchaseStateTable[key]
	return s, ok
}

// NormalizePurchaseState maps a provider status (and optional step) to
// exactly one of completed, failed or pending. The status wins when it is a
// known terminal value; otherwise a known terminal step is used.
func NormalizePurchaseState(status, step string) PurchaseState {
	statusState, statusKnown := lookupPurchaseState(status)
	if statusKnown && statusState != PurchaseStatePending {
		return statusState
	}
	if stepState, ok := lookupPurchaseState(step); ok && stepState != PurchaseStatePending {
		return stepState
	}
	return PurchaseStatePending
}

// ============================================================================
// PURCHASE TYPES
// ============================================================================

// PurchaseOptions are caller-supplied settings for creating a purchase
type PurchaseOptions struct {
	Locale        string `json:"locale,omitempty"`
	ReturnURL     string `json:"return_url,omitempty"`
	PaymentMethod string `json:"payment_method,omitempty"`
}

// PurchaseHandle identifies a created purchase
type PurchaseHandle struct {
	PurchaseID    string `json:"purchase_id"`
	PurchaseUUID  string `json:"purchase_uuid"`
	CartID        string `json:"cart_id"`
	RecordID      string `json:"record_id"`
	AlreadyBooked bool   `json:"already_booked"`
	Total         int64  `json:"total"`
	Currency      string `json:"currency"`
}

// PurchaseStatus is a single normalized status read
type PurchaseStatus struct {
	PurchaseID string        `json:"purchase_id"`
	State      PurchaseState `json:"state"`
	RawStatus  string        `json:"raw_status"`
	Step       string        `json:"step,omitempty"`
}

// PurchaseResult is the outcome of completing a purchase
type PurchaseResult struct {
	PurchaseID       string        `json:"purchase_id"`
	PurchaseUUID     string        `json:"purchase_uuid"`
	CartID           string        `json:"cart_id,omitempty"`
	RecordID         string        `json:"record_id,omitempty"`
	PollOutcome      PollOutcome   `json:"poll_outcome"`
	State            PurchaseState `json:"state"`
	RawStatus        string        `json:"raw_status,omitempty"`
	BookingReference string        `json:"booking_reference,omitempty"`
	Currency         string        `json:"currency,omitempty"`
	OriginalTotal    int64         `json:"original_total"`
	AdjustedTotal    int64         `json:"adjusted_total"`
	DiscountAmount   int64         `json:"discount_amount"`
	FailureReason    string        `json:"failure_reason,omitempty"`
	FinalizedAt      *time.Time    `json:"finalized_at,omitempty"`
	AlreadyFinalized bool          `json:"already_finalized"`
}

// ============================================================================
// DURABLE RECORDS
// ============================================================================

// CartRecord is the durable, canonically keyed record of a logical cart.
// RecordID never changes; CartID follows upstream reassignments and
// CartIDAliases keeps every id the cart has ever had.
type CartRecord struct {
	RecordID      string      `json:"record_id" bson:"_id"`
	CartID        string      `json:"cart_id" bson:"cart_id"`
	CartIDAliases []string    `json:"cart_id_aliases" bson:"cart_id_aliases"`
	Currency      string      `json:"currency" bson:"currency"`
	AddedTripIDs  []string    `json:"added_trip_ids" bson:"added_trip_ids"`
	Items         []CartItem  `json:"items" bson:"items"`
	Status        CartStatus  `json:"status" bson:"status"`
	ExpiresAt     *time.Time  `json:"expires_at,omitempty" bson:"expires_at,omitempty"`
	Purchaser     *Purchaser  `json:"purchaser,omitempty" bson:"purchaser,omitempty"`
	PurchaseID    string      `json:"purchase_id,omitempty" bson:"purchase_id,omitempty"`
	PurchaseUUID  string      `json:"purchase_uuid,omitempty" bson:"purchase_uuid,omitempty"`
	CreatedAt     time.Time   `json:"created_at" bson:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at" bson:"updated_at"`
}

// HasTrip reports whether tripID was already recorded as added
func (r *CartRecord) HasTrip(tripID string) bool {
	for _, id := range r.AddedTripIDs {
		if id == tripID {
			return true
		}
	}
	return false
}

// HasAlias reports whether id is, or ever was, this cart's upstream id
func (r *CartRecord) HasAlias(id string) bool {
	if r.CartID == id {
		return true
	}
	for _, a := range r.CartIDAliases {
		if a == id {
			return true
		}
	}
	return false
}

// AdoptCartID switches the record to a new upstream id, keeping the old one
// as an alias
func (r *CartRecord) AdoptCartID(id string) {
	if id == "" || id == r.CartID {
		return
	}
	r.CartIDAliases = appendUnique(r.CartIDAliases, r.CartID)
	r.CartID = id
	r.CartIDAliases = appendUnique(r.CartIDAliases, id)
}

// MarkTripAdded records tripID in the monotonic added set
func (r *CartRecord) MarkTripAdded(tripID string) {
	r.AddedTripIDs = appendUnique(r.AddedTripIDs, tripID)
}

// MergeItems merges items into the record by trip id. Existing legs are never
// dropped; a leg present in both is replaced by the newer version.
func (r *CartRecord) MergeItems(items []CartItem) {
	for _, it := range items {
		replaced := false
		for i := range r.Items {
			if r.Items[i].TripID == it.TripID {
				r.Items[i] = mergeItem(r.Items[i], it)
				replaced = true
				break
			}
		}
		if !replaced {
			r.Items = append(r.Items, it)
		}
	}
}

// EffectiveStatus returns the record status, treating an elapsed expires_at
// as expired
func (r *CartRecord) EffectiveStatus(now time.Time) CartStatus {
	if r.Status.IsTerminal() {
		return r.Status
	}
	if r.ExpiresAt != nil && !now.Before(*r.ExpiresAt) {
		return CartStatusExpired
	}
	if r.Status == "" {
		return CartStatusActive
	}
	return r.Status
}

func mergeItem(old, newer CartItem) CartItem {
	out := newer
	if out.ID == "" {
		out.ID = old.ID
	}
	if len(out.Segments) == 0 {
		out.Segments = old.Segments
	}
	if len(out.Passengers) == 0 {
		out.Passengers = old.Passengers
	}
	if out.LegType == "" {
		out.LegType = old.LegType
	}
	return out
}

// PurchaseRecord is the single finalize record written per purchase
type PurchaseRecord struct {
	ID               string        `json:"id" db:"id"`
	PurchaseID       string        `json:"purchase_id" db:"purchase_id"`
	PurchaseUUID     string        `json:"purchase_uuid" db:"purchase_uuid"`
	CartID           string        `json:"cart_id" db:"cart_id"`
	RecordID         string        `json:"record_id" db:"record_id"`
	State            PurchaseState `json:"state" db:"state"`
	PollOutcome      PollOutcome   `json:"poll_outcome" db:"poll_outcome"`
	RawStatus        string        `json:"raw_status" db:"raw_status"`
	BookingReference string        `json:"booking_reference" db:"booking_reference"`
	Currency         string        `json:"currency" db:"currency"`
	OriginalTotal    int64         `json:"original_total" db:"original_total"`
	AdjustedTotal    int64         `json:"adjusted_total" db:"adjusted_total"`
	DiscountAmount   int64         `json:"discount_amount" db:"discount_amount"`
	FailureReason    string        `json:"failure_reason" db:"failure_reason"`
	FinalizedAt      time.Time     `json:"finalized_at" db:"finalized_at"`
}

// ToResult converts a finalize record back into the result it produced
func (r *PurchaseRecord) ToResult() *PurchaseResult {
	finalizedAt := r.FinalizedAt
	return &PurchaseResult{
		PurchaseID:       r.PurchaseID,
		PurchaseUUID:     r.PurchaseUUID,
		CartID:           r.CartID,
		RecordID:         r.RecordID,
		PollOutcome:      r.PollOutcome,
		State:            r.State,
		RawStatus:        r.RawStatus,
		BookingReference: r.BookingReference,
		Currency:         r.Currency,
		OriginalTotal:    r.OriginalTotal,
		AdjustedTotal:    r.AdjustedTotal,
		DiscountAmount:   r.DiscountAmount,
		FailureReason:    r.FailureReason,
		FinalizedAt:      &finalizedAt,
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func appendUnique(list []string, s string) []string {
	if s == "" || containsString(list, s) {
		return list
	}
	return append(list, s)
}
