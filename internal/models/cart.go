package models

import (
	"strings"
	"time"
)

// ============================================================================
// CART STATUS
// ============================================================================

// CartStatus is the normalized, caller-observable state of a cart
type CartStatus string

const (
	CartStatusNew       CartStatus = "new"
	CartStatusActive    CartStatus = "active"
	CartStatusExpired   CartStatus = "expired"
	CartStatusInvalid   CartStatus = "invalid"
	CartStatusPurchased CartStatus = "purchased"
)

// IsTerminal reports whether no further mutation may be attempted
func (s CartStatus) IsTerminal() bool {
	return s == CartStatusExpired || s == CartStatusInvalid || s == CartStatusPurchased
}

// cartStatusTable maps upstream cart status strings to normalized statuses
var cartStatusTable = map[string]CartStatus{
	"":            CartStatusActive,
	"new":         CartStatusActive,
	"open":        CartStatusActive,
	"active":      CartStatusActive,
	"pending":     CartStatusActive,
	"in_progress": CartStatusActive,
	"created":     CartStatusActive,
	"ready":       CartStatusActive,
	"expired":     CartStatusExpired,
	"timed_out":   CartStatusExpired,
	"invalid":     CartStatusInvalid,
	"cancelled":   CartStatusInvalid,
	"canceled":    CartStatusInvalid,
	"deleted":     CartStatusInvalid,
	"closed":      CartStatusInvalid,
	"completed":   CartStatusPurchased,
	"purchased":   CartStatusPurchased,
	"booked":      CartStatusPurchased,
}

// NormalizeCartStatus maps an upstream status string. The second return value
// is false when the string is not in the table, in which case active is
// assumed.
func NormalizeCartStatus(raw string) (CartStatus, bool) {
	s, ok := cartStatusTable[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		return CartStatusActive, false
	}
	return s, true
}

// ============================================================================
// LEGS, SEGMENTS, PASSENGERS
// ============================================================================

// LegType marks a trip leg as outbound or return
type LegType string

const (
	LegOutbound LegType = "outbound"
	LegReturn   LegType = "return"
)

// Valid reports whether the leg type is known
func (l LegType) Valid() bool {
	return l == LegOutbound || l == LegReturn
}

// Passenger is a traveller attached to a trip leg
type Passenger struct {
	ID        string `json:"id,omitempty" bson:"id,omitempty"`
	FirstName string `json:"first_name,omitempty" bson:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty" bson:"last_name,omitempty"`
	Category  string `json:"category" bson:"category"` // adult, child, senior...
	Age       *int   `json:"age,omitempty" bson:"age,omitempty"`
}

// Segment is one bus ride within a trip leg
type Segment struct {
	ID          string   `json:"id" bson:"id"`
	Origin      string   `json:"origin,omitempty" bson:"origin,omitempty"`
	Destination string   `json:"destination,omitempty" bson:"destination,omitempty"`
	TicketTypes []string `json:"ticket_types,omitempty" bson:"ticket_types,omitempty"`
}

// CartItem is a trip leg recorded in a cart
type CartItem struct {
	ID         string      `json:"id,omitempty" bson:"id,omitempty"`
	TripID     string      `json:"trip_id" bson:"trip_id"`
	LegType    LegType     `json:"leg_type" bson:"leg_type"`
	Segments   []Segment   `json:"segments,omitempty" bson:"segments,omitempty"`
	Passengers []Passenger `json:"passengers,omitempty" bson:"passengers,omitempty"`
}

// ============================================================================
// CART
// ============================================================================

// Cart is the caller-facing view of an in-progress reservation
type Cart struct {
	CartID     string     `json:"cart_id"`
	RecordID   string     `json:"record_id"`
	Currency   string     `json:"currency"`
	Items      []CartItem `json:"items"`
	Status     CartStatus `json:"status"`
	RawStatus  string     `json:"raw_status,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Charges    *Charges   `json:"charges,omitempty"`
	Idempotent bool       `json:"idempotent"`
}

// ItemByTripID returns the item for tripID, if present
func (c *Cart) ItemByTripID(tripID string) (*CartItem, bool) {
	for i := range c.Items {
		if c.Items[i].TripID == tripID {
			return &c.Items[i], true
		}
	}
	return nil, false
}

// TripLegRequest is one leg of an add-trip call
type TripLegRequest struct {
	TripID     string      `json:"trip_id" binding:"required"`
	LegType    LegType     `json:"leg_type"`
	Passengers []Passenger `json:"passengers,omitempty"`
}

// AddTripRequest adds one or more legs to a cart. Passengers applies to every
// leg that does not carry its own list.
type AddTripRequest struct {
	CartID     string           `json:"cart_id"`
	Legs       []TripLegRequest `json:"legs"`
	Passengers []Passenger      `json:"passengers"`
}

// Validate validates the request and fills in defaults
func (r *AddTripRequest) Validate() error {
	if strings.TrimSpace(r.CartID) == "" {
		return ErrInvalidInput("cart_id is required")
	}
	if len(r.Legs) == 0 {
		return ErrInvalidInput("at least one trip is required")
	}
	for i := range r.Legs {
		leg := &r.Legs[i]
		leg.TripID = strings.TrimSpace(leg.TripID)
		if leg.TripID == "" {
			return ErrInvalidInputf("legs[%d].trip_id is required", i)
		}
		if leg.LegType == "" {
			if i == 0 {
				leg.LegType = LegOutbound
			} else {
				leg.LegType = LegReturn
			}
		}
		if !leg.LegType.Valid() {
			return ErrInvalidInputf("legs[%d].leg_type must be outbound or return", i)
		}
		if len(leg.Passengers) == 0 {
			leg.Passengers = r.Passengers
		}
		if len(leg.Passengers) == 0 {
			return ErrInvalidInputf("legs[%d] has no passengers", i)
		}
	}
	return nil
}

// CompositeKey identifies the request for in-flight de-duplication:
// tripId[+returnTripId]
func (r *AddTripRequest) CompositeKey() string {
	ids := make([]string, 0, len(r.Legs))
	for _, leg := range r.Legs {
		ids = append(ids, strings.TrimSpace(leg.TripID))
	}
	return strings.Join(ids, "+")
}

// UpdatePassengersRequest replaces the passengers of one trip leg
type UpdatePassengersRequest struct {
	CartID      string            `json:"cart_id"`
	TripID      string            `json:"trip_id"`
	Passengers  []Passenger       `json:"passengers"`
	TicketTypes map[string]string `json:"ticket_types"` // segment id -> ticket type
}

// Validate validates the request
func (r *UpdatePassengersRequest) Validate() error {
	if strings.TrimSpace(r.CartID) == "" {
		return ErrInvalidInput("cart_id is required")
	}
	if strings.TrimSpace(r.TripID) == "" {
		return ErrInvalidInput("trip_id is required")
	}
	if len(r.Passengers) == 0 {
		return ErrInvalidInput("at least one passenger is required")
	}
	for i, p := range r.Passengers {
		if strings.TrimSpace(p.FirstName) == "" || strings.TrimSpace(p.LastName) == "" {
			return ErrInvalidInputf("passengers[%d] requires first_name and last_name", i)
		}
	}
	return nil
}

// CartFragment is the result of a passenger update
type CartFragment struct {
	CartID      string            `json:"cart_id"`
	TripID      string            `json:"trip_id"`
	Passengers  []Passenger       `json:"passengers"`
	TicketTypes map[string]string `json:"ticket_types"`
}

// Purchaser is the person paying for the cart
type Purchaser struct {
	FirstName string `json:"first_name" bson:"first_name"`
	LastName  string `json:"last_name" bson:"last_name"`
	Email     string `json:"email" bson:"email"`
	Phone     string `json:"phone" bson:"phone"`
	OptIn     bool   `json:"opt_in_marketing,omitempty" bson:"opt_in_marketing,omitempty"`
}

// PurchaserRecord is the purchaser as accepted by the upstream
type PurchaserRecord struct {
	CartID    string    `json:"cart_id"`
	Purchaser Purchaser `json:"purchaser"`
	UpdatedAt time.Time `json:"updated_at"`
}
