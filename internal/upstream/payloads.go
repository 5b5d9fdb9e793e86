package upstream

import (
	"time"

	"github.com/smarttransit/trip-booking-core/internal/models"
)

// ============================================================================
// EXTRACTION SCHEMAS
// ============================================================================

var (
	cartItemsRules     = Paths("cart.items", "data.items", "items", "cart.trips", "trips")
	cartStatusRules    = Paths("cart.status", "data.status", "status")
	cartCurrencyRules  = Paths("cart.currency", "data.currency", "currency")
	cartExpiresAtRules = Paths("cart.expires_at", "data.expires_at", "expires_at")

	itemIDRules         = Paths("id", "item_id")
	itemTripIDRules     = Paths("trip_id", "trip.id", "departure_id")
	itemLegTypeRules    = Paths("leg_type", "direction")
	itemSegmentsRules   = Paths("segments", "trip.segments", "legs")
	itemPassengersRules = Paths("passengers", "trip.passengers")

	segmentIDRules          = Paths("id", "segment_id")
	segmentOriginRules      = Paths("origin.name", "origin", "from")
	segmentDestinationRules = Paths("destination.name", "destination", "to")
	segmentTicketTypesRules = Paths("ticket_types", "available_ticket_types", "fares")

	chargesBodyRules     = Paths("charges", "cart.charges", "data.charges", "data")
	chargesTotalRules    = Paths("total", "amount_total", "total.amount")
	chargesSubtotalRules = Paths("subtotal", "amount_subtotal", "subtotal.amount")
	chargesCurrencyRules = Paths("currency", "total.currency")
	chargesItemsRules    = Paths("items", "lines", "line_items")
	chargeAmountRules    = Paths("amount", "total", "price")
	chargeDescRules      = Paths("description", "label", "name")

	departuresRules       = Paths("departures", "data.departures", "results", "data")
	departureIDRules      = Paths("trip_id", "id", "departure_id")
	departureOperatorRule = Paths("operator.name", "operator_name", "operator")
	departureTimeRules    = Paths("departure_time", "departure.time", "departs_at")
	arrivalTimeRules      = Paths("arrival_time", "arrival.time", "arrives_at")
	departurePriceRules   = Paths("prices.total", "price.total", "price", "total")
	departureCurrRules    = Paths("prices.currency", "price.currency", "currency")
	departureSeatsRules   = Paths("available_seats", "seats.available")
	searchCompleteRules   = Paths("complete", "metadata.complete")

	purchaseBodyRules    = Paths("purchase", "data")
	purchaseIDRules      = Paths("id", "purchase_id")
	purchaseUUIDRules    = Paths("uuid", "purchase_uuid")
	purchaseCartRules    = Paths("cart_id", "cart.id")
	purchaseStatusRules  = Paths("status", "state")
	purchaseStepRules    = Paths("step", "status_step", "progress.step")
	purchaseRefRules     = Paths("booking_reference", "reference", "confirmation_code")
	purchaseTotalRules   = Paths("charges.total", "total", "amount")
	purchaseCurrRules    = Paths("charges.currency", "currency")
	purchaseFailureRules = Paths("failure_reason", "error.message", "message")
)

// ============================================================================
// CART
// ============================================================================

// CartPayload is the cart state read from a provider response
type CartPayload struct {
	ID        string
	RawStatus string
	Currency  string
	ExpiresAt *time.Time
	Items     []models.CartItem
}

// DecodeCart extracts cart fields from a cart, mutation or verification
// response. Missing fields are left empty.
func DecodeCart(payload map[string]any) CartPayload {
	var out CartPayload
	out.ID, _ = FirstString(payload, cartIDRules)
	out.RawStatus, _ = FirstString(payload, cartStatusRules)
	out.Currency, _ = FirstString(payload, cartCurrencyRules)
	if raw, ok := FirstString(payload, cartExpiresAtRules); ok {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			out.ExpiresAt = &t
		}
	}
	if items, ok := FirstList(payload, cartItemsRules); ok {
		for _, raw := range items {
			obj, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if item, ok := decodeItem(obj); ok {
				out.Items = append(out.Items, item)
			}
		}
	}
	return out
}

func decodeItem(obj map[string]any) (models.CartItem, bool) {
	tripID, ok := FirstString(obj, itemTripIDRules)
	if !ok {
		return models.CartItem{}, false
	}
	item := models.CartItem{TripID: tripID}
	item.ID, _ = FirstString(obj, itemIDRules)
	if leg, ok := FirstString(obj, itemLegTypeRules); ok && models.LegType(leg).Valid() {
		item.LegType = models.LegType(leg)
	}
	if segs, ok := FirstList(obj, itemSegmentsRules); ok {
		for _, raw := range segs {
			seg, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			item.Segments = append(item.Segments, decodeSegment(seg))
		}
	}
	if pax, ok := FirstList(obj, itemPassengersRules); ok {
		for _, raw := range pax {
			p, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			item.Passengers = append(item.Passengers, decodePassenger(p))
		}
	}
	return item, true
}

func decodeSegment(obj map[string]any) models.Segment {
	seg := models.Segment{}
	seg.ID, _ = FirstString(obj, segmentIDRules)
	seg.Origin, _ = FirstString(obj, segmentOriginRules)
	seg.Destination, _ = FirstString(obj, segmentDestinationRules)
	if types, ok := FirstList(obj, segmentTicketTypesRules); ok {
		for _, t := range types {
			switch v := t.(type) {
			case string:
				seg.TicketTypes = append(seg.TicketTypes, v)
			case map[string]any:
				if name, ok := FirstString(v, Paths("code", "id", "name")); ok {
					seg.TicketTypes = append(seg.TicketTypes, name)
				}
			}
		}
	}
	return seg
}

func decodePassenger(obj map[string]any) models.Passenger {
	p := models.Passenger{}
	p.ID, _ = FirstString(obj, Paths("id"))
	p.FirstName, _ = FirstString(obj, Paths("first_name"))
	p.LastName, _ = FirstString(obj, Paths("last_name"))
	p.Category, _ = FirstString(obj, Paths("category", "type"))
	if age, ok := FirstInt(obj, Paths("age")); ok {
		a := int(age)
		p.Age = &a
	}
	return p
}

// ============================================================================
// CHARGES
// ============================================================================

// ChargesPayload is the raw (unadjusted) charge breakdown of a cart
type ChargesPayload struct {
	Currency string
	Total    int64
	Subtotal int64
	Items    []models.ChargeItem
}

// DecodeCharges extracts the charge breakdown. ok is false when no total can
// be found.
func DecodeCharges(payload map[string]any) (ChargesPayload, bool) {
	body, found := FirstObject(payload, chargesBodyRules)
	if !found {
		body = payload
	}
	total, ok := FirstInt(body, chargesTotalRules)
	if !ok {
		return ChargesPayload{}, false
	}
	out := ChargesPayload{Total: total}
	out.Currency, _ = FirstString(body, chargesCurrencyRules)
	if sub, ok := FirstInt(body, chargesSubtotalRules); ok {
		out.Subtotal = sub
	} else {
		out.Subtotal = total
	}
	if lines, ok := FirstList(body, chargesItemsRules); ok {
		for _, raw := range lines {
			obj, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			amount, ok := FirstInt(obj, chargeAmountRules)
			if !ok {
				continue
			}
			line := models.ChargeItem{OriginalAmount: amount, Amount: amount}
			line.ID, _ = FirstString(obj, Paths("id"))
			line.Description, _ = FirstString(obj, chargeDescRules)
			out.Items = append(out.Items, line)
		}
	}
	return out, true
}

// ============================================================================
// SEARCH
// ============================================================================

// DeparturePayload is one raw search result
type DeparturePayload struct {
	TripID         string
	Operator       string
	DepartureTime  *time.Time
	ArrivalTime    *time.Time
	Currency       string
	Price          int64
	AvailableSeats *int
}

// DecodeDepartures extracts the priced departures of a search payload.
// Entries without an id or an integral price are skipped.
func DecodeDepartures(payload map[string]any) []DeparturePayload {
	list, ok := FirstList(payload, departuresRules)
	if !ok {
		return nil
	}
	out := make([]DeparturePayload, 0, len(list))
	for _, raw := range list {
		obj, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		id, ok := FirstString(obj, departureIDRules)
		if !ok {
			continue
		}
		price, ok := FirstInt(obj, departurePriceRules)
		if !ok {
			continue
		}
		d := DeparturePayload{TripID: id, Price: price}
		d.Operator, _ = FirstString(obj, departureOperatorRule)
		d.Currency, _ = FirstString(obj, departureCurrRules)
		d.DepartureTime = firstTime(obj, departureTimeRules)
		d.ArrivalTime = firstTime(obj, arrivalTimeRules)
		if seats, ok := FirstInt(obj, departureSeatsRules); ok {
			n := int(seats)
			d.AvailableSeats = &n
		}
		out = append(out, d)
	}
	return out
}

// SearchComplete reports whether a search payload declares itself complete.
// A payload without the flag is complete when it carries no next link.
func SearchComplete(payload map[string]any) bool {
	if v, ok := FirstString(payload, searchCompleteRules); ok {
		return v == "true"
	}
	_, hasLink := FirstString(payload, pollLinkRules)
	return !hasLink
}

// ============================================================================
// PURCHASE
// ============================================================================

// PurchasePayload is a purchase as reported by the provider
type PurchasePayload struct {
	ID               string
	UUID             string
	CartID           string
	RawStatus        string
	Step             string
	BookingReference string
	Currency         string
	Total            int64
	HasTotal         bool
	FailureReason    string
}

// DecodePurchase extracts purchase fields from a create, status or details
// response
func DecodePurchase(payload map[string]any) PurchasePayload {
	body, found := FirstObject(payload, purchaseBodyRules)
	if !found {
		body = payload
	}
	var out PurchasePayload
	out.ID, _ = FirstString(body, purchaseIDRules)
	out.UUID, _ = FirstString(body, purchaseUUIDRules)
	out.CartID, _ = FirstString(body, purchaseCartRules)
	out.RawStatus, _ = FirstString(body, purchaseStatusRules)
	out.Step, _ = FirstString(body, purchaseStepRules)
	out.BookingReference, _ = FirstString(body, purchaseRefRules)
	out.Currency, _ = FirstString(body, purchaseCurrRules)
	out.Total, out.HasTotal = FirstInt(body, purchaseTotalRules)
	out.FailureReason, _ = FirstString(body, purchaseFailureRules)
	return out
}

// State normalizes the purchase's status and step
func (p PurchasePayload) State() models.PurchaseState {
	return models.NormalizePurchaseState(p.RawStatus, p.Step)
}

func firstTime(obj map[string]any, rules []Rule) *time.Time {
	raw, ok := FirstString(obj, rules)
	if !ok {
		return nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}
	return &t
}
