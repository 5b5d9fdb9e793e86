package upstream

import (
	"strings"
)

// Shape is the classification of an upstream cart mutation response
type Shape int

const (
	ShapeUnknown Shape = iota
	ShapeCartObject
	ShapeTripToken
)

func (s Shape) String() string {
	switch s {
	case ShapeCartObject:
		return "cart_object"
	case ShapeTripToken:
		return "trip_token"
	default:
		return "unknown"
	}
}

// cartIDRules locate the cart id in a cart-like payload
var cartIDRules = Paths("cart.id", "cart.cart_id", "data.id", "data.cart_id", "cart_id", "id")

// cartBodyRules locate the object that carries the cart fields
var cartBodyRules = Paths("cart", "data")

// cartFieldKeys are the keys that make an object look like a cart
var cartFieldKeys = []string{"items", "status", "charges", "trips", "expires_at"}

// tripTokenPrefixes are id prefixes the provider uses for trip and departure
// tokens, never for carts
var tripTokenPrefixes = []string{"trip_", "trp_", "dep_", "departure_", "fare_"}

// tripTokenMinLength marks long opaque tokens; cart ids are short
const tripTokenMinLength = 64

// ClassifyCartResponse decides what a cart mutation response carries. A trip
// token response is checked first so that a cart-looking envelope around a
// trip id is never mistaken for a new cart.
func ClassifyCartResponse(payload map[string]any, submittedTripID string) Shape {
	id, ok := FirstString(payload, cartIDRules)
	if !ok {
		return ShapeUnknown
	}
	if looksLikeTripToken(id, submittedTripID) {
		return ShapeTripToken
	}
	if looksLikeCartObject(payload) {
		return ShapeCartObject
	}
	return ShapeUnknown
}

// looksLikeCartObject reports whether payload (or its cart/data envelope) has
// an id and at least one cart field
func looksLikeCartObject(payload map[string]any) bool {
	candidates := []map[string]any{payload}
	if body, ok := FirstObject(payload, cartBodyRules); ok {
		candidates = append([]map[string]any{body}, candidates...)
	}
	for _, obj := range candidates {
		if _, ok := FirstString(obj, Paths("id", "cart_id")); !ok {
			continue
		}
		for _, key := range cartFieldKeys {
			if _, ok := obj[key]; ok {
				return true
			}
		}
	}
	return false
}

// looksLikeTripToken reports whether id is a trip/departure token rather than
// a cart id
func looksLikeTripToken(id, submittedTripID string) bool {
	if id == "" {
		return false
	}
	if submittedTripID != "" && id == submittedTripID {
		return true
	}
	lower := strings.ToLower(id)
	for _, prefix := range tripTokenPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return len(id) >= tripTokenMinLength
}

// AdoptCartID applies the reconciliation rule to a mutation response. The
// returned id is the one all later calls must use; adopted is true when it
// differs from current.
func AdoptCartID(current, submittedTripID string, payload map[string]any) (id string, adopted bool) {
	if ClassifyCartResponse(payload, submittedTripID) != ShapeCartObject {
		return current, false
	}
	returned, _ := FirstString(payload, cartIDRules)
	if returned == "" || returned == current {
		return current, false
	}
	return returned, true
}
