package models

import (
	"strings"
	"time"
)

// SearchRequest asks the upstream for departures between two places
type SearchRequest struct {
	Origin      string `json:"origin" binding:"required"`
	Destination string `json:"destination" binding:"required"`
	Date        string `json:"date" binding:"required"` // YYYY-MM-DD
	Currency    string `json:"currency"`
	Locale      string `json:"locale"`
	Adults      int    `json:"adults"`
	Children    int    `json:"children"`
	Seniors     int    `json:"seniors"`
}

// Validate validates the search request and fills in defaults
func (r *SearchRequest) Validate() error {
	r.Origin = strings.TrimSpace(r.Origin)
	r.Destination = strings.TrimSpace(r.Destination)
	if r.Origin == "" {
		return ErrInvalidInput("origin is required")
	}
	if r.Destination == "" {
		return ErrInvalidInput("destination is required")
	}
	if r.Origin == r.Destination {
		return ErrInvalidInput("origin and destination must be different")
	}
	if _, err := time.Parse("2006-01-02", r.Date); err != nil {
		return ErrInvalidInput("date must be in YYYY-MM-DD format")
	}
	if r.Adults < 0 || r.Children < 0 || r.Seniors < 0 {
		return ErrInvalidInput("passenger counts must not be negative")
	}
	if r.Adults+r.Children+r.Seniors == 0 {
		r.Adults = 1
	}
	if r.Locale == "" {
		r.Locale = "en"
	}
	return nil
}

// Departure is one bookable trip returned by a search, with its price
// already adjusted
type Departure struct {
	TripID          string     `json:"trip_id"`
	Operator        string     `json:"operator,omitempty"`
	DepartureTime   *time.Time `json:"departure_time,omitempty"`
	ArrivalTime     *time.Time `json:"arrival_time,omitempty"`
	Currency        string     `json:"currency"`
	OriginalPrice   int64      `json:"original_price"`
	Price           int64      `json:"price"`
	DiscountAmount  int64      `json:"discount_amount"`
	DiscountPercent string     `json:"discount_percent"`
	AvailableSeats  *int       `json:"available_seats,omitempty"`
}

// SearchResult is a completed search
type SearchResult struct {
	Origin      string      `json:"origin"`
	Destination string      `json:"destination"`
	Date        string      `json:"date"`
	Currency    string      `json:"currency"`
	Departures  []Departure `json:"departures"`
	Complete    bool        `json:"complete"`
	Cached      bool        `json:"cached"`
}
