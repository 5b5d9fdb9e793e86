package models

import "strings"

// ChargeItem is one line of a cart's charge breakdown. Amounts are in minor
// units; Amount is what the customer pays, OriginalAmount is what the upstream
// quoted.
type ChargeItem struct {
	ID             string `json:"id,omitempty"`
	Description    string `json:"description,omitempty"`
	OriginalAmount int64  `json:"original_amount"`
	Amount         int64  `json:"amount"`
}

// Charges is a cart's adjusted charge summary
type Charges struct {
	CartID           string       `json:"cart_id"`
	Currency         string       `json:"currency"`
	OriginalTotal    int64        `json:"original_total"`
	OriginalSubtotal int64        `json:"original_subtotal"`
	Total            int64        `json:"total"`
	Subtotal         int64        `json:"subtotal"`
	DiscountAmount   int64        `json:"discount_amount"`
	DiscountPercent  string       `json:"discount_percent"`
	Items            []ChargeItem `json:"items,omitempty"`
}

// Validate checks charges submitted by a caller for acceptance
func (c *Charges) Validate() error {
	if c == nil {
		return ErrInvalidInput("charges are required")
	}
	if len(strings.TrimSpace(c.Currency)) != 3 {
		return ErrInvalidInput("charges.currency must be a 3-letter ISO code")
	}
	if c.OriginalTotal < 0 {
		return ErrInvalidInput("charges.original_total must not be negative")
	}
	return nil
}

// ValidateCurrency checks for a 3-letter ISO 4217 code and returns it upper-cased
func ValidateCurrency(currency string) (string, error) {
	c := strings.ToUpper(strings.TrimSpace(currency))
	if len(c) != 3 {
		return "", ErrInvalidInput("currency must be a 3-letter ISO code")
	}
	for _, r := range c {
		if r < 'A' || r > 'Z' {
			return "", ErrInvalidInput("currency must be a 3-letter ISO code")
		}
	}
	return c, nil
}
