package domain

import (
	"encoding/json"
	"fmt"
)

// Quote is one price source's reported price for a single aggregation cycle.
// A nil Price means the fetch failed or timed out.
type Quote struct {
	SourceID  string   // exchange identifier, e.g. "kraken"
	Price     *float64 // last traded price, nil when absent
	FetchedAt int64    // Unix timestamp in milliseconds
}

// HasPrice reports whether the quote carries a price.
func (q Quote) HasPrice() bool {
	return q.Price != nil
}

// MarshalJSON encodes the quote as a [source, price] pair, with null for an absent price.
func (q Quote) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{q.SourceID, q.Price})
}

// UnmarshalJSON decodes a [source, price] pair.
func (q *Quote) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("quote: expected [source, price] pair, got %d elements", len(pair))
	}
	if err := json.Unmarshal(pair[0], &q.SourceID); err != nil {
		return fmt.Errorf("quote source: %w", err)
	}
	q.Price = nil
	if err := json.Unmarshal(pair[1], &q.Price); err != nil {
		return fmt.Errorf("quote price: %w", err)
	}
	return nil
}

// PriceSnapshot is the result of one aggregation cycle.
// Quotes has exactly one entry per configured source, in configuration order.
type PriceSnapshot struct {
	Quotes    []Quote `json:"data"`
	Timestamp int64   `json:"timestamp"` // Unix timestamp in milliseconds
}

// Available returns the number of quotes that carry a price.
func (s PriceSnapshot) Available() int {
	n := 0
	for _, q := range s.Quotes {
		if q.HasPrice() {
			n++
		}
	}
	return n
}
