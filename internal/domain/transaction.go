package domain

// MaxTickerLength is the longest KRC20 ticker accepted from the feed.
const MaxTickerLength = 6

// Transaction is a KRC20 trade parsed out of a feed message.
type Transaction struct {
	SourceID    int     `json:"id_source"`
	MessageID   int64   `json:"message_id"`
	Ticker      string  `json:"ticker"`
	KRC20Amount float64 `json:"krc20_amount"`
	KASAmount   float64 `json:"kas_amount"`
	CreatedAt   int64   `json:"created_at"` // Unix timestamp in milliseconds
}

// PricePerUnit returns the KAS paid per KRC20 token, or 0 when the amount is zero.
func (t Transaction) PricePerUnit() float64 {
	if t.KRC20Amount == 0 {
		return 0
	}
	return t.KASAmount / t.KRC20Amount
}
