package domain

import (
	"encoding/json"
	"fmt"
)

// Topics partition journal entries and broker messages.
const (
	TopicRates        = "rates"
	TopicTransactions = "transactions"
)

// Envelope methods tell clients how to interpret Data.
const (
	MethodRates       = "kas-rates"
	MethodTransaction = "krc20-transaction"
)

// Envelope is the wire message delivered to subscribers for both replay and live tail.
// Data holds the serialized entity payload.
type Envelope struct {
	Method string `json:"method"`
	Data   string `json:"data"`
}

// NewEnvelope serializes payload and wraps it with method.
func NewEnvelope(method string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", method, err)
	}
	return Envelope{Method: method, Data: string(data)}, nil
}

// Encode returns the JSON form of the envelope.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// MethodForTopic returns the envelope method used on topic.
func MethodForTopic(topic string) (string, bool) {
	switch topic {
	case TopicRates:
		return MethodRates, true
	case TopicTransactions:
		return MethodTransaction, true
	default:
		return "", false
	}
}
