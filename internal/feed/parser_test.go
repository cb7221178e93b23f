package feed

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMessage = "🚀 New Transaction\n\n🔹 Ticker: PEPE\n📊 KRC20 Amount: 476,574\n💰 KAS Amount: 115\n💵 Price per unit: 0.00024131\n\n🔗 Contract Address: kaspa:qp772xwvjlfa54kajvxz2zyn52mmjf7usctm8e64635885z0eq4rjku0cm962"

func TestParse_FullMessage(t *testing.T) {
	f, err := Parse(sampleMessage)
	require.NoError(t, err)
	assert.Equal(t, "PEPE", f.Ticker)
	assert.Equal(t, 476574.0, f.KRC20Amount)
	assert.Equal(t, 115.0, f.KASAmount)
}

func TestParse_DecimalAmounts(t *testing.T) {
	f, err := Parse("Ticker: NACHO\nKRC20 Amount: 1,000,000.5\nKAS Amount: 0.25")
	require.NoError(t, err)
	assert.Equal(t, 1000000.5, f.KRC20Amount)
	assert.Equal(t, 0.25, f.KASAmount)
}

func TestParse_MissingKASAmount(t *testing.T) {
	_, err := Parse("🔹 Ticker: PEPE\n📊 KRC20 Amount: 476574\n💵 Price per unit: 0.00024131")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingField))

	var fe *FieldError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, FieldKASAmount, fe.Field)
}

func TestParse_MissingTicker(t *testing.T) {
	_, err := Parse("KRC20 Amount: 1\nKAS Amount: 2")
	var fe *FieldError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, FieldTicker, fe.Field)
	assert.ErrorIs(t, err, ErrMissingField)
}

func TestParse_EmptyValueIsMissing(t *testing.T) {
	_, err := Parse("Ticker: PEPE\nKRC20 Amount:   \nKAS Amount: 2")
	assert.ErrorIs(t, err, ErrMissingField)
}

func TestParse_InvalidFields(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		field string
	}{
		{"ticker too long", "Ticker: TOOLONGT\nKRC20 Amount: 1\nKAS Amount: 2", FieldTicker},
		{"ticker with space", "Ticker: A B\nKRC20 Amount: 1\nKAS Amount: 2", FieldTicker},
		{"non-numeric amount", "Ticker: PEPE\nKRC20 Amount: lots\nKAS Amount: 2", FieldKRC20Amount},
		{"negative amount", "Ticker: PEPE\nKRC20 Amount: 1\nKAS Amount: -2", FieldKASAmount},
		{"infinite amount", "Ticker: PEPE\nKRC20 Amount: Inf\nKAS Amount: 2", FieldKRC20Amount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.text)
			require.ErrorIs(t, err, ErrInvalidField)
			var fe *FieldError
			require.True(t, errors.As(err, &fe))
			assert.Equal(t, tt.field, fe.Field)
		})
	}
}

func TestParse_SixCharacterTicker(t *testing.T) {
	f, err := Parse("Ticker: KASPER\nKRC20 Amount: 1\nKAS Amount: 2")
	require.NoError(t, err)
	assert.Equal(t, "KASPER", f.Ticker)
}

func TestRawMessage_Transaction(t *testing.T) {
	msg := RawMessage{ID: 42, ChannelID: 1, SenderID: 2, Text: sampleMessage, Date: 1717000000000}

	tx, err := msg.Transaction(7)
	require.NoError(t, err)
	assert.Equal(t, 7, tx.SourceID)
	assert.Equal(t, int64(42), tx.MessageID)
	assert.Equal(t, "PEPE", tx.Ticker)
	assert.Equal(t, int64(1717000000000), tx.CreatedAt)

	assert.True(t, msg.From(1, 2))
	assert.False(t, msg.From(1, 3))
}
