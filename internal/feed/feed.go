// Package feed reads KRC20 transaction announcements from a chat feed.
//
// A Client exposes the feed's history (newest first) and its live stream;
// Parse turns a message body into transaction fields.
package feed

import (
	"context"
	"iter"

	"kas-watch/internal/domain"
)

// RawMessage is one feed message as delivered by the relay.
type RawMessage struct {
	ID        int64  `json:"id"`
	ChannelID int64  `json:"channel_id"`
	SenderID  int64  `json:"sender_id"`
	Text      string `json:"text"`
	Date      int64  `json:"date"` // Unix timestamp in milliseconds
}

// From reports whether the message was posted by sender in channel.
func (m RawMessage) From(channelID, senderID int64) bool {
	return m.ChannelID == channelID && m.SenderID == senderID
}

// Transaction parses the message body and stamps it with the source, message ID and date.
func (m RawMessage) Transaction(sourceID int) (*domain.Transaction, error) {
	fields, err := Parse(m.Text)
	if err != nil {
		return nil, err
	}
	return &domain.Transaction{
		SourceID:    sourceID,
		MessageID:   m.ID,
		Ticker:      fields.Ticker,
		KRC20Amount: fields.KRC20Amount,
		KASAmount:   fields.KASAmount,
		CreatedAt:   m.Date,
	}, nil
}

// Handler receives live messages. It is called from a single goroutine,
// once per message.
type Handler func(RawMessage)

// Client is the external chat feed.
type Client interface {
	// History yields messages from channelID posted by senderID, newest first.
	// Each call starts a fresh scan. A fetch failure is yielded once as a
	// non-nil error and ends the sequence.
	History(ctx context.Context, channelID, senderID int64) iter.Seq2[RawMessage, error]

	// OnLiveMessage registers handler for new messages from the pair. The
	// returned cancel stops delivery and waits for the dispatch goroutine.
	OnLiveMessage(ctx context.Context, channelID, senderID int64, handler Handler) (cancel func(), err error)
}
