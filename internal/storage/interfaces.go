package storage

import (
	"context"

	"kas-watch/internal/domain"
)

// TransactionStore persists KRC20 transactions read from a feed.
// Stored rows are never updated.
type TransactionStore interface {
	// EnsureSource inserts the feed source row, or refreshes its name and
	// identity when the ID already exists.
	EnsureSource(ctx context.Context, src domain.FeedSource) error

	// FindLatest returns the transaction with the greatest created_at for the
	// source. Returns ErrNotFound when the source has no transactions.
	FindLatest(ctx context.Context, sourceID int) (*domain.Transaction, error)

	// Append stores a transaction. Returns ErrDuplicateKey if the message
	// was already stored for the source.
	Append(ctx context.Context, tx *domain.Transaction) error

	// ListRecent returns up to limit of the newest transactions for the
	// source, oldest first.
	ListRecent(ctx context.Context, sourceID int, limit int) ([]*domain.Transaction, error)
}
