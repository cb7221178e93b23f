package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"kas-watch/internal/domain"
	"kas-watch/internal/storage"
)

// TransactionStore implements storage.TransactionStore using PostgreSQL.
type TransactionStore struct {
	pool *Pool
}

// NewTransactionStore creates a new TransactionStore.
func NewTransactionStore(pool *Pool) *TransactionStore {
	return &TransactionStore{pool: pool}
}

var _ storage.TransactionStore = (*TransactionStore)(nil)

// EnsureSource upserts the feed source row.
func (s *TransactionStore) EnsureSource(ctx context.Context, src domain.FeedSource) error {
	if src.ID <= 0 || src.Name == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO feed_sources (id, name, channel_id, sender_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			channel_id = EXCLUDED.channel_id,
			sender_id = EXCLUDED.sender_id,
			updated_at = NOW()
	`
	if _, err := s.pool.Exec(ctx, query, src.ID, src.Name, src.ChannelID, src.SenderID); err != nil {
		return fmt.Errorf("ensure feed source %d: %w", src.ID, err)
	}
	return nil
}

// Append inserts a transaction. Returns ErrDuplicateKey if (source_id, message_id) exists.
func (s *TransactionStore) Append(ctx context.Context, tx *domain.Transaction) error {
	if tx == nil {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO krc20_transactions (
			source_id, message_id, ticker, krc20_amount, kas_amount, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.pool.Exec(ctx, query,
		tx.SourceID,
		tx.MessageID,
		tx.Ticker,
		tx.KRC20Amount,
		tx.KASAmount,
		tx.CreatedAt,
	)
	if err != nil {
		switch {
		case isDuplicateKeyError(err):
			return storage.ErrDuplicateKey
		case isForeignKeyError(err):
			return fmt.Errorf("source %d not seeded: %w", tx.SourceID, storage.ErrInvalidInput)
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// FindLatest returns the newest transaction for the source. Returns ErrNotFound if none.
func (s *TransactionStore) FindLatest(ctx context.Context, sourceID int) (*domain.Transaction, error) {
	query := `
		SELECT source_id, message_id, ticker, krc20_amount, kas_amount, created_at
		FROM krc20_transactions
		WHERE source_id = $1
		ORDER BY created_at DESC, message_id DESC
		LIMIT 1
	`

	tx, err := scanTransaction(s.pool.QueryRow(ctx, query, sourceID))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("find latest transaction: %w", err)
	}
	return tx, nil
}

// ListRecent returns up to limit newest transactions for the source, oldest first.
func (s *TransactionStore) ListRecent(ctx context.Context, sourceID int, limit int) ([]*domain.Transaction, error) {
	if limit <= 0 {
		return nil, storage.ErrInvalidInput
	}

	query := `
		SELECT source_id, message_id, ticker, krc20_amount, kas_amount, created_at
		FROM (
			SELECT source_id, message_id, ticker, krc20_amount, kas_amount, created_at
			FROM krc20_transactions
			WHERE source_id = $1
			ORDER BY created_at DESC, message_id DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC, message_id ASC
	`

	rows, err := s.pool.Query(ctx, query, sourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent transactions: %w", err)
	}
	defer rows.Close()

	var result []*domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		result = append(result, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return result, nil
}

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var tx domain.Transaction
	err := row.Scan(
		&tx.SourceID,
		&tx.MessageID,
		&tx.Ticker,
		&tx.KRC20Amount,
		&tx.KASAmount,
		&tx.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}
