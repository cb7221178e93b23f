package memory

import (
	"context"
	"sort"
	"sync"

	"kas-watch/internal/domain"
	"kas-watch/internal/storage"
)

type txKey struct {
	sourceID  int
	messageID int64
}

// TransactionStore is an in-memory implementation of storage.TransactionStore.
type TransactionStore struct {
	mu      sync.RWMutex
	sources map[int]domain.FeedSource
	byKey   map[txKey]struct{}
	bySrc   map[int][]*domain.Transaction // insertion order
}

// NewTransactionStore creates an empty in-memory transaction store.
func NewTransactionStore() *TransactionStore {
	return &TransactionStore{
		sources: make(map[int]domain.FeedSource),
		byKey:   make(map[txKey]struct{}),
		bySrc:   make(map[int][]*domain.Transaction),
	}
}

var _ storage.TransactionStore = (*TransactionStore)(nil)

// EnsureSource inserts or refreshes the source row.
func (s *TransactionStore) EnsureSource(_ context.Context, src domain.FeedSource) error {
	if src.ID <= 0 || src.Name == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[src.ID] = src
	return nil
}

// Source returns the seeded source row.
func (s *TransactionStore) Source(id int) (domain.FeedSource, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[id]
	return src, ok
}

// Append stores a copy of tx. Returns ErrDuplicateKey if the message exists.
func (s *TransactionStore) Append(_ context.Context, tx *domain.Transaction) error {
	if tx == nil {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sources[tx.SourceID]; !ok {
		return storage.ErrInvalidInput
	}
	key := txKey{sourceID: tx.SourceID, messageID: tx.MessageID}
	if _, exists := s.byKey[key]; exists {
		return storage.ErrDuplicateKey
	}

	c := *tx
	s.byKey[key] = struct{}{}
	s.bySrc[tx.SourceID] = append(s.bySrc[tx.SourceID], &c)
	return nil
}

// FindLatest returns the newest transaction by created_at, ties broken by message ID.
func (s *TransactionStore) FindLatest(_ context.Context, sourceID int) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *domain.Transaction
	for _, tx := range s.bySrc[sourceID] {
		if latest == nil || newer(tx, latest) {
			latest = tx
		}
	}
	if latest == nil {
		return nil, storage.ErrNotFound
	}
	c := *latest
	return &c, nil
}

// ListRecent returns up to limit newest transactions, oldest first.
func (s *TransactionStore) ListRecent(_ context.Context, sourceID int, limit int) ([]*domain.Transaction, error) {
	if limit <= 0 {
		return nil, storage.ErrInvalidInput
	}

	s.mu.RLock()
	all := make([]*domain.Transaction, 0, len(s.bySrc[sourceID]))
	for _, tx := range s.bySrc[sourceID] {
		c := *tx
		all = append(all, &c)
	}
	s.mu.RUnlock()

	sort.SliceStable(all, func(i, j int) bool { return newer(all[j], all[i]) })
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

// Count returns the number of stored transactions across all sources.
func (s *TransactionStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byKey)
}

func newer(a, b *domain.Transaction) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt > b.CreatedAt
	}
	return a.MessageID > b.MessageID
}
