package ledger

import (
	"context"
	"sort"
	"sync"

	"memberfund.org/internal/finance"
)

// InMemory implements Store with in-process concurrency safety.
type InMemory struct {
	mu       sync.RWMutex
	txs      map[string]Transaction
	byEntity map[finance.Ref]string // entity -> transaction id
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty ledger.
func NewInMemory() *InMemory {
	return &InMemory{
		txs:      make(map[string]Transaction),
		byEntity: make(map[finance.Ref]string),
	}
}

func (s *InMemory) InsertTransaction(ctx context.Context, tx Transaction) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx.RelatedEntityID != "" {
		ref := finance.Ref{Kind: tx.RelatedKind, ID: tx.RelatedEntityID}
		if _, ok := s.byEntity[ref]; ok {
			return Transaction{}, ErrDuplicate
		}
		s.byEntity[ref] = tx.ID
	}
	s.txs[tx.ID] = tx
	return tx, nil
}

func (s *InMemory) FindByEntity(ctx context.Context, ref finance.Ref) (Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEntity[ref]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return s.txs[id], nil
}

func (s *InMemory) ListTransactions(ctx context.Context, limit int, after string) ([]Transaction, string, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.txs))
	for id := range s.txs {
		if id > after {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	var res []Transaction
	var last string
	for _, id := range ids {
		res = append(res, s.txs[id])
		last = id
		if len(res) >= limit {
			break
		}
	}
	return res, last, nil
}

// DeleteTransaction removes an entry without compensation.
func (s *InMemory) DeleteTransaction(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.txs, id)
	if tx.RelatedEntityID != "" {
		delete(s.byEntity, finance.Ref{Kind: tx.RelatedKind, ID: tx.RelatedEntityID})
	}
	return nil
}
