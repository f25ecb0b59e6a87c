package escrow

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/escrowsync/internal/pagination"
	"github.com/mbd888/escrowsync/internal/syncutil"
)

// MemoryStore is an in-memory ledger for demo/development mode and tests.
// It honours the same transactional Update contract as PostgresStore.
type MemoryStore[A Action] struct {
	mu           sync.RWMutex
	requests     map[string]*Request[A]
	byIdentifier map[string]string
	locks        *syncutil.KeyLock
}

// NewMemoryStore creates a new in-memory ledger for one role.
func NewMemoryStore[A Action]() *MemoryStore[A] {
	return &MemoryStore[A]{
		requests:     make(map[string]*Request[A]),
		byIdentifier: make(map[string]string),
		locks:        syncutil.NewKeyLock(),
	}
}

func (m *MemoryStore[A]) Create(ctx context.Context, r *Request[A]) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byIdentifier[r.BlockchainIdentifier]; ok {
		return ErrDuplicateIdentifier
	}
	if r.Version == 0 {
		r.Version = 1
	}
	m.requests[r.ID] = r.Clone()
	m.byIdentifier[r.BlockchainIdentifier] = r.ID
	return nil
}

func (m *MemoryStore[A]) Get(ctx context.Context, id string) (*Request[A], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore[A]) GetByIdentifier(ctx context.Context, blockchainIdentifier string) (*Request[A], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byIdentifier[blockchainIdentifier]
	if !ok {
		return nil, ErrNotFound
	}
	return m.requests[id].Clone(), nil
}

func (m *MemoryStore[A]) List(ctx context.Context, filter ListFilter) ([]*Request[A], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Request[A]
	for _, r := range m.requests {
		if filter.PaymentSourceID != "" && r.PaymentSourceID != filter.PaymentSourceID {
			continue
		}
		if filter.RequestedBy != "" && r.RequestedBy != filter.RequestedBy {
			continue
		}
		if filter.Before != nil && !filter.Before.After(r.CreatedAt, r.ID) {
			continue
		}
		result = append(result, r.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return !pagination.Less(result[i].CreatedAt, result[i].ID, result[j].CreatedAt, result[j].ID)
	})
	return limitSlice(result, filter.Limit), nil
}

func (m *MemoryStore[A]) ListForSync(ctx context.Context, sourceID string, after *pagination.Cursor, limit int) ([]*Request[A], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Request[A]
	for _, r := range m.requests {
		if r.PaymentSourceID != sourceID || !syncable(r) {
			continue
		}
		if after != nil && !after.Before(r.CreatedAt, r.ID) {
			continue
		}
		result = append(result, r.Clone())
	}
	sortOldestFirst(result)
	return limitSlice(result, limit), nil
}

func (m *MemoryStore[A]) ListRequested(ctx context.Context, sourceID string, limit int) ([]*Request[A], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Request[A]
	for _, r := range m.requests {
		if r.PaymentSourceID == sourceID && IsRequested(r.NextAction.RequestedAction) {
			result = append(result, r.Clone())
		}
	}
	sortOldestFirst(result)
	return limitSlice(result, limit), nil
}

func (m *MemoryStore[A]) Update(ctx context.Context, id string, fn func(r *Request[A]) error) (*Request[A], error) {
	unlock, err := m.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := fn(current); err != nil {
		if errors.Is(err, ErrNoChange) {
			return m.Get(ctx, id)
		}
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stored := m.requests[id]
	// Immutable fields are restored from the stored copy.
	current.ID = stored.ID
	current.BlockchainIdentifier = stored.BlockchainIdentifier
	current.Network = stored.Network
	current.RequestedFunds = cloneFunds(stored.RequestedFunds)
	current.PaidFunds = cloneFunds(stored.PaidFunds)
	current.CreatedAt = stored.CreatedAt
	current.Version = stored.Version + 1
	current.UpdatedAt = time.Now()

	m.requests[id] = current.Clone()
	return current, nil
}

func sortOldestFirst[A Action](rs []*Request[A]) {
	sort.Slice(rs, func(i, j int) bool {
		return pagination.Less(rs[i].CreatedAt, rs[i].ID, rs[j].CreatedAt, rs[j].ID)
	})
}

func limitSlice[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

// MemoryCursorStore keeps scan cursors in memory.
type MemoryCursorStore struct {
	mu      sync.RWMutex
	cursors map[string]string
}

// NewMemoryCursorStore creates an empty cursor store.
func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{cursors: make(map[string]string)}
}

func (m *MemoryCursorStore) GetCursor(ctx context.Context, sourceID, loop string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cursors[sourceID+"/"+loop], nil
}

func (m *MemoryCursorStore) SaveCursor(ctx context.Context, sourceID, loop, cursor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[sourceID+"/"+loop] = cursor
	return nil
}

var (
	_ Store[PaymentAction]    = (*MemoryStore[PaymentAction])(nil)
	_ Store[PurchasingAction] = (*MemoryStore[PurchasingAction])(nil)
	_ CursorStore             = (*MemoryCursorStore)(nil)
)
