package escrow

import (
	"context"
	"sort"
	"sync"

	"github.com/middlemark/escrowd/internal/pagination"
)

// MemoryStore is an in-memory escrow store for development mode and
// tests. It enforces the same uniqueness and compare-and-set semantics
// as the PostgreSQL store.
type MemoryStore struct {
	mu        sync.RWMutex
	escrows   map[string]*Escrow
	byBooking map[string]string // booking id -> escrow id
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows:   make(map[string]*Escrow),
		byBooking: make(map[string]string),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byBooking[e.BookingID]; ok {
		return ErrDuplicateBooking
	}
	cp := *e
	m.escrows[e.ID] = &cp
	m.byBooking[e.BookingID] = e.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) GetByBooking(ctx context.Context, bookingID string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byBooking[bookingID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.escrows[id]
	return &cp, nil
}

func (m *MemoryStore) GetByDepositTx(ctx context.Context, txHash string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range m.escrows {
		if e.DepositTxHash == txHash && txHash != "" {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) Transition(ctx context.Context, e *Escrow, from Status) error {
	if err := checkTransition(from, e.Status); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.escrows[e.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Status != from {
		return ErrStatusConflict
	}
	cp := *e
	m.escrows[e.ID] = &cp
	return nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*Escrow
	for _, e := range m.escrows {
		if e.BuyerID != userID && e.SellerID != userID {
			continue
		}
		if before != nil {
			if e.CreatedAt.After(before.CreatedAt) {
				continue
			}
			if e.CreatedAt.Equal(before.CreatedAt) && e.ID >= before.ID {
				continue
			}
		}
		cp := *e
		matched = append(matched, &cp)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.Status == status {
			cp := *e
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}
