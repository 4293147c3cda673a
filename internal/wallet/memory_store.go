package wallet

import (
	"context"
	"sort"
	"sync"

	"github.com/middlemark/escrowd/internal/idgen"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	wallets map[string]*Wallet // key: userID + "/" + chainID
}

// NewMemoryStore creates an empty in-memory wallet store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{wallets: make(map[string]*Wallet)}
}

var _ Store = (*MemoryStore)(nil)

func key(userID, chainID string) string { return userID + "/" + chainID }

func (s *MemoryStore) Upsert(ctx context.Context, w *Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(w.UserID, w.ChainID)
	if existing, ok := s.wallets[k]; ok {
		w.ID = existing.ID
		w.CreatedAt = existing.CreatedAt
	} else if w.ID == "" {
		w.ID = idgen.WithPrefix("pw_")
	}
	cp := *w
	s.wallets[k] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, userID, chainID string) (*Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[key(userID, chainID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (s *MemoryStore) ListByUser(ctx context.Context, userID string) ([]*Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Wallet
	for _, w := range s.wallets {
		if w.UserID == userID {
			cp := *w
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChainID < out[j].ChainID })
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, userID, chainID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(userID, chainID)
	if _, ok := s.wallets[k]; !ok {
		return ErrNotFound
	}
	delete(s.wallets, k)
	return nil
}
