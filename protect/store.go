package protect

import (
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// BundleStore keeps bundle records. Implementations return copies, a record is only
// changed through UpdateBundle.
type BundleStore interface {
	InsertBundle(ctx context.Context, bundle *Bundle) error
	UpdateBundle(ctx context.Context, bundle *Bundle) error
	GetBundle(ctx context.Context, id string) (*Bundle, error)
	// GetUserBundles returns bundles of the user newest first
	GetUserBundles(ctx context.Context, user common.Address, limit, offset int) ([]*Bundle, error)
}

type memoryEntry struct {
	bundle *Bundle
	seq    uint64
}

type MemoryStore struct {
	mu      sync.RWMutex
	seq     uint64
	bundles map[string]*memoryEntry
	byUser  map[common.Address][]*memoryEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bundles: make(map[string]*memoryEntry),
		byUser:  make(map[common.Address][]*memoryEntry),
	}
}

func (s *MemoryStore) InsertBundle(ctx context.Context, bundle *Bundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.bundles[bundle.ID]; ok {
		return ErrBundleExists
	}
	s.seq++
	entry := &memoryEntry{bundle: bundle.Clone(), seq: s.seq}
	s.bundles[bundle.ID] = entry
	s.byUser[bundle.UserAddress] = append(s.byUser[bundle.UserAddress], entry)
	return nil
}

func (s *MemoryStore) UpdateBundle(ctx context.Context, bundle *Bundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.bundles[bundle.ID]
	if !ok {
		return ErrBundleNotFound
	}
	entry.bundle = bundle.Clone()
	return nil
}

func (s *MemoryStore) GetBundle(ctx context.Context, id string) (*Bundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.bundles[id]
	if !ok {
		return nil, ErrBundleNotFound
	}
	return entry.bundle.Clone(), nil
}

func (s *MemoryStore) GetUserBundles(ctx context.Context, user common.Address, limit, offset int) ([]*Bundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := append([]*memoryEntry(nil), s.byUser[user]...)
	sort.Slice(entries, func(i, j int) bool {
		ti, tj := entries[i].bundle.Timestamp, entries[j].bundle.Timestamp
		if ti.Equal(tj) {
			return entries[i].seq > entries[j].seq
		}
		return ti.After(tj)
	})

	res := make([]*Bundle, 0, limit)
	if offset >= len(entries) {
		return res, nil
	}
	end := offset + limit
	if end > len(entries) {
		end = len(entries)
	}
	for _, entry := range entries[offset:end] {
		res = append(res, entry.bundle.Clone())
	}
	return res, nil
}
