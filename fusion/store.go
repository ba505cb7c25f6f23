package fusion

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// SecretStore keeps secret records. Implementations return copies.
type SecretStore interface {
	InsertSecret(ctx context.Context, secret *Secret) error
	UpdateSecret(ctx context.Context, secret *Secret) error
	GetSecret(ctx context.Context, id string) (*Secret, error)
	GetOrderSecrets(ctx context.Context, orderID string) ([]*Secret, error)
	// GetUserSecrets returns secrets of the user newest first
	GetUserSecrets(ctx context.Context, user common.Address, limit, offset int) ([]*Secret, error)
	// GetStaleSecrets returns Pending and Submitted secrets created before the cutoff
	GetStaleSecrets(ctx context.Context, before time.Time) ([]*Secret, error)
}

// OrderBook records the intent orders created through this node
type OrderBook interface {
	InsertOrder(ctx context.Context, order *Order) error
	GetOrder(ctx context.Context, orderID string) (*Order, error)
}

type MemorySecretStore struct {
	mu      sync.RWMutex
	secrets map[string]*Secret
	byUser  map[common.Address][]string
	byOrder map[string][]string
}

func NewMemorySecretStore() *MemorySecretStore {
	return &MemorySecretStore{
		secrets: make(map[string]*Secret),
		byUser:  make(map[common.Address][]string),
		byOrder: make(map[string][]string),
	}
}

func (s *MemorySecretStore) InsertSecret(ctx context.Context, secret *Secret) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.secrets[secret.ID]; ok {
		return ErrSecretExists
	}
	s.secrets[secret.ID] = secret.Clone()
	s.byUser[secret.UserAddress] = append(s.byUser[secret.UserAddress], secret.ID)
	s.byOrder[secret.OrderID] = append(s.byOrder[secret.OrderID], secret.ID)
	return nil
}

func (s *MemorySecretStore) UpdateSecret(ctx context.Context, secret *Secret) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.secrets[secret.ID]; !ok {
		return ErrSecretNotFound
	}
	s.secrets[secret.ID] = secret.Clone()
	return nil
}

func (s *MemorySecretStore) GetSecret(ctx context.Context, id string) (*Secret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	secret, ok := s.secrets[id]
	if !ok {
		return nil, ErrSecretNotFound
	}
	return secret.Clone(), nil
}

func (s *MemorySecretStore) GetOrderSecrets(ctx context.Context, orderID string) ([]*Secret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res := make([]*Secret, 0, len(s.byOrder[orderID]))
	for _, id := range s.byOrder[orderID] {
		res = append(res, s.secrets[id].Clone())
	}
	return res, nil
}

func (s *MemorySecretStore) GetUserSecrets(ctx context.Context, user common.Address, limit, offset int) ([]*Secret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byUser[user]
	// insertion order breaks timestamp ties, newer first
	order := make([]int, len(ids))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		ti, tj := s.secrets[ids[order[i]]].Timestamp, s.secrets[ids[order[j]]].Timestamp
		if ti.Equal(tj) {
			return order[i] > order[j]
		}
		return ti.After(tj)
	})

	res := make([]*Secret, 0, limit)
	for i := offset; i < len(order) && len(res) < limit; i++ {
		res = append(res, s.secrets[ids[order[i]]].Clone())
	}
	return res, nil
}

func (s *MemorySecretStore) GetStaleSecrets(ctx context.Context, before time.Time) ([]*Secret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var res []*Secret
	for _, secret := range s.secrets {
		if secret.Status.Active() && secret.Timestamp.Before(before) {
			res = append(res, secret.Clone())
		}
	}
	return res, nil
}

type MemoryOrderBook struct {
	mu     sync.RWMutex
	orders map[string]Order
}

func NewMemoryOrderBook() *MemoryOrderBook {
	return &MemoryOrderBook{orders: make(map[string]Order)}
}

func (b *MemoryOrderBook) InsertOrder(ctx context.Context, order *Order) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.orders[order.OrderID]; ok {
		return ErrOrderExists
	}
	b.orders[order.OrderID] = *order
	return nil
}

func (b *MemoryOrderBook) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	order, ok := b.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return &order, nil
}
