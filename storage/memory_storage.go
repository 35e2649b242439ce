package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/vultisig/bonserver/contexthelper"
	"github.com/vultisig/bonserver/internal/types"
)

// MemoryStorage keeps everything in process memory. It backs tests and
// single-device deployments where the host application persists snapshots.
type MemoryStorage struct {
	mu        sync.RWMutex
	vouchers  map[string]*types.Voucher
	contacts  map[string][]types.Contact
	markets   map[string]*types.Market
	dividends map[string]*types.DividendState
}

var _ DatabaseStorage = (*MemoryStorage)(nil)

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		vouchers:  make(map[string]*types.Voucher),
		contacts:  make(map[string][]types.Contact),
		markets:   make(map[string]*types.Market),
		dividends: make(map[string]*types.DividendState),
	}
}

func (m *MemoryStorage) GetVoucher(ctx context.Context, id string) (*types.Voucher, error) {
	if err := contexthelper.CheckCancellation(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vouchers[id]
	if !ok {
		return nil, fmt.Errorf("voucher %s: %w", id, types.ErrNotFound)
	}
	return CloneVoucher(v), nil
}

func (m *MemoryStorage) SaveVoucher(ctx context.Context, voucher *types.Voucher) error {
	if err := contexthelper.CheckCancellation(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vouchers[voucher.ID] = CloneVoucher(voucher)
	return nil
}

func (m *MemoryStorage) ListVouchers(ctx context.Context, holderID string) ([]*types.Voucher, error) {
	if err := contexthelper.CheckCancellation(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.Voucher
	for _, v := range m.vouchers {
		if v.HolderID == holderID {
			out = append(out, CloneVoucher(v))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].IssuedAt.Before(out[j].IssuedAt)
	})
	return out, nil
}

func (m *MemoryStorage) GetContacts(ctx context.Context, participant string) ([]types.Contact, error) {
	if err := contexthelper.CheckCancellation(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.Contact(nil), m.contacts[participant]...), nil
}

func (m *MemoryStorage) SaveContacts(ctx context.Context, participant string, contacts []types.Contact) error {
	if err := contexthelper.CheckCancellation(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contacts[participant] = append([]types.Contact(nil), contacts...)
	return nil
}

func (m *MemoryStorage) GetMarket(ctx context.Context, id string) (*types.Market, error) {
	if err := contexthelper.CheckCancellation(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	mk, ok := m.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, types.ErrNotFound)
	}
	out := *mk
	out.Key = cloneBytes(mk.Key)
	return &out, nil
}

func (m *MemoryStorage) SaveMarket(ctx context.Context, market *types.Market) error {
	if err := contexthelper.CheckCancellation(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	mk := *market
	mk.Key = cloneBytes(market.Key)
	m.markets[market.ID] = &mk
	return nil
}

func (m *MemoryStorage) GetDividendState(ctx context.Context, participant string) (*types.DividendState, error) {
	if err := contexthelper.CheckCancellation(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.dividends[participant]
	if !ok {
		return nil, fmt.Errorf("dividend state %s: %w", participant, types.ErrNotFound)
	}
	out := *s
	out.PendingIssued = append([]string(nil), s.PendingIssued...)
	return &out, nil
}

func (m *MemoryStorage) SaveDividendState(ctx context.Context, state *types.DividendState) error {
	if err := contexthelper.CheckCancellation(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s := *state
	s.PendingIssued = append([]string(nil), state.PendingIssued...)
	m.dividends[state.Participant] = &s
	return nil
}

func (m *MemoryStorage) Close() error {
	return nil
}
