package dividend

import (
	"sync"
	"time"

	"github.com/vultisig/bonserver/internal/types"
)

type observed struct {
	market    string
	value     float64
	expiresAt time.Time
	spent     bool
}

// VolumeTracker sums the value of live vouchers seen on each market, fed by
// relay announcements and local mints.
type VolumeTracker struct {
	mu       sync.RWMutex
	vouchers map[string]observed
	clock    func() time.Time
}

func NewVolumeTracker() *VolumeTracker {
	return &VolumeTracker{vouchers: make(map[string]observed), clock: time.Now}
}

// Observe records v. Seeing the same voucher again updates its status.
func (t *VolumeTracker) Observe(v *types.Voucher) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.vouchers[v.ID] = observed{
		market:    v.MarketID,
		value:     v.Value,
		expiresAt: v.ExpiresAt,
		spent:     v.Status == types.StatusRedeemed || v.Status == types.StatusExpired,
	}
}

// Forget drops a voucher, e.g. once its redemption is announced.
func (t *VolumeTracker) Forget(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.vouchers, id)
}

func (t *VolumeTracker) Volume(marketID string) float64 {
	now := t.clock()
	t.mu.RLock()
	defer t.mu.RUnlock()
	total := 0.0
	for _, o := range t.vouchers {
		if o.market != marketID || o.spent || now.After(o.expiresAt) {
			continue
		}
		total += o.value
	}
	return round2(total)
}
