package ledger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vultisig/bonserver/internal/crypto"
	"github.com/vultisig/bonserver/internal/types"
	"github.com/vultisig/bonserver/storage"
)

const testMarket = "market-1"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeAnnouncer struct {
	mu          sync.Mutex
	announced   []string
	transfers   []string
	redemptions []string
	err         error
}

func (a *fakeAnnouncer) AnnounceVoucher(_ context.Context, v *types.Voucher) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.announced = append(a.announced, v.ID)
	return a.err
}

func (a *fakeAnnouncer) AnnounceTransfer(_ context.Context, v *types.Voucher, _ []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.transfers = append(a.transfers, v.ID)
	return a.err
}

func (a *fakeAnnouncer) AnnounceRedemption(_ context.Context, v *types.Voucher) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.redemptions = append(a.redemptions, v.ID)
	return a.err
}

// lockCheckingAnnouncer records whether the ledger lock was free while each
// audit record was published.
type lockCheckingAnnouncer struct {
	ledger *Ledger
	mu     sync.Mutex
	free   []bool
}

func (a *lockCheckingAnnouncer) check() error {
	free := a.ledger.mu.TryLock()
	if free {
		a.ledger.mu.Unlock()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.free = append(a.free, free)
	return nil
}

func (a *lockCheckingAnnouncer) AnnounceVoucher(context.Context, *types.Voucher) error {
	return a.check()
}

func (a *lockCheckingAnnouncer) AnnounceTransfer(context.Context, *types.Voucher, []byte) error {
	return a.check()
}

func (a *lockCheckingAnnouncer) AnnounceRedemption(context.Context, *types.Voucher) error {
	return a.check()
}

type flakyRepo struct {
	*storage.MemoryStorage
	mu       sync.Mutex
	failures int
	saves    int
}

func (r *flakyRepo) SaveVoucher(ctx context.Context, v *types.Voucher) error {
	r.mu.Lock()
	r.saves++
	fail := r.failures > 0
	if fail {
		r.failures--
	}
	r.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return r.MemoryStorage.SaveVoucher(ctx, v)
}

type fixture struct {
	ledger    *Ledger
	store     *storage.MemoryStorage
	announcer *fakeAnnouncer
	clock     *fakeClock
	marketKey []byte
}

func newMarketKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, crypto.KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func newFixture(t *testing.T, clock *fakeClock, marketKey []byte) *fixture {
	t.Helper()
	store := storage.NewMemoryStorage()
	require.NoError(t, store.SaveMarket(context.Background(), &types.Market{ID: testMarket, Key: marketKey}))
	announcer := &fakeAnnouncer{}
	l, err := NewLedger(store, announcer, Options{
		Clock:       clock.Now,
		PersistBase: time.Millisecond,
	})
	require.NoError(t, err)
	return &fixture{ledger: l, store: store, announcer: announcer, clock: clock, marketKey: marketKey}
}

func (f *fixture) mint(t *testing.T, value float64) *types.Voucher {
	t.Helper()
	v, err := f.ledger.Mint(context.Background(), MintRequest{
		Value:     value,
		IssuerID:  "issuer",
		HolderID:  "holder",
		MarketID:  testMarket,
		Category:  types.CategoryDividend,
		ExpiresAt: f.clock.Now().Add(28 * 24 * time.Hour),
	})
	require.NoError(t, err)
	return v
}

func TestMintProducesRecoverableShares(t *testing.T) {
	f := newFixture(t, newFakeClock(), newMarketKey(t))
	v := f.mint(t, 12.346)

	assert.Equal(t, types.StatusActive, v.Status)
	assert.Equal(t, 12.35, v.Value)
	assert.Equal(t, []string{v.ID}, f.announcer.announced)

	splitter := crypto.NewSplitter()
	pairs := [][2][]byte{{v.Share1, v.Share2}, {v.Share1, v.Share3}, {v.Share2, v.Share3}}
	for _, pair := range pairs {
		key, err := splitter.Combine(pair[0], pair[1])
		require.NoError(t, err)
		id, err := crypto.PublicIDFromPrivate(key)
		require.NoError(t, err)
		assert.Equal(t, v.ID, id)
	}

	share3, err := crypto.DecryptShare3(v.Share3Cipher, v.Share3Nonce, f.marketKey)
	require.NoError(t, err)
	assert.Equal(t, v.Share3, share3)
	share2, err := crypto.DecryptShare2(v.Share2Cipher, v.Share2Nonce, share3)
	require.NoError(t, err)
	assert.Equal(t, v.Share2, share2)

	stored, err := f.store.GetVoucher(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, v, stored)
}

func TestMintRetriesPersistence(t *testing.T) {
	clock := newFakeClock()
	store := storage.NewMemoryStorage()
	require.NoError(t, store.SaveMarket(context.Background(), &types.Market{ID: testMarket, Key: newMarketKey(t)}))

	testCases := []struct {
		name     string
		failures int
		wantErr  bool
	}{
		{name: "recovers on third attempt", failures: 2, wantErr: false},
		{name: "exhausts attempts", failures: 3, wantErr: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			repo := &flakyRepo{MemoryStorage: store, failures: tc.failures}
			l, err := NewLedger(repo, nil, Options{Clock: clock.Now, PersistBase: time.Millisecond})
			require.NoError(t, err)

			v, err := l.Mint(context.Background(), MintRequest{Value: 5, MarketID: testMarket, ExpiresAt: clock.Now().Add(time.Hour)})
			assert.Equal(t, 3, repo.saves)
			if tc.wantErr {
				assert.ErrorIs(t, err, types.ErrPersistence)
				assert.Equal(t, types.KindPersistence, types.KindOf(err))
				assert.Nil(t, v)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, v.ID)
		})
	}
}

func TestMintRejectsNegativeValue(t *testing.T) {
	f := newFixture(t, newFakeClock(), newMarketKey(t))
	_, err := f.ledger.Mint(context.Background(), MintRequest{Value: -1, MarketID: testMarket})
	assert.Error(t, err)
}

func TestMintUnknownMarket(t *testing.T) {
	f := newFixture(t, newFakeClock(), newMarketKey(t))
	_, err := f.ledger.Mint(context.Background(), MintRequest{Value: 1, MarketID: "nope"})
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestTransferHappyPath(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	key := newMarketKey(t)
	sender := newFixture(t, clock, key)
	recipient := newFixture(t, clock, key)
	identity, err := crypto.NewIdentity()
	require.NoError(t, err)

	v := sender.mint(t, 20)
	require.NoError(t, recipient.ledger.RecordAnnouncement(ctx, v))

	offer, err := sender.ledger.BeginTransfer(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(30), offer.TTLSeconds)
	pending, err := sender.store.GetVoucher(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPendingTransfer, pending.Status)

	ack, received, err := recipient.ledger.AcceptOffer(ctx, *offer, identity)
	require.NoError(t, err)
	assert.Equal(t, types.AckAccepted, ack.Status)
	assert.Equal(t, hex.EncodeToString(identity.PublicKey()), received.HolderID)
	assert.Nil(t, received.Share1)
	assert.Equal(t, v.Share2, received.Share2)
	assert.Equal(t, v.Share3, received.Share3)

	done, err := sender.ledger.CompleteTransfer(ctx, v.ID, *ack, identity.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, types.StatusTransferred, done.Status)
	assert.Nil(t, done.Share1)
	assert.Nil(t, done.Share2)
	assert.NotNil(t, done.Share3)
	assert.Equal(t, []string{v.ID}, sender.announcer.transfers)

	_, err = sender.ledger.CompleteTransfer(ctx, v.ID, *ack, nil)
	assert.ErrorIs(t, err, types.ErrInvalidTransition)
}

func TestCompleteTransferFailuresRevert(t *testing.T) {
	ctx := context.Background()
	other, err := crypto.NewIdentity()
	require.NoError(t, err)

	testCases := []struct {
		name    string
		prepare func(t *testing.T, f *fixture, offer *types.OfferMessage, id *crypto.Identity) (types.AckMessage, []byte)
		wantErr error
	}{
		{
			name: "signature over another challenge",
			prepare: func(t *testing.T, f *fixture, offer *types.OfferMessage, id *crypto.Identity) (types.AckMessage, []byte) {
				sig, err := id.SignChallenge(offer.VoucherID, make([]byte, 16), types.AckAccepted)
				require.NoError(t, err)
				return types.AckMessage{VoucherID: offer.VoucherID, Signature: sig, Status: types.AckAccepted, Recipient: id.PublicKey()}, nil
			},
			wantErr: types.ErrBadSignature,
		},
		{
			name: "unexpected recipient",
			prepare: func(t *testing.T, f *fixture, offer *types.OfferMessage, id *crypto.Identity) (types.AckMessage, []byte) {
				sig, err := id.SignChallenge(offer.VoucherID, offer.Challenge, types.AckAccepted)
				require.NoError(t, err)
				return types.AckMessage{VoucherID: offer.VoucherID, Signature: sig, Status: types.AckAccepted, Recipient: id.PublicKey()}, other.PublicKey()
			},
			wantErr: types.ErrBadSignature,
		},
		{
			name: "truncated signature",
			prepare: func(t *testing.T, f *fixture, offer *types.OfferMessage, id *crypto.Identity) (types.AckMessage, []byte) {
				sig, err := id.SignChallenge(offer.VoucherID, offer.Challenge, types.AckAccepted)
				require.NoError(t, err)
				return types.AckMessage{VoucherID: offer.VoucherID, Signature: sig[:64], Status: types.AckAccepted, Recipient: id.PublicKey()}, nil
			},
			wantErr: types.ErrBadSignature,
		},
		{
			name: "offer expired",
			prepare: func(t *testing.T, f *fixture, offer *types.OfferMessage, id *crypto.Identity) (types.AckMessage, []byte) {
				sig, err := id.SignChallenge(offer.VoucherID, offer.Challenge, types.AckAccepted)
				require.NoError(t, err)
				f.clock.Advance(31 * time.Second)
				return types.AckMessage{VoucherID: offer.VoucherID, Signature: sig, Status: types.AckAccepted, Recipient: id.PublicKey()}, nil
			},
			wantErr: types.ErrExpired,
		},
		{
			name: "declined",
			prepare: func(t *testing.T, f *fixture, offer *types.OfferMessage, id *crypto.Identity) (types.AckMessage, []byte) {
				ack, err := f.ledger.DeclineOffer(*offer, id)
				require.NoError(t, err)
				return *ack, nil
			},
			wantErr: types.ErrOfferDeclined,
		},
		{
			name: "decline relabelled as accept",
			prepare: func(t *testing.T, f *fixture, offer *types.OfferMessage, id *crypto.Identity) (types.AckMessage, []byte) {
				ack, err := f.ledger.DeclineOffer(*offer, id)
				require.NoError(t, err)
				ack.Status = types.AckAccepted
				return *ack, nil
			},
			wantErr: types.ErrBadSignature,
		},
		{
			name: "decline relabelled as accept, pinned",
			prepare: func(t *testing.T, f *fixture, offer *types.OfferMessage, id *crypto.Identity) (types.AckMessage, []byte) {
				ack, err := f.ledger.DeclineOffer(*offer, id)
				require.NoError(t, err)
				ack.Status = types.AckAccepted
				return *ack, id.PublicKey()
			},
			wantErr: types.ErrBadSignature,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, newFakeClock(), newMarketKey(t))
			id, err := crypto.NewIdentity()
			require.NoError(t, err)
			v := f.mint(t, 5)
			offer, err := f.ledger.BeginTransfer(ctx, v.ID)
			require.NoError(t, err)

			ack, expected := tc.prepare(t, f, offer, id)
			got, err := f.ledger.CompleteTransfer(ctx, v.ID, ack, expected)
			assert.ErrorIs(t, err, tc.wantErr)
			require.NotNil(t, got)
			assert.Equal(t, types.StatusActive, got.Status)
			assert.NotNil(t, got.Share1)
			assert.NotNil(t, got.Share2)

			stored, err := f.store.GetVoucher(ctx, v.ID)
			require.NoError(t, err)
			assert.Equal(t, types.StatusActive, stored.Status)
		})
	}
}

func TestCompleteTransferRejectsReplayedAck(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, newFakeClock(), newMarketKey(t))
	id, err := crypto.NewIdentity()
	require.NoError(t, err)
	v := f.mint(t, 5)

	offer, err := f.ledger.BeginTransfer(ctx, v.ID)
	require.NoError(t, err)
	declined, err := f.ledger.DeclineOffer(*offer, id)
	require.NoError(t, err)
	_, err = f.ledger.CompleteTransfer(ctx, v.ID, *declined, nil)
	require.ErrorIs(t, err, types.ErrOfferDeclined)

	_, err = f.ledger.BeginTransfer(ctx, v.ID)
	require.NoError(t, err)
	got, err := f.ledger.CompleteTransfer(ctx, v.ID, *declined, nil)
	assert.ErrorIs(t, err, types.ErrReplayed)
	assert.Equal(t, types.KindProtocol, types.KindOf(err))
	assert.Equal(t, types.StatusActive, got.Status)
}

func TestCompleteTransferMismatchedAckHasNoSideEffect(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, newFakeClock(), newMarketKey(t))
	v := f.mint(t, 5)
	_, err := f.ledger.BeginTransfer(ctx, v.ID)
	require.NoError(t, err)

	_, err = f.ledger.CompleteTransfer(ctx, v.ID, types.AckMessage{VoucherID: "other"}, nil)
	assert.ErrorIs(t, err, types.ErrMalformedPayload)

	stored, err := f.store.GetVoucher(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPendingTransfer, stored.Status)
}

func TestCancelTransfer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, newFakeClock(), newMarketKey(t))
	v := f.mint(t, 5)

	_, err := f.ledger.CancelTransfer(ctx, v.ID)
	assert.ErrorIs(t, err, types.ErrInvalidTransition)

	_, err = f.ledger.BeginTransfer(ctx, v.ID)
	require.NoError(t, err)
	_, err = f.ledger.BeginTransfer(ctx, v.ID)
	assert.ErrorIs(t, err, types.ErrInvalidTransition)

	got, err := f.ledger.CancelTransfer(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, got.Status)
}

func TestAcceptOfferRejectsExpiredOffer(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	key := newMarketKey(t)
	sender := newFixture(t, clock, key)
	recipient := newFixture(t, clock, key)
	id, err := crypto.NewIdentity()
	require.NoError(t, err)

	v := sender.mint(t, 10)
	require.NoError(t, recipient.ledger.RecordAnnouncement(ctx, v))
	offer, err := sender.ledger.BeginTransfer(ctx, v.ID)
	require.NoError(t, err)

	clock.Advance(31 * time.Second)
	_, _, err = recipient.ledger.AcceptOffer(ctx, *offer, id)
	assert.ErrorIs(t, err, types.ErrExpired)

	stored, err := recipient.store.GetVoucher(ctx, v.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.Share2)
}

func TestAcceptOfferRejectsForeignShare(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	key := newMarketKey(t)
	sender := newFixture(t, clock, key)
	recipient := newFixture(t, clock, key)
	id, err := crypto.NewIdentity()
	require.NoError(t, err)

	a := sender.mint(t, 10)
	b := sender.mint(t, 10)
	require.NoError(t, recipient.ledger.RecordAnnouncement(ctx, a))

	offer, err := sender.ledger.BeginTransfer(ctx, b.ID)
	require.NoError(t, err)
	offer.VoucherID = a.ID
	_, _, err = recipient.ledger.AcceptOffer(ctx, *offer, id)
	assert.Equal(t, types.KindCrypto, types.KindOf(err))
}

func TestRecordAnnouncementStripsShares(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	key := newMarketKey(t)
	sender := newFixture(t, clock, key)
	recipient := newFixture(t, clock, key)

	v := sender.mint(t, 1)
	require.NoError(t, recipient.ledger.RecordAnnouncement(ctx, v))
	stored, err := recipient.store.GetVoucher(ctx, v.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.Share1)
	assert.Nil(t, stored.Share2)
	assert.Nil(t, stored.Share3)
	assert.Equal(t, v.Share3Cipher, stored.Share3Cipher)
}

func TestRedeem(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, newFakeClock(), newMarketKey(t))
	v := f.mint(t, 50)

	got, err := f.ledger.Redeem(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRedeemed, got.Status)
	assert.Equal(t, []string{v.ID}, f.announcer.redemptions)

	_, err = f.ledger.Redeem(ctx, v.ID)
	assert.ErrorIs(t, err, types.ErrInvalidTransition)

	pending := f.mint(t, 5)
	_, err = f.ledger.BeginTransfer(ctx, pending.ID)
	require.NoError(t, err)
	_, err = f.ledger.Redeem(ctx, pending.ID)
	assert.ErrorIs(t, err, types.ErrInvalidTransition)
}

func TestAnnounceFailureDoesNotFailMint(t *testing.T) {
	f := newFixture(t, newFakeClock(), newMarketKey(t))
	f.announcer.err = errors.New("relay down")
	v := f.mint(t, 5)
	assert.Equal(t, types.StatusActive, v.Status)
}

func TestExpiredVoucherTransitions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, newFakeClock(), newMarketKey(t))
	v := f.mint(t, 5)

	f.clock.Advance(29 * 24 * time.Hour)
	_, err := f.ledger.BeginTransfer(ctx, v.ID)
	assert.ErrorIs(t, err, types.ErrExpired)
	assert.Equal(t, types.KindExpiry, types.KindOf(err))

	stored, err := f.store.GetVoucher(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusExpired, stored.Status)

	_, err = f.ledger.Redeem(ctx, v.ID)
	assert.ErrorIs(t, err, types.ErrInvalidTransition)
}

func TestExpireSweep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, newFakeClock(), newMarketKey(t))
	short, err := f.ledger.Mint(ctx, MintRequest{Value: 1, HolderID: "holder", MarketID: testMarket, ExpiresAt: f.clock.Now().Add(time.Hour)})
	require.NoError(t, err)
	long := f.mint(t, 2)
	redeemed, err := f.ledger.Mint(ctx, MintRequest{Value: 1, HolderID: "holder", MarketID: testMarket, ExpiresAt: f.clock.Now().Add(time.Hour)})
	require.NoError(t, err)
	_, err = f.ledger.Redeem(ctx, redeemed.ID)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	n, err := f.ledger.ExpireSweep(ctx, "holder")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	for id, want := range map[string]types.VoucherStatus{
		short.ID:    types.StatusExpired,
		long.ID:     types.StatusActive,
		redeemed.ID: types.StatusRedeemed,
	} {
		v, err := f.store.GetVoucher(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, v.Status)
	}
}

func TestRegenerateBootstrap(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, newFakeClock(), newMarketKey(t))
	expiry := f.clock.Now().Add(90 * 24 * time.Hour)
	old, err := f.ledger.Mint(ctx, MintRequest{Value: 0, HolderID: "holder", MarketID: testMarket, Category: types.CategoryBootstrap, ExpiresAt: expiry})
	require.NoError(t, err)

	fresh, err := f.ledger.RegenerateBootstrap(ctx, old.ID)
	require.NoError(t, err)
	assert.NotEqual(t, old.ID, fresh.ID)
	assert.Equal(t, expiry, fresh.ExpiresAt)
	assert.Equal(t, types.CategoryBootstrap, fresh.Category)

	retired, err := f.store.GetVoucher(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusExpired, retired.Status)

	dividend := f.mint(t, 5)
	_, err = f.ledger.RegenerateBootstrap(ctx, dividend.ID)
	assert.ErrorIs(t, err, types.ErrInvalidTransition)
}

func TestAnnouncePublishesWithoutLedgerLock(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := storage.NewMemoryStorage()
	require.NoError(t, store.SaveMarket(ctx, &types.Market{ID: testMarket, Key: newMarketKey(t)}))
	announcer := &lockCheckingAnnouncer{}
	l, err := NewLedger(store, announcer, Options{Clock: clock.Now, PersistBase: time.Millisecond})
	require.NoError(t, err)
	announcer.ledger = l

	mint := func(category types.Category) *types.Voucher {
		v, err := l.Mint(ctx, MintRequest{
			Value:     5,
			HolderID:  "holder",
			MarketID:  testMarket,
			Category:  category,
			ExpiresAt: clock.Now().Add(24 * time.Hour),
		})
		require.NoError(t, err)
		return v
	}

	redeemable := mint(types.CategoryDividend)
	_, err = l.Redeem(ctx, redeemable.ID)
	require.NoError(t, err)

	transferable := mint(types.CategoryDividend)
	offer, err := l.BeginTransfer(ctx, transferable.ID)
	require.NoError(t, err)
	id, err := crypto.NewIdentity()
	require.NoError(t, err)
	sig, err := id.SignChallenge(offer.VoucherID, offer.Challenge, types.AckAccepted)
	require.NoError(t, err)
	_, err = l.CompleteTransfer(ctx, transferable.ID, types.AckMessage{VoucherID: offer.VoucherID, Signature: sig, Status: types.AckAccepted, Recipient: id.PublicKey()}, nil)
	require.NoError(t, err)

	bootstrap := mint(types.CategoryBootstrap)
	_, err = l.RegenerateBootstrap(ctx, bootstrap.ID)
	require.NoError(t, err)

	// three mints, a redemption, a transfer and a regenerated voucher
	require.Len(t, announcer.free, 6)
	for i, free := range announcer.free {
		assert.True(t, free, "announcement %d published under the ledger lock", i)
	}
}

func TestRegenerateBootstrapConcurrently(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, newFakeClock(), newMarketKey(t))
	old, err := f.ledger.Mint(ctx, MintRequest{
		Value:     0,
		HolderID:  "holder",
		MarketID:  testMarket,
		Category:  types.CategoryBootstrap,
		ExpiresAt: f.clock.Now().Add(90 * 24 * time.Hour),
	})
	require.NoError(t, err)

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.ledger.RegenerateBootstrap(ctx, old.ID)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, types.ErrInvalidTransition)
	}
	assert.Equal(t, 1, succeeded)

	vouchers, err := f.store.ListVouchers(ctx, "holder")
	require.NoError(t, err)
	active := 0
	for _, v := range vouchers {
		if v.Category == types.CategoryBootstrap && v.Status == types.StatusActive {
			active++
		}
	}
	assert.Equal(t, 1, active)
}
