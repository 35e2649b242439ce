// Package ledger owns the voucher entity and every status transition it can
// make. Minting, offering, completing and redeeming all go through Ledger;
// nothing else writes a voucher's status.
package ledger

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/bonserver/internal/codec"
	"github.com/vultisig/bonserver/internal/crypto"
	"github.com/vultisig/bonserver/internal/metrics"
	"github.com/vultisig/bonserver/internal/types"
	"github.com/vultisig/bonserver/storage"
)

const (
	defaultReplayCacheSize = 4096
	defaultPersistAttempts = 3
	defaultPersistBase     = 100 * time.Millisecond
)

// Announcer publishes audit records about vouchers to the market relay.
type Announcer interface {
	AnnounceVoucher(ctx context.Context, v *types.Voucher) error
	AnnounceTransfer(ctx context.Context, v *types.Voucher, recipient []byte) error
	AnnounceRedemption(ctx context.Context, v *types.Voucher) error
}

type MintRequest struct {
	Value              float64
	IssuerID           string
	HolderID           string
	MarketID           string
	Category           types.Category
	ExpiresAt          time.Time
	DividendAtCreation float64
}

type pendingOffer struct {
	challenge []byte
	expiresAt time.Time
}

type Options struct {
	OfferTTL        time.Duration
	ReplayCacheSize int
	PersistAttempts uint64
	PersistBase     time.Duration
	Clock           func() time.Time
	Entropy         io.Reader
	Signer          crypto.Signer
	Metrics         *metrics.Reporter
	Logger          *logrus.Entry
}

type Ledger struct {
	repo      storage.VoucherRepository
	announcer Announcer
	keys      *crypto.KeyGenerator
	splitter  *crypto.Splitter
	signer    crypto.Signer
	metrics   *metrics.Reporter
	logger    *logrus.Entry
	clock     func() time.Time
	entropy   io.Reader

	offerTTL        time.Duration
	persistAttempts uint64
	persistBase     time.Duration

	// consumed holds SHA-256 digests of every acknowledgment signature the
	// ledger has already acted on.
	consumed *lru.Cache

	mu      sync.Mutex
	pending map[string]pendingOffer
}

func NewLedger(repo storage.VoucherRepository, announcer Announcer, opts Options) (*Ledger, error) {
	if repo == nil {
		return nil, fmt.Errorf("repository is nil")
	}
	if opts.OfferTTL <= 0 {
		opts.OfferTTL = codec.DefaultTTL
	}
	if opts.ReplayCacheSize <= 0 {
		opts.ReplayCacheSize = defaultReplayCacheSize
	}
	if opts.PersistAttempts == 0 {
		opts.PersistAttempts = defaultPersistAttempts
	}
	if opts.PersistBase <= 0 {
		opts.PersistBase = defaultPersistBase
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Entropy == nil {
		opts.Entropy = rand.Reader
	}
	if opts.Signer == nil {
		opts.Signer = crypto.ECDSASigner{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoop()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.WithField("module", "ledger")
	}
	consumed, err := lru.New(opts.ReplayCacheSize)
	if err != nil {
		return nil, fmt.Errorf("fail to create replay cache: %w", err)
	}
	return &Ledger{
		repo:            repo,
		announcer:       announcer,
		keys:            &crypto.KeyGenerator{Entropy: opts.Entropy},
		splitter:        &crypto.Splitter{Entropy: opts.Entropy},
		signer:          opts.Signer,
		metrics:         opts.Metrics,
		logger:          opts.Logger,
		clock:           opts.Clock,
		entropy:         opts.Entropy,
		offerTTL:        opts.OfferTTL,
		persistAttempts: opts.PersistAttempts,
		persistBase:     opts.PersistBase,
		consumed:        consumed,
		pending:         make(map[string]pendingOffer),
	}, nil
}

var allowedTransitions = map[types.VoucherStatus][]types.VoucherStatus{
	types.StatusActive:          {types.StatusPendingTransfer, types.StatusRedeemed, types.StatusExpired},
	types.StatusPendingTransfer: {types.StatusTransferred, types.StatusActive, types.StatusExpired},
}

func canTransition(from, to types.VoucherStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (l *Ledger) transition(v *types.Voucher, to types.VoucherStatus) error {
	if !canTransition(v.Status, to) {
		return fmt.Errorf("voucher %s %s -> %s: %w", v.ID, v.Status, to, types.ErrInvalidTransition)
	}
	v.Status = to
	v.UpdatedAt = l.clock()
	return nil
}

// persist writes v with exponential retry. Exhaustion is reported as
// ErrPersistence.
func (l *Ledger) persist(ctx context.Context, v *types.Voucher) error {
	backoff := retry.WithMaxRetries(l.persistAttempts-1, retry.NewExponential(l.persistBase))
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if err := l.repo.SaveVoucher(ctx, v); err != nil {
			l.logger.WithFields(logrus.Fields{
				"voucher": v.ID,
				"attempt": attempt,
			}).WithError(err).Warn("voucher write failed")
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		l.metrics.IncCounter("ledger.persist.error", nil)
		return fmt.Errorf("fail to save voucher %s: %v: %w", v.ID, err, types.ErrPersistence)
	}
	return nil
}

// load fetches a voucher and marks it Expired when its validity has passed.
func (l *Ledger) load(ctx context.Context, id string) (*types.Voucher, error) {
	v, err := l.repo.GetVoucher(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fail to get voucher %s: %w", id, err)
	}
	if !v.Status.Terminal() && v.IsExpiredAt(l.clock()) {
		if err := l.transition(v, types.StatusExpired); err != nil {
			return nil, err
		}
		l.clearPending(v.ID)
		if err := l.persist(ctx, v); err != nil {
			return nil, err
		}
		return v, fmt.Errorf("voucher %s expired at %s: %w", v.ID, v.ExpiresAt.Format(time.RFC3339), types.ErrExpired)
	}
	return v, nil
}

func roundValue(v float64) float64 {
	return math.Round(v*100) / 100
}

// Mint creates a voucher: fresh key pair, 2-of-3 split, share2 sealed under
// share3 and share3 sealed under the market key. The key is scrubbed before
// Mint returns; on a failed write the shares are scrubbed too.
func (l *Ledger) Mint(ctx context.Context, req MintRequest) (*types.Voucher, error) {
	defer l.metrics.MeasureTime("ledger.mint.latency", time.Now(), nil)
	v, err := l.mint(ctx, req)
	if err != nil {
		return nil, err
	}
	l.announce(ctx, v.ID, "announce", func() error { return l.announcer.AnnounceVoucher(ctx, v) })
	return storage.CloneVoucher(v), nil
}

// mint builds and stores a voucher without announcing it. It touches no
// ledger state guarded by l.mu, so callers may hold the lock.
func (l *Ledger) mint(ctx context.Context, req MintRequest) (*types.Voucher, error) {
	if req.Value < 0 || math.IsNaN(req.Value) || math.IsInf(req.Value, 0) {
		return nil, fmt.Errorf("invalid voucher value %v", req.Value)
	}
	market, err := l.repo.GetMarket(ctx, req.MarketID)
	if err != nil {
		return nil, fmt.Errorf("fail to get market %s: %w", req.MarketID, err)
	}
	defer crypto.Zero(market.Key)

	kp, err := l.keys.Generate()
	if err != nil {
		return nil, err
	}
	defer kp.Zero()

	shares, err := l.splitter.Split(kp.Private)
	if err != nil {
		return nil, err
	}
	scrub := func() {
		for _, s := range shares {
			crypto.Zero(s)
		}
	}

	share2Cipher, share2Nonce, err := crypto.EncryptShare2(shares[1], shares[2])
	if err != nil {
		scrub()
		return nil, fmt.Errorf("fail to encrypt share2: %w", err)
	}
	share3Cipher, share3Nonce, err := crypto.EncryptShare3(shares[2], market.Key)
	if err != nil {
		scrub()
		return nil, fmt.Errorf("fail to encrypt share3: %w", err)
	}

	now := l.clock()
	v := &types.Voucher{
		ID:                 kp.PublicID,
		Value:              roundValue(req.Value),
		Status:             types.StatusActive,
		Share1:             shares[0],
		Share2:             shares[1],
		Share3:             shares[2],
		Share2Cipher:       share2Cipher,
		Share2Nonce:        share2Nonce,
		Share3Cipher:       share3Cipher,
		Share3Nonce:        share3Nonce,
		IssuedAt:           now,
		ExpiresAt:          req.ExpiresAt,
		IssuerID:           req.IssuerID,
		HolderID:           req.HolderID,
		MarketID:           req.MarketID,
		Category:           req.Category,
		DividendAtCreation: req.DividendAtCreation,
		UpdatedAt:          now,
	}
	if err := l.persist(ctx, v); err != nil {
		scrub()
		return nil, err
	}

	l.metrics.IncCounter("ledger.mint", []string{"category:" + string(req.Category)})
	l.logger.WithFields(logrus.Fields{
		"voucher":  v.ID,
		"value":    v.Value,
		"category": v.Category,
		"market":   v.MarketID,
	}).Info("voucher minted")
	return v, nil
}

// announce publishes an audit record. The relay is eventually consistent, so
// a failed publish is logged and counted rather than failing the transition.
// It must be called without l.mu held: a publish can block on the relay, and
// relay handlers call back into the ledger.
func (l *Ledger) announce(ctx context.Context, voucherID, what string, publish func() error) {
	if l.announcer == nil {
		return
	}
	if err := publish(); err != nil {
		l.metrics.IncCounter("ledger.announce.error", []string{"type:" + what})
		l.logger.WithFields(logrus.Fields{
			"voucher": voucherID,
			"type":    what,
		}).WithError(err).Warn("fail to publish audit event")
	}
}

// BeginTransfer moves an active voucher to PendingTransfer and returns the
// offer to hand to the recipient.
func (l *Ledger) BeginTransfer(ctx context.Context, voucherID string) (*types.OfferMessage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, err := l.load(ctx, voucherID)
	if err != nil {
		return nil, err
	}
	if len(v.Share2) == 0 || len(v.Share3) == 0 {
		return nil, fmt.Errorf("voucher %s holds no transferable share: %w", v.ID, types.ErrInvalidTransition)
	}
	if err := l.transition(v, types.StatusPendingTransfer); err != nil {
		return nil, err
	}

	challenge := make([]byte, codec.ChallengeSize)
	if _, err := io.ReadFull(l.entropy, challenge); err != nil {
		return nil, fmt.Errorf("fail to draw challenge: %w", err)
	}
	encrypted, nonce, err := crypto.EncryptShare2(v.Share2, v.Share3)
	if err != nil {
		return nil, fmt.Errorf("fail to encrypt share2: %w", err)
	}
	if err := l.persist(ctx, v); err != nil {
		return nil, err
	}

	now := l.clock()
	offer := &types.OfferMessage{
		VoucherID:       v.ID,
		EncryptedShare2: encrypted,
		Nonce:           nonce,
		Challenge:       challenge,
		Timestamp:       now.Unix(),
		TTLSeconds:      uint32(l.offerTTL / time.Second),
	}
	l.pending[v.ID] = pendingOffer{
		challenge: append([]byte(nil), challenge...),
		expiresAt: offer.ExpiresAt(),
	}
	l.metrics.IncCounter("ledger.transfer.begin", nil)
	l.logger.WithFields(logrus.Fields{
		"voucher": v.ID,
		"ttl":     offer.TTLSeconds,
	}).Info("transfer offered")
	return offer, nil
}

// CompleteTransfer settles a pending offer with the recipient's
// acknowledgment. A non-nil expectedRecipient pins the signer's compressed
// public key. On a bad signature, an expired offer, a replayed or declined
// acknowledgment the voucher returns to Active.
func (l *Ledger) CompleteTransfer(ctx context.Context, voucherID string, ack types.AckMessage, expectedRecipient []byte) (*types.Voucher, error) {
	defer l.metrics.MeasureTime("ledger.transfer.complete.latency", time.Now(), nil)
	if ack.VoucherID != voucherID {
		return nil, fmt.Errorf("ack for %s does not match voucher %s: %w", ack.VoucherID, voucherID, types.ErrMalformedPayload)
	}

	l.mu.Lock()
	v, recipient, err := l.completeTransfer(ctx, voucherID, ack, expectedRecipient)
	l.mu.Unlock()
	if err != nil {
		return v, err
	}
	l.announce(ctx, v.ID, "transfer", func() error { return l.announcer.AnnounceTransfer(ctx, v, recipient) })
	return storage.CloneVoucher(v), nil
}

// completeTransfer runs under l.mu. On success it returns a copy of the
// transferred voucher and the recipient's key.
func (l *Ledger) completeTransfer(ctx context.Context, voucherID string, ack types.AckMessage, expectedRecipient []byte) (*types.Voucher, []byte, error) {
	v, err := l.load(ctx, voucherID)
	if err != nil {
		return nil, nil, err
	}
	if v.Status != types.StatusPendingTransfer {
		return nil, nil, fmt.Errorf("voucher %s is %s: %w", v.ID, v.Status, types.ErrInvalidTransition)
	}

	fail := func(cause error) (*types.Voucher, []byte, error) {
		l.metrics.IncCounter("ledger.transfer.fail", []string{"code:" + codeOf(cause)})
		if err := l.revert(ctx, v); err != nil {
			return nil, nil, err
		}
		l.logger.WithFields(logrus.Fields{
			"voucher": v.ID,
		}).WithError(cause).Warn("transfer reverted")
		return storage.CloneVoucher(v), nil, cause
	}

	sigDigest := signatureDigest(ack.Signature)
	if l.consumed.Contains(sigDigest) {
		return fail(fmt.Errorf("ack for %s: %w", v.ID, types.ErrReplayed))
	}
	offer, ok := l.pending[v.ID]
	if !ok {
		return fail(fmt.Errorf("no outstanding offer for %s: %w", v.ID, types.ErrExpired))
	}
	if l.clock().After(offer.expiresAt) {
		return fail(fmt.Errorf("offer for %s expired at %s: %w", v.ID, offer.expiresAt.Format(time.RFC3339), types.ErrExpired))
	}
	recipient, err := crypto.VerifyChallenge(l.signer, offer.challenge, ack, expectedRecipient)
	if err != nil {
		return fail(err)
	}
	l.consumed.Add(sigDigest, struct{}{})
	if ack.Status == types.AckRejected {
		return fail(fmt.Errorf("voucher %s: %w", v.ID, types.ErrOfferDeclined))
	}
	if ack.Status != types.AckAccepted {
		return fail(fmt.Errorf("ack status %d: %w", ack.Status, types.ErrMalformedPayload))
	}

	if err := l.transition(v, types.StatusTransferred); err != nil {
		return nil, nil, err
	}
	crypto.Zero(v.Share1)
	crypto.Zero(v.Share2)
	v.Share1 = nil
	v.Share2 = nil
	v.HolderID = hex.EncodeToString(recipient)
	if err := l.persist(ctx, v); err != nil {
		return nil, nil, err
	}
	delete(l.pending, v.ID)

	l.metrics.IncCounter("ledger.transfer.complete", nil)
	l.logger.WithFields(logrus.Fields{
		"voucher":   v.ID,
		"recipient": v.HolderID,
	}).Info("transfer completed")
	return storage.CloneVoucher(v), recipient, nil
}

func (l *Ledger) revert(ctx context.Context, v *types.Voucher) error {
	if err := l.transition(v, types.StatusActive); err != nil {
		return err
	}
	delete(l.pending, v.ID)
	return l.persist(ctx, v)
}

// CancelTransfer withdraws an outstanding offer.
func (l *Ledger) CancelTransfer(ctx context.Context, voucherID string) (*types.Voucher, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, err := l.load(ctx, voucherID)
	if err != nil {
		return nil, err
	}
	if v.Status != types.StatusPendingTransfer {
		return nil, fmt.Errorf("voucher %s is %s: %w", v.ID, v.Status, types.ErrInvalidTransition)
	}
	if err := l.revert(ctx, v); err != nil {
		return nil, err
	}
	l.metrics.IncCounter("ledger.transfer.cancel", nil)
	l.logger.WithField("voucher", v.ID).Info("transfer cancelled")
	return storage.CloneVoucher(v), nil
}

// Redeem marks an active voucher as claimed.
func (l *Ledger) Redeem(ctx context.Context, voucherID string) (*types.Voucher, error) {
	l.mu.Lock()
	v, err := l.redeem(ctx, voucherID)
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}
	l.announce(ctx, v.ID, "redemption", func() error { return l.announcer.AnnounceRedemption(ctx, v) })
	return storage.CloneVoucher(v), nil
}

func (l *Ledger) redeem(ctx context.Context, voucherID string) (*types.Voucher, error) {
	v, err := l.load(ctx, voucherID)
	if err != nil {
		return nil, err
	}
	if err := l.transition(v, types.StatusRedeemed); err != nil {
		return nil, err
	}
	if err := l.persist(ctx, v); err != nil {
		return nil, err
	}
	l.metrics.IncCounter("ledger.redeem", nil)
	l.logger.WithFields(logrus.Fields{
		"voucher": v.ID,
		"value":   v.Value,
	}).Info("voucher redeemed")
	return storage.CloneVoucher(v), nil
}

// ExpireSweep marks every non-terminal voucher of holderID past its validity
// as Expired and returns how many were changed.
func (l *Ledger) ExpireSweep(ctx context.Context, holderID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	vouchers, err := l.repo.ListVouchers(ctx, holderID)
	if err != nil {
		return 0, fmt.Errorf("fail to list vouchers of %s: %w", holderID, err)
	}
	now := l.clock()
	expired := 0
	for _, v := range vouchers {
		if v.Status.Terminal() || !v.IsExpiredAt(now) {
			continue
		}
		if err := l.transition(v, types.StatusExpired); err != nil {
			return expired, err
		}
		l.clearPending(v.ID)
		if err := l.persist(ctx, v); err != nil {
			return expired, err
		}
		expired++
	}
	if expired > 0 {
		l.metrics.IncCounter("ledger.expire", nil)
		l.logger.WithFields(logrus.Fields{
			"holder":  holderID,
			"expired": expired,
		}).Info("expired vouchers swept")
	}
	return expired, nil
}

// RegenerateBootstrap replaces an active bootstrap voucher with fresh key
// material keeping the same expiry, and retires the old one. The lock is held
// from the status check to the retirement, so a voucher is regenerated once.
func (l *Ledger) RegenerateBootstrap(ctx context.Context, voucherID string) (*types.Voucher, error) {
	l.mu.Lock()
	fresh, err := l.regenerateBootstrap(ctx, voucherID)
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}
	l.announce(ctx, fresh.ID, "announce", func() error { return l.announcer.AnnounceVoucher(ctx, fresh) })
	return storage.CloneVoucher(fresh), nil
}

func (l *Ledger) regenerateBootstrap(ctx context.Context, voucherID string) (*types.Voucher, error) {
	old, err := l.load(ctx, voucherID)
	if err != nil {
		return nil, err
	}
	if old.Category != types.CategoryBootstrap || old.Status != types.StatusActive {
		return nil, fmt.Errorf("voucher %s is not an active bootstrap voucher: %w", old.ID, types.ErrInvalidTransition)
	}

	fresh, err := l.mint(ctx, MintRequest{
		Value:              old.Value,
		IssuerID:           old.IssuerID,
		HolderID:           old.HolderID,
		MarketID:           old.MarketID,
		Category:           types.CategoryBootstrap,
		ExpiresAt:          old.ExpiresAt,
		DividendAtCreation: old.DividendAtCreation,
	})
	if err != nil {
		return nil, err
	}

	if err := l.transition(old, types.StatusExpired); err != nil {
		return nil, err
	}
	if err := l.persist(ctx, old); err != nil {
		// keep a single active bootstrap voucher: retire the replacement
		if terr := l.transition(fresh, types.StatusExpired); terr == nil {
			if perr := l.persist(ctx, fresh); perr != nil {
				l.logger.WithField("voucher", fresh.ID).WithError(perr).Error("fail to retire replacement bootstrap voucher")
			}
		}
		return nil, err
	}
	l.logger.WithFields(logrus.Fields{
		"old": old.ID,
		"new": fresh.ID,
	}).Info("bootstrap voucher regenerated")
	return fresh, nil
}

// Get returns a copy of the stored voucher without changing it.
func (l *Ledger) Get(ctx context.Context, voucherID string) (*types.Voucher, error) {
	return l.repo.GetVoucher(ctx, voucherID)
}

func (l *Ledger) List(ctx context.Context, holderID string) ([]*types.Voucher, error) {
	return l.repo.ListVouchers(ctx, holderID)
}

func (l *Ledger) clearPending(id string) {
	delete(l.pending, id)
}

func signatureDigest(sig []byte) string {
	sum := sha256.Sum256(sig)
	return hex.EncodeToString(sum[:])
}

func codeOf(err error) string {
	if code := types.CodeOf(err); code != "" {
		return code
	}
	return "UNKNOWN"
}
