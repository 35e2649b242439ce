package ledger

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/vultisig/bonserver/internal/codec"
	"github.com/vultisig/bonserver/internal/crypto"
	"github.com/vultisig/bonserver/internal/types"
	"github.com/vultisig/bonserver/storage"
)

// RecordAnnouncement stores a voucher learned from the market relay so a
// later offer for it can be opened. Plaintext shares are never taken from an
// announcement, and an already known voucher is left untouched.
func (l *Ledger) RecordAnnouncement(ctx context.Context, announced *types.Voucher) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.repo.GetVoucher(ctx, announced.ID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return fmt.Errorf("fail to get voucher %s: %w", announced.ID, err)
	}
	v := storage.CloneVoucher(announced)
	v.Share1, v.Share2, v.Share3 = nil, nil, nil
	v.Status = types.StatusActive
	v.UpdatedAt = l.clock()
	return l.persist(ctx, v)
}

// AcceptOffer is the recipient half of a transfer. It rejects an expired
// offer before touching it, unwraps share3 with the market key and share2
// with share3, checks the pair reconstructs the voucher's key, stores the
// shares under identity and returns the signed acknowledgment.
func (l *Ledger) AcceptOffer(ctx context.Context, offer types.OfferMessage, identity *crypto.Identity) (*types.AckMessage, *types.Voucher, error) {
	if codec.IsExpiredAt(offer.Timestamp, offer.TTLSeconds, l.clock()) {
		l.metrics.IncCounter("ledger.offer.expired", nil)
		return nil, nil, fmt.Errorf("offer for %s: %w", offer.VoucherID, types.ErrExpired)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	v, err := l.load(ctx, offer.VoucherID)
	if err != nil {
		return nil, nil, err
	}
	if v.Status != types.StatusActive {
		return nil, nil, fmt.Errorf("voucher %s is %s: %w", v.ID, v.Status, types.ErrInvalidTransition)
	}
	market, err := l.repo.GetMarket(ctx, v.MarketID)
	if err != nil {
		return nil, nil, fmt.Errorf("fail to get market %s: %w", v.MarketID, err)
	}
	defer crypto.Zero(market.Key)

	share3, err := crypto.DecryptShare3(v.Share3Cipher, v.Share3Nonce, market.Key)
	if err != nil {
		return nil, nil, fmt.Errorf("fail to open share3 of %s: %w", v.ID, err)
	}
	share2, err := crypto.DecryptShare2(offer.EncryptedShare2, offer.Nonce, share3)
	if err != nil {
		crypto.Zero(share3)
		return nil, nil, fmt.Errorf("fail to open share2 of %s: %w", v.ID, err)
	}
	if err := l.checkShares(v.ID, share2, share3); err != nil {
		crypto.Zero(share2)
		crypto.Zero(share3)
		return nil, nil, err
	}

	signature, err := identity.SignChallenge(v.ID, offer.Challenge, types.AckAccepted)
	if err != nil {
		crypto.Zero(share2)
		crypto.Zero(share3)
		return nil, nil, err
	}

	v.Share1 = nil
	v.Share2 = share2
	v.Share3 = share3
	v.HolderID = hex.EncodeToString(identity.PublicKey())
	v.UpdatedAt = l.clock()
	if err := l.persist(ctx, v); err != nil {
		crypto.Zero(share2)
		crypto.Zero(share3)
		return nil, nil, err
	}

	l.metrics.IncCounter("ledger.offer.accept", nil)
	l.logger.WithFields(logrus.Fields{
		"voucher": v.ID,
		"holder":  v.HolderID,
	}).Info("offer accepted")
	ack := &types.AckMessage{
		VoucherID: v.ID,
		Signature: signature,
		Status:    types.AckAccepted,
		Recipient: identity.PublicKey(),
	}
	return ack, storage.CloneVoucher(v), nil
}

// DeclineOffer signs a rejection so the sender can release the voucher
// without waiting for the offer to time out.
func (l *Ledger) DeclineOffer(offer types.OfferMessage, identity *crypto.Identity) (*types.AckMessage, error) {
	signature, err := identity.SignChallenge(offer.VoucherID, offer.Challenge, types.AckRejected)
	if err != nil {
		return nil, err
	}
	l.metrics.IncCounter("ledger.offer.decline", nil)
	return &types.AckMessage{
		VoucherID: offer.VoucherID,
		Signature: signature,
		Status:    types.AckRejected,
		Recipient: identity.PublicKey(),
	}, nil
}

// checkShares reconstructs the private key from two shares and compares its
// public id with the voucher id. The key never outlives the call.
func (l *Ledger) checkShares(voucherID string, a, b []byte) error {
	key, err := l.splitter.Combine(a, b)
	if err != nil {
		return err
	}
	defer crypto.Zero(key)
	id, err := crypto.PublicIDFromPrivate(key)
	if err != nil {
		return err
	}
	if id != voucherID {
		return fmt.Errorf("shares reconstruct %s, not %s: %w", id, voucherID, types.ErrShareMismatch)
	}
	return nil
}
