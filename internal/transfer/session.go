// Package transfer runs the face-to-face offer/acknowledgment handshake. Only
// one session may be active at a time; overlapping starts are rejected.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/bonserver/internal/codec"
	"github.com/vultisig/bonserver/internal/crypto"
	"github.com/vultisig/bonserver/internal/metrics"
	"github.com/vultisig/bonserver/internal/types"
)

const DefaultTimeout = 30 * time.Second

// VoucherLedger is the part of the ledger a transfer session drives.
type VoucherLedger interface {
	BeginTransfer(ctx context.Context, voucherID string) (*types.OfferMessage, error)
	CompleteTransfer(ctx context.Context, voucherID string, ack types.AckMessage, expectedRecipient []byte) (*types.Voucher, error)
	CancelTransfer(ctx context.Context, voucherID string) (*types.Voucher, error)
	AcceptOffer(ctx context.Context, offer types.OfferMessage, identity *crypto.Identity) (*types.AckMessage, *types.Voucher, error)
	DeclineOffer(offer types.OfferMessage, identity *crypto.Identity) (*types.AckMessage, error)
}

type Session struct {
	ledger  VoucherLedger
	timeout time.Duration
	metrics *metrics.Reporter
	logger  *logrus.Entry
	busy    atomic.Bool
}

func NewSession(ledger VoucherLedger, timeout time.Duration, reporter *metrics.Reporter) *Session {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if reporter == nil {
		reporter = metrics.NewNoop()
	}
	return &Session{
		ledger:  ledger,
		timeout: timeout,
		metrics: reporter,
		logger:  logrus.WithField("module", "transfer"),
	}
}

// Busy reports whether a session is in progress.
func (s *Session) Busy() bool {
	return s.busy.Load()
}

func (s *Session) acquire() error {
	if !s.busy.CompareAndSwap(false, true) {
		s.metrics.IncCounter("transfer.session.busy", nil)
		return types.ErrSessionBusy
	}
	return nil
}

func (s *Session) release() {
	s.busy.Store(false)
}

func timeoutErr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("transfer session: %v: %w", err, types.ErrTimeout)
	}
	return err
}

// Offer hands voucherID to whoever is on the other end of ch and waits for
// the acknowledgment. Unless the ledger settled the offer, the voucher is
// put back to Active before returning an error.
func (s *Session) Offer(ctx context.Context, voucherID string, ch Channel) (*types.Voucher, error) {
	if err := s.acquire(); err != nil {
		return nil, err
	}
	defer s.release()
	defer s.metrics.MeasureTime("transfer.offer.latency", time.Now(), []string{"channel:" + ch.Name()})

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	logger := s.logger.WithFields(logrus.Fields{
		"session": uuid.New().String(),
		"voucher": voucherID,
		"channel": ch.Name(),
	})

	offer, err := s.ledger.BeginTransfer(ctx, voucherID)
	if err != nil {
		return nil, err
	}

	ack, err := s.exchange(ctx, *offer, ch)
	if err != nil {
		logger.WithError(err).Warn("offer abandoned")
		if _, cerr := s.ledger.CancelTransfer(context.WithoutCancel(ctx), voucherID); cerr != nil {
			logger.WithError(cerr).Error("fail to cancel transfer")
		}
		s.metrics.IncCounter("transfer.offer.abandoned", nil)
		return nil, timeoutErr(ctx, err)
	}

	v, err := s.ledger.CompleteTransfer(ctx, voucherID, ack, nil)
	if err != nil {
		logger.WithError(err).Warn("acknowledgment refused")
		return v, err
	}
	logger.WithField("recipient", v.HolderID).Info("offer completed")
	return v, nil
}

func (s *Session) exchange(ctx context.Context, offer types.OfferMessage, ch Channel) (types.AckMessage, error) {
	record, err := codec.EncodeOffer(offer)
	if err != nil {
		return types.AckMessage{}, err
	}
	if err := ch.SendRecord(ctx, record); err != nil {
		return types.AckMessage{}, fmt.Errorf("fail to send offer: %w", err)
	}
	reply, err := ch.ReceiveRecord(ctx)
	if err != nil {
		return types.AckMessage{}, fmt.Errorf("fail to receive ack: %w", err)
	}
	return codec.DecodeAck(reply)
}

// Receive reads one offer from ch, accepts it under identity and sends the
// signed acknowledgment back. An expired offer is dropped without reply; any
// other refusal is answered with a decline.
func (s *Session) Receive(ctx context.Context, ch Channel, identity *crypto.Identity) (*types.Voucher, error) {
	if err := s.acquire(); err != nil {
		return nil, err
	}
	defer s.release()
	defer s.metrics.MeasureTime("transfer.receive.latency", time.Now(), []string{"channel:" + ch.Name()})

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	record, err := ch.ReceiveRecord(ctx)
	if err != nil {
		return nil, timeoutErr(ctx, fmt.Errorf("fail to receive offer: %w", err))
	}
	offer, err := codec.DecodeOffer(record)
	if err != nil {
		return nil, err
	}
	logger := s.logger.WithFields(logrus.Fields{
		"voucher": offer.VoucherID,
		"channel": ch.Name(),
	})

	ack, v, err := s.ledger.AcceptOffer(ctx, offer, identity)
	if err != nil {
		if !errors.Is(err, types.ErrExpired) {
			s.decline(ctx, offer, identity, ch, logger)
		}
		logger.WithError(err).Warn("offer refused")
		return nil, err
	}

	reply, err := codec.EncodeAck(*ack)
	if err != nil {
		return nil, err
	}
	if err := ch.SendRecord(ctx, reply); err != nil {
		return nil, timeoutErr(ctx, fmt.Errorf("fail to send ack: %w", err))
	}
	logger.Info("offer received")
	return v, nil
}

func (s *Session) decline(ctx context.Context, offer types.OfferMessage, identity *crypto.Identity, ch Channel, logger *logrus.Entry) {
	ack, err := s.ledger.DeclineOffer(offer, identity)
	if err != nil {
		logger.WithError(err).Warn("fail to sign decline")
		return
	}
	reply, err := codec.EncodeAck(*ack)
	if err != nil {
		logger.WithError(err).Warn("fail to encode decline")
		return
	}
	if err := ch.SendRecord(ctx, reply); err != nil {
		logger.WithError(err).Warn("fail to send decline")
	}
}
