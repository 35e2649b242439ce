package dividend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vultisig/bonserver/internal/ledger"
	"github.com/vultisig/bonserver/internal/metrics"
	"github.com/vultisig/bonserver/internal/types"
)

// VoucherLedger is the part of the ledger the engine mints through.
type VoucherLedger interface {
	Mint(ctx context.Context, req ledger.MintRequest) (*types.Voucher, error)
	Get(ctx context.Context, voucherID string) (*types.Voucher, error)
	List(ctx context.Context, holderID string) ([]*types.Voucher, error)
	RegenerateBootstrap(ctx context.Context, voucherID string) (*types.Voucher, error)
}

// Store provides the social graph and the per-participant issuance memory.
type Store interface {
	GetContacts(ctx context.Context, participant string) ([]types.Contact, error)
	GetDividendState(ctx context.Context, participant string) (*types.DividendState, error)
	SaveDividendState(ctx context.Context, state *types.DividendState) error
}

// Result describes one issuance run for a participant.
type Result struct {
	Participant string           `json:"participant"`
	Eligible    bool             `json:"eligible"`
	Amount      float64          `json:"amount"`
	Vouchers    []*types.Voucher `json:"-"`
}

type Engine struct {
	ledger  VoucherLedger
	store   Store
	volume  *VolumeTracker
	params  Params
	clock   func() time.Time
	metrics *metrics.Reporter
	logger  *logrus.Entry

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewEngine(l VoucherLedger, store Store, volume *VolumeTracker, params Params, reporter *metrics.Reporter) *Engine {
	if volume == nil {
		volume = NewVolumeTracker()
	}
	if reporter == nil {
		reporter = metrics.NewNoop()
	}
	return &Engine{
		ledger:  l,
		store:   store,
		volume:  volume,
		params:  params,
		clock:   time.Now,
		metrics: reporter,
		logger:  logrus.WithField("module", "dividend"),
		locks:   make(map[string]*sync.Mutex),
	}
}

// lock serializes issuance for one participant and returns the unlock func.
func (e *Engine) lock(participant string) func() {
	e.mu.Lock()
	m, ok := e.locks[participant]
	if !ok {
		m = &sync.Mutex{}
		e.locks[participant] = m
	}
	e.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func (e *Engine) graph(ctx context.Context, participant string) (types.SocialGraph, error) {
	contacts, err := e.store.GetContacts(ctx, participant)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return types.SocialGraph{}, fmt.Errorf("fail to get contacts of %s: %w", participant, err)
	}
	return BuildGraph(participant, contacts), nil
}

func (e *Engine) state(ctx context.Context, participant string) (*types.DividendState, error) {
	st, err := e.store.GetDividendState(ctx, participant)
	if errors.Is(err, types.ErrNotFound) {
		return &types.DividendState{Participant: participant}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fail to get dividend state of %s: %w", participant, err)
	}
	return st, nil
}

// Issue runs one dividend period for participant on marketID. A participant
// below the link threshold gets an ineligible result and no vouchers. A
// period interrupted by a failed mint is recorded in the dividend state and
// the next run finishes its ladder instead of starting a new one.
func (e *Engine) Issue(ctx context.Context, participant, marketID string) (*Result, error) {
	defer e.metrics.MeasureTime("dividend.issue.latency", e.clock(), nil)
	unlock := e.lock(participant)
	defer unlock()

	st, err := e.state(ctx, participant)
	if err != nil {
		return nil, err
	}
	logger := e.logger.WithFields(logrus.Fields{
		"participant": participant,
		"market":      marketID,
	})

	amount := st.PendingAmount
	if amount > 0 {
		logger = logger.WithField("resumed", len(st.PendingIssued))
	} else {
		graph, err := e.graph(ctx, participant)
		if err != nil {
			return nil, err
		}
		issuance := ComputeIssuance(e.params, graph, types.MarketStats{
			MarketID:  marketID,
			Volume:    e.volume.Volume(marketID),
			CurrentDU: st.CurrentDU,
		})
		logger = logger.WithField("mutual_links", graph.MutualLinks)
		if !issuance.Eligible {
			e.metrics.IncCounter("dividend.ineligible", nil)
			logger.Info("participant not eligible for dividend")
			return &Result{Participant: participant}, nil
		}
		amount = issuance.Amount
	}

	vouchers, err := e.issuePeriod(ctx, st, marketID, amount)
	if err != nil {
		return nil, err
	}
	now := e.clock()
	st.CurrentDU = amount
	st.LastIssuedAt = &now
	st.PendingAmount = 0
	st.PendingIssued = nil
	if err := e.store.SaveDividendState(ctx, st); err != nil {
		return nil, fmt.Errorf("fail to save dividend state of %s: %w", participant, err)
	}

	e.metrics.IncCounter("dividend.issued", nil)
	e.metrics.Gauge("dividend.amount", amount, nil)
	logger.WithFields(logrus.Fields{
		"amount":   amount,
		"vouchers": len(vouchers),
	}).Info("dividend issued")
	return &Result{
		Participant: participant,
		Eligible:    true,
		Amount:      amount,
		Vouchers:    vouchers,
	}, nil
}

// issuePeriod mints the part of total's ladder that st does not already
// list, saving st after every mint so a retry never mints a step twice.
func (e *Engine) issuePeriod(ctx context.Context, st *types.DividendState, marketID string, total float64) ([]*types.Voucher, error) {
	ladder := Denominate(total)
	done := len(st.PendingIssued)
	if done > len(ladder) {
		done = len(ladder)
	}
	st.PendingAmount = total
	return e.mintLadder(ctx, st.Participant, marketID, total, ladder[done:], func(v *types.Voucher) error {
		st.PendingIssued = append(st.PendingIssued, v.ID)
		if err := e.store.SaveDividendState(ctx, st); err != nil {
			e.logger.WithFields(logrus.Fields{
				"participant": st.Participant,
				"voucher":     v.ID,
			}).WithError(err).Error("fail to record dividend progress")
			return fmt.Errorf("fail to save dividend state of %s: %w", st.Participant, err)
		}
		return nil
	})
}

// IssueDenominated mints total as vouchers over the denomination ladder. On
// a failed mint the vouchers already minted are returned with the error.
func (e *Engine) IssueDenominated(ctx context.Context, participant, marketID string, total float64) ([]*types.Voucher, error) {
	return e.mintLadder(ctx, participant, marketID, total, Denominate(total), nil)
}

func (e *Engine) mintLadder(ctx context.Context, participant, marketID string, total float64, values []float64, minted func(*types.Voucher) error) ([]*types.Voucher, error) {
	expiresAt := e.clock().Add(e.params.Validity)
	var out []*types.Voucher
	for _, value := range values {
		v, err := e.ledger.Mint(ctx, ledger.MintRequest{
			Value:              value,
			IssuerID:           participant,
			HolderID:           participant,
			MarketID:           marketID,
			Category:           types.CategoryDividend,
			ExpiresAt:          expiresAt,
			DividendAtCreation: total,
		})
		if err != nil {
			return out, fmt.Errorf("fail to mint %.2f of %.2f: %w", value, total, err)
		}
		e.volume.Observe(v)
		out = append(out, v)
		if minted != nil {
			if err := minted(v); err != nil {
				return out, err
			}
		}
	}
	return out, nil
}

// activeBootstrap returns the participant's live zero-value vouchers.
func (e *Engine) activeBootstrap(ctx context.Context, participant string) ([]*types.Voucher, error) {
	vouchers, err := e.ledger.List(ctx, participant)
	if err != nil {
		return nil, fmt.Errorf("fail to list vouchers of %s: %w", participant, err)
	}
	now := e.clock()
	var out []*types.Voucher
	for _, v := range vouchers {
		if v.Value != 0 || v.Status.Terminal() || v.IsExpiredAt(now) {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

func (e *Engine) checkBootstrapEligible(ctx context.Context, participant string) error {
	graph, err := e.graph(ctx, participant)
	if err != nil {
		return err
	}
	if graph.MutualLinks >= e.params.MinMutualLinks {
		return fmt.Errorf("%s has %d mutual links: %w", participant, graph.MutualLinks, types.ErrBootstrapDenied)
	}
	return nil
}

// IssueBootstrap grants a new participant one zero-value voucher with the
// extended validity window. The check and the mint run under the
// participant's lock, so concurrent requests issue at most one voucher.
func (e *Engine) IssueBootstrap(ctx context.Context, participant, marketID string) (*types.Voucher, error) {
	unlock := e.lock(participant)
	defer unlock()

	if err := e.checkBootstrapEligible(ctx, participant); err != nil {
		return nil, err
	}
	live, err := e.activeBootstrap(ctx, participant)
	if err != nil {
		return nil, err
	}
	if len(live) > 0 {
		return nil, fmt.Errorf("%s holds %s: %w", participant, live[0].ID, types.ErrBootstrapExists)
	}
	v, err := e.ledger.Mint(ctx, ledger.MintRequest{
		Value:     0,
		IssuerID:  participant,
		HolderID:  participant,
		MarketID:  marketID,
		Category:  types.CategoryBootstrap,
		ExpiresAt: e.clock().Add(e.params.BootstrapValidity),
	})
	if err != nil {
		return nil, err
	}
	e.metrics.IncCounter("dividend.bootstrap", nil)
	e.logger.WithFields(logrus.Fields{
		"participant": participant,
		"voucher":     v.ID,
	}).Info("bootstrap voucher issued")
	return v, nil
}

// RegenerateBootstrap swaps the key material of the participant's bootstrap
// voucher, keeping its expiry, while the participant is still below the link
// threshold and holds no other live zero-value voucher.
func (e *Engine) RegenerateBootstrap(ctx context.Context, participant, voucherID string) (*types.Voucher, error) {
	unlock := e.lock(participant)
	defer unlock()

	v, err := e.ledger.Get(ctx, voucherID)
	if err != nil {
		return nil, err
	}
	if v.Category != types.CategoryBootstrap || v.HolderID != participant {
		return nil, fmt.Errorf("voucher %s is not a bootstrap voucher of %s: %w", voucherID, participant, types.ErrInvalidTransition)
	}
	if v.IsExpiredAt(e.clock()) {
		return nil, fmt.Errorf("bootstrap voucher %s: %w", voucherID, types.ErrExpired)
	}
	if err := e.checkBootstrapEligible(ctx, participant); err != nil {
		return nil, err
	}
	live, err := e.activeBootstrap(ctx, participant)
	if err != nil {
		return nil, err
	}
	for _, other := range live {
		if other.ID != voucherID {
			return nil, fmt.Errorf("%s also holds %s: %w", participant, other.ID, types.ErrBootstrapExists)
		}
	}
	return e.ledger.RegenerateBootstrap(ctx, voucherID)
}
