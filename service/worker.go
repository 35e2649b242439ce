package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/bonserver/contexthelper"
	"github.com/vultisig/bonserver/internal/dividend"
	"github.com/vultisig/bonserver/internal/metrics"
	"github.com/vultisig/bonserver/internal/tasks"
	"github.com/vultisig/bonserver/internal/types"
)

// Issuer runs one dividend period.
type Issuer interface {
	Issue(ctx context.Context, participant, marketID string) (*dividend.Result, error)
}

// Sweeper expires a holder's stale vouchers.
type Sweeper interface {
	ExpireSweep(ctx context.Context, holderID string) (int, error)
}

// DividendTaskResult is what the task keeps in the queue's result store.
// Share material never goes there.
type DividendTaskResult struct {
	Eligible   bool     `json:"eligible"`
	Amount     float64  `json:"amount"`
	VoucherIDs []string `json:"voucher_ids,omitempty"`
}

type WorkerService struct {
	issuer  Issuer
	sweeper Sweeper
	logger  *logrus.Entry
	metrics *metrics.Reporter
}

// NewWorker creates a new worker service
func NewWorker(issuer Issuer, sweeper Sweeper, reporter *metrics.Reporter) *WorkerService {
	if reporter == nil {
		reporter = metrics.NewNoop()
	}
	return &WorkerService{
		issuer:  issuer,
		sweeper: sweeper,
		logger:  logrus.WithField("service", "worker"),
		metrics: reporter,
	}
}

// Register binds the handlers to mux.
func (s *WorkerService) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(tasks.TypeDividendIssue, s.HandleDividendIssue)
	mux.HandleFunc(tasks.TypeExpireSweep, s.HandleExpireSweep)
}

// retryable reports whether a failed run is worth another attempt.
func retryable(err error) bool {
	switch types.KindOf(err) {
	case types.KindPersistence, types.KindConnectivity:
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func (s *WorkerService) HandleDividendIssue(ctx context.Context, t *asynq.Task) error {
	if err := contexthelper.CheckCancellation(ctx); err != nil {
		return err
	}
	defer s.metrics.MeasureTime("worker.dividend.issue.latency", time.Now(), nil)
	var p tasks.DividendIssuePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	if p.Participant == "" || p.MarketID == "" {
		return fmt.Errorf("participant and market are required: %w", asynq.SkipRetry)
	}
	s.logger.WithFields(logrus.Fields{
		"participant": p.Participant,
		"market":      p.MarketID,
		"period":      p.Period,
	}).Info("issuing dividend")
	s.metrics.IncCounter("worker.dividend.issue", nil)

	res, err := s.issuer.Issue(ctx, p.Participant, p.MarketID)
	if err != nil {
		s.metrics.IncCounter("worker.dividend.issue.error", nil)
		s.logger.WithError(err).Error("dividend issuance failed")
		if retryable(err) {
			return fmt.Errorf("dividend issuance failed: %w", err)
		}
		return fmt.Errorf("dividend issuance failed: %v: %w", err, asynq.SkipRetry)
	}

	w := t.ResultWriter()
	if w == nil {
		return nil
	}
	summary := DividendTaskResult{Eligible: res.Eligible, Amount: res.Amount}
	for _, v := range res.Vouchers {
		summary.VoucherIDs = append(summary.VoucherIDs, v.ID)
	}
	resultBytes, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("json.Marshal failed: %v: %w", err, asynq.SkipRetry)
	}
	if _, err := w.Write(resultBytes); err != nil {
		s.logger.Errorf("t.ResultWriter.Write failed: %v", err)
		return fmt.Errorf("t.ResultWriter.Write failed: %v: %w", err, asynq.SkipRetry)
	}
	return nil
}

func (s *WorkerService) HandleExpireSweep(ctx context.Context, t *asynq.Task) error {
	if err := contexthelper.CheckCancellation(ctx); err != nil {
		return err
	}
	var p tasks.ExpireSweepPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	n, err := s.sweeper.ExpireSweep(ctx, p.Holder)
	if err != nil {
		s.metrics.IncCounter("worker.expire.error", nil)
		return fmt.Errorf("expire sweep of %s failed: %w", p.Holder, err)
	}
	s.logger.WithFields(logrus.Fields{
		"holder":  p.Holder,
		"expired": n,
	}).Info("expire sweep done")
	return nil
}
