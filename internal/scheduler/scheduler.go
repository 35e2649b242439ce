package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/bonserver/internal/types"
)

const defaultTick = time.Minute

// StateStore exposes the last issuance of each participant.
type StateStore interface {
	GetDividendState(ctx context.Context, participant string) (*types.DividendState, error)
}

// SchedulerService evaluates the dividend cron expression on every tick and
// enqueues the periods that came due.
type SchedulerService struct {
	store        StateStore
	queue        *Service
	schedule     cron.Schedule
	marketID     string
	participants []string
	tick         time.Duration
	clock        func() time.Time
	logger       *logrus.Entry
	done         chan struct{}
}

func NewSchedulerService(store StateStore, queue *Service, cronExpr, marketID string, participants []string) (*SchedulerService, error) {
	if store == nil {
		return nil, fmt.Errorf("dividend state store is nil")
	}
	schedule, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse cron expression %q: %w", cronExpr, err)
	}
	return &SchedulerService{
		store:        store,
		queue:        queue,
		schedule:     schedule,
		marketID:     marketID,
		participants: participants,
		tick:         defaultTick,
		clock:        time.Now,
		logger:       logrus.WithField("module", "scheduler"),
		done:         make(chan struct{}),
	}, nil
}

func (s *SchedulerService) Start() {
	go s.run()
}

func (s *SchedulerService) Stop() {
	close(s.done)
}

func (s *SchedulerService) run() {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.logger.Info("scheduler started")
	for {
		select {
		case <-ticker.C:
			if err := s.CheckAndEnqueue(context.Background()); err != nil {
				s.logger.WithError(err).Error("failed to check and enqueue dividend tasks")
			}
		case <-s.done:
			s.logger.Info("scheduler stopped")
			return
		}
	}
}

// Due returns the period start that is owed when the last issuance happened
// at last, or false when nothing is due yet. A participant never issued is
// owed the most recent period.
func (s *SchedulerService) Due(last *time.Time, now time.Time) (time.Time, bool) {
	if last == nil {
		return s.previous(now), true
	}
	next := s.schedule.Next(*last)
	if now.Before(next) {
		return time.Time{}, false
	}
	return next, true
}

// previous finds the latest activation at or before now, looking back at
// most one year.
func (s *SchedulerService) previous(now time.Time) time.Time {
	floor := now.AddDate(-1, 0, 0)
	prev := floor
	for t := s.schedule.Next(floor); !t.After(now); t = s.schedule.Next(t) {
		prev = t
	}
	return prev
}

// CheckAndEnqueue enqueues one dividend task for every participant whose
// period came due, plus an expiry sweep.
func (s *SchedulerService) CheckAndEnqueue(ctx context.Context) error {
	now := s.clock()
	var errs []error
	for _, participant := range s.participants {
		var last *time.Time
		st, err := s.store.GetDividendState(ctx, participant)
		switch {
		case err == nil:
			last = st.LastIssuedAt
		case !errors.Is(err, types.ErrNotFound):
			errs = append(errs, fmt.Errorf("failed to get dividend state of %s: %w", participant, err))
			continue
		}

		period, due := s.Due(last, now)
		if !due {
			continue
		}
		queued, err := s.queue.EnqueueDividend(participant, s.marketID, period)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !queued {
			continue
		}
		if err := s.queue.EnqueueExpireSweep(participant); err != nil {
			errs = append(errs, err)
		}
		s.logger.WithFields(logrus.Fields{
			"participant": participant,
			"period":      period,
		}).Info("dividend period due")
	}
	return errors.Join(errs...)
}
