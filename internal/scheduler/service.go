package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/bonserver/internal/tasks"
)

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Service puts dividend and sweep work on the task queue.
type Service struct {
	client Enqueuer
	logger *logrus.Entry
}

func NewService(client Enqueuer, logger *logrus.Entry) *Service {
	if logger == nil {
		logger = logrus.WithField("module", "scheduler")
	}
	return &Service{
		client: client,
		logger: logger,
	}
}

// EnqueueDividend queues the issuance of participant for period. A zero
// period is an ad hoc run. It reports false when the period was already
// queued.
func (s *Service) EnqueueDividend(participant, marketID string, period time.Time) (bool, error) {
	task, opts, err := tasks.NewDividendIssue(tasks.DividendIssuePayload{
		Participant: participant,
		MarketID:    marketID,
		Period:      period,
	})
	if err != nil {
		return false, fmt.Errorf("failed to marshal payload: %w", err)
	}
	ti, err := s.client.Enqueue(task, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to enqueue dividend task: %w", err)
	}
	s.logger.WithFields(logrus.Fields{
		"participant": participant,
		"task_id":     ti.ID,
	}).Info("dividend task enqueued")
	return true, nil
}

func (s *Service) EnqueueExpireSweep(holder string) error {
	task, opts, err := tasks.NewExpireSweep(tasks.ExpireSweepPayload{Holder: holder})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	if _, err := s.client.Enqueue(task, opts...); err != nil {
		return fmt.Errorf("failed to enqueue sweep task: %w", err)
	}
	return nil
}
