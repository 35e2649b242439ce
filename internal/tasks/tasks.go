package tasks

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	QUEUE_NAME = "bon_queue"

	TypeDividendIssue = "dividend:issue"
	TypeExpireSweep   = "voucher:expire"
)

type DividendIssuePayload struct {
	Participant string    `json:"participant"`
	MarketID    string    `json:"market_id"`
	Period      time.Time `json:"period"`
}

type ExpireSweepPayload struct {
	Holder string `json:"holder"`
}

// NewDividendIssue builds the task for one participant's period. The task id
// is derived from the period so a period is enqueued at most once.
func NewDividendIssue(p DividendIssuePayload) (*asynq.Task, []asynq.Option, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, nil, err
	}
	opts := []asynq.Option{
		asynq.MaxRetry(3),
		asynq.Timeout(2 * time.Minute),
		asynq.Retention(24 * time.Hour),
		asynq.Queue(QUEUE_NAME),
	}
	if !p.Period.IsZero() {
		opts = append(opts, asynq.TaskID(fmt.Sprintf("dividend-%s-%s-%d", p.MarketID, p.Participant, p.Period.Unix())))
	}
	return asynq.NewTask(TypeDividendIssue, payload), opts, nil
}

func NewExpireSweep(p ExpireSweepPayload) (*asynq.Task, []asynq.Option, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, nil, err
	}
	return asynq.NewTask(TypeExpireSweep, payload), []asynq.Option{
		asynq.MaxRetry(3),
		asynq.Timeout(time.Minute),
		asynq.Queue(QUEUE_NAME),
	}, nil
}
