package main

import (
	"context"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/bonserver/internal/app"
	"github.com/vultisig/bonserver/internal/logging"
	"github.com/vultisig/bonserver/internal/tasks"
	"github.com/vultisig/bonserver/service"
)

func main() {
	a, err := app.New(context.Background(), "config")
	if err != nil {
		logrus.Fatalf("fail to start, err: %v", err)
	}
	defer a.Close()
	cfg := a.Config

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.RedisAddr(),
			Username: cfg.Redis.User,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		asynq.Config{
			Logger:      logging.Logger,
			Concurrency: 10,
			Queues: map[string]int{
				tasks.QUEUE_NAME: 10,
			},
		},
	)

	worker := service.NewWorker(a.Engine, a.Ledger, a.Metrics)
	mux := asynq.NewServeMux()
	worker.Register(mux)

	a.Logger.WithFields(logrus.Fields{
		"redis": cfg.RedisAddr(),
	}).Info("starting worker")
	if err := srv.Run(mux); err != nil {
		a.Logger.Fatalf("could not run server: %v", err)
	}
}
