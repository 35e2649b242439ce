package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/bonserver/api"
	"github.com/vultisig/bonserver/internal/app"
	"github.com/vultisig/bonserver/internal/logging"
	"github.com/vultisig/bonserver/internal/scheduler"
	"github.com/vultisig/bonserver/service"
	"github.com/vultisig/bonserver/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, "config")
	if err != nil {
		logrus.Fatalf("fail to start, err: %v", err)
	}
	defer a.Close()
	cfg := a.Config

	client := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr(),
		Username: cfg.Redis.User,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() {
		if err := client.Close(); err != nil {
			a.Logger.Errorf("fail to close asynq client, err: %v", err)
		}
	}()
	queue := scheduler.NewService(client, logging.Module("queue"))

	sched, err := scheduler.NewSchedulerService(a.Store, queue, cfg.Dividend.Schedule, cfg.Market.ID, cfg.Dividend.Participants)
	if err != nil {
		a.Logger.Fatalf("fail to create scheduler, err: %v", err)
	}
	sched.Start()

	var backups api.Backups
	if cfg.BlockStorage.Bucket != "" {
		blockStorage, err := storage.NewBlockStorage(*cfg)
		if err != nil {
			a.Logger.Fatalf("fail to create block storage, err: %v", err)
		}
		backups = service.NewBackupService(a.Store, blockStorage)
	}

	server := api.NewServer(api.Options{
		Port:      cfg.Server.Port,
		MarketID:  cfg.Market.ID,
		JWTSecret: cfg.Server.JWTSecret,
		Vouchers:  a.Ledger,
		Queue:     queue,
		Bootstrap: a.Engine,
		Relay:     a.Relay,
		Backups:   backups,
		Metrics:   a.Metrics,

		OperatorPasswordHash: cfg.Server.OperatorPasswordHash,
	})
	go func() {
		<-ctx.Done()
		a.Logger.Info("shutting down")
		sched.Stop()
		a.Close()
		os.Exit(0)
	}()
	a.Logger.WithFields(logrus.Fields{
		"port":   cfg.Server.Port,
		"market": cfg.Market.ID,
	}).Info("starting bonserver")
	if err := server.StartServer(); err != nil {
		a.Logger.Fatalf("fail to start server, err: %v", err)
	}
}
