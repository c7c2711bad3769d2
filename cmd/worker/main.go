package main

import (
	"github.com/DataDog/datadog-go/statsd"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/custodian/config"
	"github.com/vultisig/custodian/internal/tasks"
	"github.com/vultisig/custodian/service"
)

func main() {
	cfg, err := config.ReadConfig("config")
	if err != nil {
		panic(err)
	}

	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		logger.SetLevel(level)
	}

	sdClient, err := statsd.New(cfg.Datadog.Host + ":" + cfg.Datadog.Port)
	if err != nil {
		panic(err)
	}

	redisOpts := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Host + ":" + cfg.Redis.Port,
		Username: cfg.Redis.User,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	srv := asynq.NewServer(
		redisOpts,
		asynq.Config{
			Logger:      logger,
			Concurrency: 10,
			Queues: map[string]int{
				tasks.QUEUE_NAME: 10,
			},
		},
	)

	worker := service.NewEventWorker(sdClient, logger)
	mux := asynq.NewServeMux()
	mux.HandleFunc(tasks.TypeTransactionStateChanged, worker.HandleTransactionStateChanged)

	logger.WithFields(logrus.Fields{
		"redis": redisOpts.Addr,
		"queue": tasks.QUEUE_NAME,
	}).Info("Starting worker")
	if err := srv.Run(mux); err != nil {
		panic(err)
	}
}
