package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/richardliu001/warehouse-outbox/internal/broker"
	"github.com/richardliu001/warehouse-outbox/internal/config"
	"github.com/richardliu001/warehouse-outbox/internal/logger"
	"github.com/richardliu001/warehouse-outbox/internal/reconciler"
	"github.com/richardliu001/warehouse-outbox/internal/repo"
)

func main() {
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := repo.Open(ctx, cfg, log)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer closeStore()

	pipeline, err := cfg.Pipeline(cfg.Reconciler.Pipeline)
	if err != nil {
		log.Fatalf("reconciler pipeline: %v", err)
	}
	producer, err := broker.NewProducer(pipeline, log)
	if err != nil {
		log.Fatalf("kafka producer: %v", err)
	}
	defer producer.Close()

	log.Infof("outbox-relay started pipeline=%s topic=%s", pipeline.Name, pipeline.Topic)
	if err := reconciler.New(store, producer, cfg.Reconciler, log).Run(ctx); err != nil {
		log.Errorf("reconciler: %v", err)
	}
	log.Info("outbox-relay stopped")
}
