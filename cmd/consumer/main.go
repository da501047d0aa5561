package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/richardliu001/warehouse-outbox/internal/broker"
	"github.com/richardliu001/warehouse-outbox/internal/config"
	"github.com/richardliu001/warehouse-outbox/internal/logger"
	"golang.org/x/sync/errgroup"
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

	names := make([]string, 0, len(cfg.Pipelines))
	for name := range cfg.Pipelines {
		names = append(names, name)
	}
	sort.Strings(names)

	g, ctx := errgroup.WithContext(ctx)
	for _, name := range names {
		pipeline, err := cfg.Pipeline(name)
		if err != nil {
			log.Fatalf("pipeline %s: %v", name, err)
		}
		c, err := broker.NewConsumer(pipeline, broker.NewLogHandler(name, log), log)
		if err != nil {
			log.Fatalf("consumer %s: %v", name, err)
		}
		defer c.Close()
		g.Go(func() error { return c.Start(ctx) })
	}

	if err := g.Wait(); err != nil {
		log.Errorf("consumers: %v", err)
	}
	log.Info("outbox-consumer stopped")
}
