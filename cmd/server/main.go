package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/richardliu001/warehouse-outbox/internal/config"
	"github.com/richardliu001/warehouse-outbox/internal/logger"
	"github.com/richardliu001/warehouse-outbox/internal/repo"
	"github.com/richardliu001/warehouse-outbox/internal/service"
	httptransport "github.com/richardliu001/warehouse-outbox/internal/transport/http"
)

func main() {
	// 1. load config
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. outbox store
	store, closeStore, err := repo.Open(ctx, cfg, log)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer closeStore()

	// 4. service & gin router
	svc := service.NewOutboxService(store, log)
	router := httptransport.NewRouter(svc, cfg.RateLimit, log)

	// 5. serve
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Server.Port), Handler: router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Infof("outbox-server listening on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("listen: %v", err)
	}
}
