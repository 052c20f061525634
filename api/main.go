package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"cloudq/pkg/api"
	"cloudq/pkg/config"
	"cloudq/pkg/dispatch"
	"cloudq/pkg/mq"
	"cloudq/pkg/observability"
	"cloudq/pkg/reclaim"
	"cloudq/pkg/store"
	"cloudq/pkg/store/memory"
	"cloudq/pkg/store/mongo"
	"cloudq/pkg/store/postgres"
	"cloudq/pkg/ws"
)

func main() {
	logger := observability.NewLogger()
	slog.SetDefault(logger)

	cfg := config.FromEnv()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := newStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to open job store", "backend", cfg.StoreBackend, "error", err)
		return
	}
	defer st.Close()

	opts := []dispatch.Option{
		dispatch.WithTimeout(cfg.Timeout),
		dispatch.WithLogger(logger.With("origin", "dispatch")),
	}

	var mqClient *mq.Client
	if cfg.RabbitURL != "" {
		mqClient, err = mq.New(cfg.RabbitURL)
		if err != nil {
			slog.Error("failed to connect to rabbitmq", "error", err)
			return
		}
		defer mqClient.Close()
		if err := mqClient.SetupTopology(); err != nil {
			slog.Error("failed to setup rabbitmq topology", "error", err)
			return
		}
		opts = append(opts, dispatch.WithNotifier(mqClient))
	}

	dispatcher := dispatch.New(st, opts...)

	if cfg.ReclaimSchedule != "" {
		sweeper, err := reclaim.NewSweeper(st, cfg.ReclaimSchedule, logger.With("origin", "reclaim"))
		if err != nil {
			slog.Error("failed to configure reclaim sweep", "error", err)
			return
		}
		sweeper.Start()
		defer sweeper.Stop()
	}

	observability.StartMetricsServer(cfg.MetricsAddr)

	wsHandler := ws.NewHandler(dispatcher, logger.With("origin", "websocket"))
	server := &http.Server{
		Addr:    cfg.Addr,
		Handler: api.New(dispatcher, st, logger.With("origin", "http"), wsHandler).Handler(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("cloudq starting", "addr", cfg.Addr, "store", cfg.StoreBackend, "timeout", cfg.Timeout)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if mqClient != nil {
		g.Go(func() error {
			return mqClient.Listen(gctx, dispatcher, logger.With("origin", "mq"))
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, draining requests")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("broker exited with error", "error", err)
		return
	}
	slog.Info("broker stopped gracefully")
}

func newStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.StoreBackend {
	case "postgres":
		st, err := postgres.New(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
		if err != nil {
			return nil, err
		}
		if err := st.InitSchema(ctx); err != nil {
			st.Close()
			return nil, err
		}
		return st, nil
	case "mongo":
		st, err := mongo.New(cfg.MongoURL, cfg.MongoDB)
		if err != nil {
			return nil, err
		}
		if err := st.InitSchema(ctx); err != nil {
			st.Close()
			return nil, err
		}
		return st, nil
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
