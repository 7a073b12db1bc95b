package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"pledgerails/internal/config"
	"pledgerails/internal/escrow"
	"pledgerails/internal/eventlog"
	"pledgerails/internal/idempotency"
	"pledgerails/internal/keeper"
	"pledgerails/internal/logging"
	"pledgerails/internal/server"
	"pledgerails/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, logCloser := logging.Setup(logging.Options{
		Service: "pledgerails",
		Env:     cfg.Service.Env,
		Level:   cfg.Log.Level,
		File:    cfg.Log.File,
	})
	err = run(cfg, logger)
	if err != nil {
		logger.Error("server exited", "error", err)
	}
	_ = logCloser.Close()
	if err != nil {
		os.Exit(1)
	}
}

func run(cfg *config.AppConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer st.Close()

	policy, err := cfg.Policy()
	if err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	engine, err := escrow.NewEngine(st, policy, escrow.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	idem, closeIdem, err := openIdempotency(ctx, cfg)
	if err != nil {
		return fmt.Errorf("idempotency store: %w", err)
	}
	defer closeIdem()

	deps := server.Deps{Engine: engine, Store: st, Idempotency: idem, Logger: logger}
	if cfg.Chain.RPCURL != "" && cfg.Chain.ContractAddress != "" {
		eth, err := escrow.NewEthClient(ctx, escrow.EthClientConfig{
			RPCURL:          cfg.Chain.RPCURL,
			PrivateKeyHex:   cfg.Chain.PrivateKey,
			ContractAddress: cfg.Chain.ContractAddress,
			ReceiptTimeout:  cfg.Chain.ReceiptTimeout,
		})
		if err != nil {
			return fmt.Errorf("escrow client: %w", err)
		}
		defer eth.Close()
		deps.RPC = eth
	}

	apiServer, err := server.NewServer(cfg, deps)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	background := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("background worker stopped", "worker", name, "error", err)
			}
		}()
	}

	relay, err := newRelay(ctx, cfg, st, logger)
	if err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	if relay != nil {
		relay.OnResult(apiServer.ObserveRelay)
		background("relay", relay.Run)
	}

	if pg, ok := idem.(*idempotency.PostgresStore); ok {
		background("idempotency-prune", func(ctx context.Context) error {
			return pruneIdempotency(ctx, pg, cfg.Service.IdempotencyWindow, logger)
		})
	}

	if cfg.Keeper.Enabled {
		addr, err := cfg.KeeperAddress()
		if err != nil {
			return err
		}
		sweeper := keeper.New(engine, addr, keeper.Config{
			Interval:          cfg.Keeper.Interval,
			BatchSize:         cfg.Keeper.BatchSize,
			MaxAttempts:       cfg.Seed.Retry.MaxAttempts,
			InitialBackoff:    time.Duration(cfg.Seed.Retry.InitialBackoffMs) * time.Millisecond,
			MaxBackoff:        time.Duration(cfg.Seed.Retry.MaxBackoffMs) * time.Millisecond,
			BackoffMultiplier: cfg.Seed.Retry.BackoffMultiplier,
			DLQPath:           cfg.Service.DLQPath,
		}, logger)
		sweeper.SetHooks(apiServer.KeeperHooks())
		background("keeper", sweeper.Run)
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		stop()
		wg.Wait()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	wg.Wait()
	return nil
}

func openStore(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (store.Store, error) {
	sqlCfg := store.SQLConfig{MaxAttempts: cfg.Store.MaxAttempts, RetryBackoff: cfg.Store.RetryBackoff}
	switch cfg.Store.Driver {
	case "memory":
		logger.Warn("using in-memory ledger; state is lost on restart")
		return store.NewMemoryStore(), nil
	case "sqlite", "":
		return store.OpenSQLite(ctx, cfg.Store.SQLitePath, sqlCfg, logger)
	case "postgres":
		return store.OpenPostgres(ctx, cfg.Store.PostgresDSN, sqlCfg, logger)
	default:
		return nil, fmt.Errorf("unknown driver %q", cfg.Store.Driver)
	}
}

func openIdempotency(ctx context.Context, cfg *config.AppConfig) (idempotency.Store, func(), error) {
	switch cfg.Service.IdempotencyBackend {
	case "memory":
		return idempotency.NewMemoryStore(), func() {}, nil
	case "file", "":
		s, err := idempotency.NewFileStore(cfg.Service.IdempotencyStorePath)
		return s, func() {}, err
	case "postgres":
		s, err := idempotency.NewPostgresStore(ctx, cfg.Service.IdempotencyDSN, cfg.Service.IdempotencyTable)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "redis":
		s, err := idempotency.NewRedisStore(ctx, cfg.Service.RedisAddr, cfg.Service.RedisPassword, "")
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", cfg.Service.IdempotencyBackend)
	}
}

// pruneIdempotency drops expired replay rows once per window.
func pruneIdempotency(ctx context.Context, pg *idempotency.PostgresStore, every time.Duration, logger *slog.Logger) error {
	if every <= 0 {
		every = time.Hour
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := pg.DeleteExpired(ctx)
			if err != nil {
				logger.Warn("idempotency prune failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("idempotency rows pruned", "count", n)
			}
		}
	}
}

// newRelay returns nil when no sink is configured; events then stay pending
// in the store until one is.
func newRelay(ctx context.Context, cfg *config.AppConfig, st store.Store, logger *slog.Logger) (*eventlog.Relay, error) {
	var (
		publisher eventlog.Publisher
		archiver  eventlog.Archiver
	)
	if len(cfg.Events.KafkaBrokers) > 0 {
		p, err := eventlog.NewKafkaPublisher(eventlog.KafkaConfig{
			Brokers:     cfg.Events.KafkaBrokers,
			Topic:       cfg.Events.KafkaTopic,
			MaxAttempts: cfg.Seed.Retry.MaxAttempts,
		})
		if err != nil {
			return nil, err
		}
		publisher = p
	}
	if cfg.Events.S3Bucket != "" {
		a, err := eventlog.NewS3Archiver(ctx, cfg.Events.S3Bucket, cfg.Events.S3Prefix)
		if err != nil {
			return nil, err
		}
		archiver = a
	}
	if publisher == nil && archiver == nil {
		logger.Info("event relay disabled; no kafka brokers or archive bucket configured")
		return nil, nil
	}
	return eventlog.NewRelay(st, publisher, archiver, eventlog.RelayConfig{PollInterval: cfg.Events.PollInterval}, logger), nil
}
