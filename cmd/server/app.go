package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"provisioner/internal/platform/config"
	"provisioner/internal/platform/postgres"
	"provisioner/internal/platform/redis"
	"provisioner/internal/platform/tracing"
	"provisioner/internal/provisioning/contentstore"
	"provisioner/internal/provisioning/dns"
	"provisioner/internal/provisioning/events"
	"provisioner/internal/provisioning/ledger"
	"provisioner/internal/provisioning/lock"
	"provisioner/internal/provisioning/metrics"
	"provisioner/internal/provisioning/service"
	"provisioner/internal/provisioning/store"
)

// app holds the wired dependencies of one process.
type app struct {
	db           *sql.DB
	redis        *redis.Client
	tracing      *tracing.Provider
	publisher    interface{ Close() }
	orchestrator *service.Orchestrator
	logger       *slog.Logger
}

// buildApp wires the orchestrator from configuration. reg may be nil for
// one-shot commands that expose no metrics.
func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger, reg prometheus.Registerer) (*app, error) {
	a := &app{logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.close(context.WithoutCancel(ctx))
		}
	}()

	tp, err := tracing.NewProvider(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.tracing = tp

	a.db, err = postgres.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	a.redis, err = redis.New(ctx, cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	var locker service.Locker
	if a.redis != nil {
		locker = lock.NewRedis(a.redis.Client)
		logger.InfoContext(ctx, "using redis provisioning lock")
	} else {
		locker = lock.NewPostgres(a.db)
		logger.InfoContext(ctx, "using postgres advisory provisioning lock")
	}

	var publisher service.Publisher = events.Nop{}
	if len(cfg.Kafka.Brokers) > 0 {
		kp, err := events.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			return nil, fmt.Errorf("init kafka publisher: %w", err)
		}
		a.publisher = kp
		publisher = kp
	}

	chain, err := ledger.Dial(ctx, cfg.Ledger, ledger.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("dial chain: %w", err)
	}
	logger.InfoContext(ctx, "ledger client ready",
		"chain", cfg.Ledger.ChainName,
		"contract", cfg.Ledger.ContractAddress,
		"minter", chain.MinterAddress(),
	)

	customers := store.NewPostgresCustomers(a.db)
	opts := []service.Option{
		service.WithLogger(logger),
		service.WithWalletResolver(store.NewCachedWalletResolver(customers, cfg.Pipeline.WalletCacheTTL)),
		service.WithLocker(locker),
		service.WithTransactor(store.NewTxRunner(a.db)),
		service.WithPublisher(publisher),
		service.WithTracer(tp.Tracer()),
	}
	if reg != nil {
		opts = append(opts, service.WithMetrics(metrics.New(reg)))
	}

	a.orchestrator, err = service.New(
		store.NewPostgresOrders(a.db),
		store.NewPostgresDomains(a.db),
		store.NewPostgresAudits(a.db),
		service.Clients{
			Content:   contentstore.New(cfg.ContentStore, contentstore.WithLogger(logger)),
			Ledger:    chain,
			Registrar: dns.New(cfg.DNS, dns.WithLogger(logger)),
		},
		service.Settings{
			ContractAddress: cfg.Ledger.ContractAddress,
			Chain:           cfg.Ledger.ChainName,
			PublicHost:      cfg.DNS.PublicHost,
			RootDomain:      cfg.DNS.RootDomain,
			PipelineTimeout: cfg.Pipeline.Timeout,
			LockTTL:         cfg.Pipeline.LockTTL,
		},
		opts...,
	)
	if err != nil {
		return nil, fmt.Errorf("init orchestrator: %w", err)
	}
	ok = true
	return a, nil
}

func (a *app) close(ctx context.Context) {
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.WarnContext(ctx, "closing redis", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.WarnContext(ctx, "closing database", "error", err)
		}
	}
	if a.tracing != nil {
		if err := a.tracing.Shutdown(ctx); err != nil {
			a.logger.WarnContext(ctx, "flushing traces", "error", err)
		}
	}
}
