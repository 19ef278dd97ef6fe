// Package main provides the entry point for the ballot relay worker.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ballot-relay/internal/ballot"
	"ballot-relay/internal/chain"
	"ballot-relay/internal/chain/cometbft"
	"ballot-relay/internal/chain/evm"
	"ballot-relay/internal/config"
	"ballot-relay/internal/connectivity"
	"ballot-relay/internal/funder"
	"ballot-relay/internal/lease"
	"ballot-relay/internal/logger"
	"ballot-relay/internal/metrics"
	"ballot-relay/internal/queue"
	"ballot-relay/internal/relay"
	"ballot-relay/internal/store"
	"ballot-relay/internal/submitter"
	"ballot-relay/internal/tui"
	"ballot-relay/internal/watcher"

	dbpkg "ballot-relay/internal/db"

	"github.com/joho/godotenv"
)

const (
	tuiChannelBufferSize = 256
	tuiCloseDelay        = 200 * time.Millisecond
	shutdownTimeout      = 10 * time.Second
)

func main() {
	// Try to load .env from CWD if present; otherwise use environment as-is
	if _, statErr := os.Stat(".env"); statErr == nil {
		_ = godotenv.Load(".env")
	}

	cfg := config.Load()

	// Under the TUI, logs go to a file so they do not tear the screen
	var logWriter io.Writer = os.Stderr
	if cfg.TUI {
		logFile, err := os.OpenFile("worker.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			defer logFile.Close()
			logWriter = logFile
			fmt.Fprintf(os.Stderr, "Logs written to worker.log\n")
		} else {
			fmt.Fprintf(os.Stderr, "Warning: failed to open log file, logs will go to stderr (may interfere with TUI): %v\n", err)
		}
	}

	log := logger.NewWithWriter(cfg.Debug, logWriter)
	slog.SetDefault(log)
	log.Info("ballot relay starting", "config", cfg.DebugString())
	if err := cfg.Validate(); err != nil {
		logger.Fatal(log, "invalid configuration", "error", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ballots, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		logger.Fatal(log, "failed to open ballot store", "error", err)
	}
	defer closeStore()

	node, err := openChain(ctx, cfg, log)
	if err != nil {
		logger.Fatal(log, "failed to init chain backend", "error", err)
	}
	defer node.Close()

	amount, err := chain.ParseUnits(cfg.FundingAmount, cfg.FundingDecimals)
	if err != nil {
		logger.Fatal(log, "invalid FUNDING_AMOUNT", "error", err)
	}

	var locker lease.Locker = lease.Noop{}
	if cfg.RedisURL != "" {
		rl, err := lease.NewRedis(ctx, cfg.RedisURL, cfg.LeaseTTL)
		if err != nil {
			logger.Fatal(log, "failed to connect redis", "error", err)
		}
		locker = rl
		log.Info("redis lease enabled", "ttl", cfg.LeaseTTL, "retry_delay", cfg.LeaseRetryDelay)
	}
	defer locker.Close()

	provider, meter, err := metrics.Setup(ctx, cfg.OTLPEndpoint)
	if err != nil {
		logger.Fatal(log, "failed to init metrics", "error", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		if err := provider.Shutdown(sctx); err != nil {
			log.Warn("metrics shutdown", "error", err)
		}
	}()
	recorder, err := metrics.NewRecorder(meter)
	if err != nil {
		logger.Fatal(log, "failed to register metrics", "error", err)
	}

	qcfg := queue.Config{
		URL:      cfg.BrokerURL,
		Queue:    cfg.QueueName,
		Group:    cfg.ConsumerGroup,
		Prefetch: cfg.Prefetch,
		Logger:   log,
	}

	var tuiUpdateCh chan interface{}
	publish := func(interface{}) {}
	if cfg.TUI {
		tuiUpdateCh = make(chan interface{}, tuiChannelBufferSize)
		publish = func(v interface{}) {
			select {
			case tuiUpdateCh <- v:
			default:
			}
		}
		go func() {
			if err := tui.Run(tuiUpdateCh); err != nil {
				log.Error("TUI error", "error", err)
			}
			// TUI exited, cancel context to trigger shutdown
			cancel()
		}()
		publish(tui.Info{
			ChainBackend: cfg.ChainBackend,
			RPCURL:       cfg.RPCURL,
			Broker:       queue.Scheme(cfg.BrokerURL),
			Queue:        cfg.QueueName,
			Store:        storeName(cfg),
			Concurrency:  qcfg.Concurrency(),
		})
	}

	monitor := connectivity.NewMonitor(node, cfg.ConnectivityInterval, log)
	monitor.OnChange = func(up bool) {
		recorder.NodeUp(context.Background(), up)
		publish(tui.NodeStatus{Up: up, At: time.Now()})
	}

	fund, err := funder.New(node, funder.Options{
		Amount:       amount,
		Decimals:     cfg.FundingDecimals,
		PollInterval: cfg.MinedPollInterval,
		Rate:         cfg.FundingRate,
		Logger:       log,
	})
	if err != nil {
		logger.Fatal(log, "failed to init funder", "error", err)
	}

	worker, err := relay.New(relay.Options{
		Writer:          ballot.NewWriter(ballots, log),
		Connectivity:    monitor,
		Funder:          fund,
		Submitter:       submitter.New(node, log),
		Watcher:         watcher.New(node, log),
		Lease:           locker,
		LeaseRetryDelay: cfg.LeaseRetryDelay,
		Metrics:         recorder,
		Logger:          log,
		BallotTimeout:   cfg.BallotTimeout,
		Concurrency:     qcfg.Concurrency(),
		ReconnectDelay:  cfg.ReconnectDelay,
		OnUpdate:        func(u relay.Update) { publish(u) },
	})
	if err != nil {
		logger.Fatal(log, "failed to init relay", "error", err)
	}

	dial := func(ctx context.Context) (queue.Consumer, error) {
		return queue.Open(ctx, qcfg)
	}
	if err := worker.Run(ctx, dial); err != nil {
		log.Error("relay stopped", "error", err)
	}
	log.Info("shutting down...")

	if tuiUpdateCh != nil {
		close(tuiUpdateCh)
		// Give TUI a moment to process the close and quit
		time.Sleep(tuiCloseDelay)
	}
}

func storeName(cfg config.Config) string {
	if cfg.DBDialect == "" {
		return "memory"
	}
	return cfg.DBDialect
}

// openStore picks the ballot store from DATABASE_URL. Without one, ballots live in
// memory, which only suits local runs against a test queue.
func openStore(ctx context.Context, cfg config.Config, log *slog.Logger) (store.Store, func(), error) {
	switch cfg.DBDialect {
	case config.DatabaseSchemePostgres:
		gormDB, err := dbpkg.Open(cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("connect database: %w", err)
		}
		log.Info("DB connected")
		if err := dbpkg.AutoMigrate(gormDB); err != nil {
			return nil, nil, fmt.Errorf("run migrations: %w", err)
		}
		log.Info("Migrations applied")
		closeFn := func() {
			if sqlDB, err := gormDB.DB(); err == nil {
				_ = sqlDB.Close()
			}
		}
		return store.NewGormStore(gormDB), closeFn, nil

	case config.DatabaseSchemeDynamo:
		ds, err := store.OpenDynamo(ctx, cfg.DBDsn)
		if err != nil {
			return nil, nil, err
		}
		log.Info("DynamoDB ballot table configured")
		return ds, func() {}, nil

	default:
		log.Warn("ALLOW_MEMORY_STORE set, ballots are kept in memory")
		return store.NewMemory(), func() {}, nil
	}
}

func openChain(ctx context.Context, cfg config.Config, log *slog.Logger) (chain.Backend, error) {
	switch cfg.ChainBackend {
	case config.ChainBackendCometBFT:
		b, err := cometbft.Dial(cfg.RPCURL, cfg.WSURL, cometbft.Options{
			FunderAddress: cfg.FunderAddress,
			Logger:        log,
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		var abiJSON []byte
		if cfg.VoteABIPath != "" {
			b, err := os.ReadFile(cfg.VoteABIPath)
			if err != nil {
				return nil, fmt.Errorf("read vote abi: %w", err)
			}
			abiJSON = b
		}
		b, err := evm.Dial(ctx, cfg.RPCURL, evm.Options{
			WSURL:         cfg.WSURL,
			FunderAddress: cfg.FunderAddress,
			VoteABI:       abiJSON,
			Logger:        log,
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	}
}
