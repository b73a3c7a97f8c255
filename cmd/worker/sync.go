package worker

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/syncwell/graphsync/internal/config"
	"github.com/syncwell/graphsync/internal/db"
	"github.com/syncwell/graphsync/internal/graph"
	"github.com/syncwell/graphsync/internal/logger"
	"github.com/syncwell/graphsync/internal/metrics"
	"github.com/syncwell/graphsync/internal/repository"
	"github.com/syncwell/graphsync/internal/worker"
)

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run the outbox → graph sync worker",
	RunE:  runSync,
}

func runSync(cmd *cobra.Command, args []string) error {
	// 1) load config
	cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Init(cfg.Log.Level)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	// 2) MySQL (outbox store)
	dbx, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.MySQLOpts{
		MaxOpenConns:    cfg.MySQL.MaxOpenConns,
		MaxIdleConns:    cfg.MySQL.MaxIdleConns,
		ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.MySQL.ConnMaxIdleTime,
		PingTimeout:     cfg.MySQL.PingTimeout,
	})
	if err != nil {
		return fmt.Errorf("mysql connect: %w", err)
	}
	defer dbx.Close()

	outboxRepo := repository.NewOutboxRepository(dbx, repository.RetryPolicy{
		MaxAttempts: cfg.Worker.MaxAttempts,
		BackoffBase: cfg.Worker.RetryBackoffBase,
	})

	// 3) FalkorDB (graph store) → executor
	rdb, err := db.NewFalkorDBClient(db.FalkorDBOpts{
		Addr:        cfg.Graph.Addr,
		Password:    cfg.Graph.Password,
		DB:          cfg.Graph.DB,
		DialTimeout: cfg.Graph.DialTimeout,
	})
	if err != nil {
		return fmt.Errorf("falkordb connect: %w", err)
	}
	defer func() { _ = rdb.Close() }()

	executor := graph.NewFalkorExecutor(rdb, graph.FalkorOpts{
		QueryTimeout:         cfg.Graph.QueryTimeout,
		BreakerFailThreshold: cfg.Graph.Breaker.FailThreshold,
		BreakerOpenFor:       msDuration(cfg.Graph.Breaker.OpenForMs),
	})

	// 4) ClickHouse audit sink (best-effort; worker runs without it)
	w := worker.NewSyncWorker(outboxRepo, worker.Config{
		PollInterval:     cfg.Worker.PollInterval,
		HealthInterval:   cfg.Worker.HealthInterval,
		BatchSize:        cfg.Worker.BatchSize,
		MaxConcurrent:    cfg.Worker.MaxConcurrent,
		BatchTimeout:     cfg.Worker.BatchTimeout,
		DeadLetterWarnAt: cfg.Worker.DeadLetterWarnAt,
	}, logger.L())

	chDB, err := db.NewClickHouseConnection(db.ClickHouseOpts{
		DSN:             cfg.ClickHouse.DSN,
		MaxOpenConns:    cfg.ClickHouse.MaxOpenConns,
		MaxIdleConns:    cfg.ClickHouse.MaxIdleConns,
		ConnMaxLifetime: cfg.ClickHouse.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ClickHouse.ConnMaxIdleTime,
		PingTimeout:     cfg.ClickHouse.PingTimeout,
	})
	if err != nil {
		log.Printf("clickhouse unavailable, sync history disabled: %v", err)
	} else {
		defer func() { _ = chDB.Close() }()
		w = w.WithAudit(repository.NewCHAuditRepository(chDB))
	}

	// 5) run until shutdown
	if err := w.Start(executor); err != nil {
		return err
	}
	defer w.Stop()

	log.Printf(">> sync worker started batchSize=%d maxConcurrent=%d poll=%s",
		cfg.Worker.BatchSize, cfg.Worker.MaxConcurrent, cfg.Worker.PollInterval)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("signal received: %s, shutting down...", sig)

	return nil
}
