package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/terminal-bench/auctionhouse/internal/config"
	"github.com/terminal-bench/auctionhouse/internal/metrics"
	"github.com/terminal-bench/auctionhouse/internal/scheduler"
	"github.com/terminal-bench/auctionhouse/internal/settlement"
	"github.com/terminal-bench/auctionhouse/internal/store"
	"github.com/terminal-bench/auctionhouse/pkg/messaging"
	"github.com/terminal-bench/auctionhouse/pkg/queue"
)

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	cfg := config.Load()

	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("open database")
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.WithError(err).Fatal("ping database")
	}
	st := store.NewPostgres(db)

	msgClient, err := messaging.NewClient(messaging.Config{
		URL:            cfg.NatsURL,
		Name:           "auctionhouse-worker",
		ReconnectWait:  time.Second,
		MaxReconnects:  60,
		ConnectTimeout: 10 * time.Second,
	})
	if err != nil {
		log.WithError(err).Fatal("connect to NATS")
	}
	defer msgClient.Close()

	var recorder *metrics.Recorder
	if cfg.InfluxURL != "" {
		recorder = metrics.NewRecorder(cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket)
		defer recorder.Close()
	}

	// The queue group makes the audit stream land on exactly one worker
	// instance when several run.
	err = msgClient.QueueSubscribe(messaging.EventTypeLedgerEntry, "auctionhouse-workers", func(msg *nats.Msg) {
		var entry messaging.LedgerEntryEvent
		if err := json.Unmarshal(msg.Data, &entry); err != nil {
			log.WithError(err).Warn("malformed ledger entry event")
			return
		}
		recorder.LedgerEntry(entry.Kind, entry.Amount)
	})
	if err != nil {
		log.WithError(err).Fatal("subscribe to ledger entries")
	}

	engine := settlement.NewEngine(st, msgClient, recorder)
	if cfg.PlatformAccountID != "" {
		id, err := uuid.Parse(cfg.PlatformAccountID)
		if err != nil {
			log.WithError(err).Fatal("invalid PLATFORM_ACCOUNT_ID")
		}
		engine.PlatformAccount = &id
	}

	q := queue.New(func(ctx context.Context, payload string) error {
		auctionID, err := uuid.Parse(payload)
		if err != nil {
			log.WithField("payload", payload).Error("dropping malformed settlement job")
			return nil
		}
		return engine.SettleExpiredRound(ctx, auctionID)
	}, queue.Options{
		Concurrency: cfg.QueueConcurrency,
		MaxAttempts: cfg.QueueMaxAttempts,
	})

	sched := scheduler.New(st, q, msgClient)
	sched.ExpiryInterval = cfg.ExpiryInterval
	sched.ActivationInterval = cfg.ActivationInterval

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q.Start(ctx)
	sched.Start(ctx)
	log.Info("worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down worker")
	sched.Stop()
	q.Stop()
	if err := msgClient.Drain(); err != nil {
		log.WithError(err).Error("drain NATS connection")
	}
	log.Info("worker stopped")
}
