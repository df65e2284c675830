package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/terminal-bench/auctionhouse/internal/auction"
	"github.com/terminal-bench/auctionhouse/internal/bidding"
	"github.com/terminal-bench/auctionhouse/internal/config"
	"github.com/terminal-bench/auctionhouse/internal/ledger"
	"github.com/terminal-bench/auctionhouse/internal/metrics"
	"github.com/terminal-bench/auctionhouse/internal/server"
	"github.com/terminal-bench/auctionhouse/internal/store"
	"github.com/terminal-bench/auctionhouse/internal/users"
	"github.com/terminal-bench/auctionhouse/pkg/locker"
	"github.com/terminal-bench/auctionhouse/pkg/messaging"
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

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
	defer redisClient.Close()

	lk, cleanup, err := buildLocker(cfg, redisClient)
	if err != nil {
		log.WithError(err).Fatal("create locker")
	}
	defer cleanup()

	msgClient, err := messaging.NewClient(messaging.Config{
		URL:            cfg.NatsURL,
		Name:           "auctionhouse-api",
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

	books := &ledger.Ledger{Events: msgClient}
	userService := users.NewService(st, cfg.JWTSecret)
	userService.Ledger = books
	auctionService := auction.NewService(st)
	auctionService.Cache = auction.NewSnapshotCache(redisClient, 2*time.Second)
	auctionService.Ledger = books
	biddingService := bidding.NewService(st, lk, msgClient)

	srv := server.New(server.Config{}, userService, auctionService, biddingService, msgClient, recorder)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.WithField("port", cfg.Port).Info("API server starting")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("API server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down API server")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.WithError(err).Error("API server shutdown")
	}
	log.Info("API server stopped")
}

func buildLocker(cfg *config.Config, redisClient *redis.Client) (locker.Locker, func(), error) {
	switch cfg.LockProvider {
	case "etcd":
		client, err := clientv3.New(clientv3.Config{
			Endpoints:   []string{cfg.EtcdURL},
			DialTimeout: 5 * time.Second,
		})
		if err != nil {
			return nil, nil, err
		}
		return locker.NewEtcdLocker(client), func() { client.Close() }, nil
	case "local":
		return locker.NewLocal(), func() {}, nil
	default:
		return locker.NewRedisLocker(redisClient), func() {}, nil
	}
}
