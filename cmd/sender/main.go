package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignite/leadgen-engine/internal/config"
	"github.com/ignite/leadgen-engine/internal/pkg/secrets"
	"github.com/ignite/leadgen-engine/internal/repository/postgres"
	"github.com/ignite/leadgen-engine/internal/sender"
	_ "github.com/lib/pq"
)

func main() {
	log.Println("Starting sender supervisor...")

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.LoadFromEnv(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Sender.SendOneURL == "" {
		log.Fatal("SEND_ONE_URL is required: the sender delegates delivery to the send_one service")
	}
	if _, err := secrets.MasterKey("LEAD_MASTER_KEY"); err != nil {
		log.Fatalf("Master key: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Println("Connected to database")

	repo := postgres.NewMailboxRepo(db)
	sendOne := sender.NewHTTPSendOne(cfg.Sender.SendOneURL)

	jitterMin := time.Duration(cfg.Sender.DeathJitterMinMin) * time.Minute
	jitterMax := time.Duration(cfg.Sender.DeathJitterMaxMin) * time.Minute

	var sup *sender.Supervisor
	spawn := func(ctx context.Context, mailboxID int64) func() {
		childCtx, cancel := context.WithCancel(ctx)
		s := sender.NewSender(mailboxID, repo, sendOne, sup.Heartbeats(), jitterMin, jitterMax)
		go func() {
			if err := s.Run(childCtx); err != nil && err != context.Canceled {
				log.Printf("Sender %d exited: %v", mailboxID, err)
			}
		}()
		return cancel
	}
	sup = sender.NewSupervisor(repo, spawn, cfg.Sender)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("Shutting down sender supervisor...")
		cancel()
	}()

	if err := sup.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("Supervisor failed: %v", err)
	}
	log.Println("Sender supervisor stopped")
}
