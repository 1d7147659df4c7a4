package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ignite/leadgen-engine/internal/cached"
	"github.com/ignite/leadgen-engine/internal/config"
)

func main() {
	log.Println("Starting cache daemon...")

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.LoadFromEnv(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	d := cached.New(cached.Options{
		SocketPath:    cfg.Cache.SocketPath,
		MaxValueBytes: cfg.Cache.MaxValueBytes,
		MaxCacheBytes: cfg.Cache.MaxCacheBytes,
		DefaultTTL:    cfg.Cache.DefaultTTL(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("Shutting down cache daemon...")
		cancel()
	}()

	if err := d.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("Cache daemon failed: %v", err)
	}
	log.Println("Cache daemon stopped")
}
