package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/leadgen-engine/internal/aggregate"
	"github.com/ignite/leadgen-engine/internal/cachec"
	"github.com/ignite/leadgen-engine/internal/cells"
	"github.com/ignite/leadgen-engine/internal/config"
	"github.com/ignite/leadgen-engine/internal/crawl"
	"github.com/ignite/leadgen-engine/internal/llm"
	"github.com/ignite/leadgen-engine/internal/pkg/distlock"
	"github.com/ignite/leadgen-engine/internal/pkg/secrets"
	"github.com/ignite/leadgen-engine/internal/rating"
	"github.com/ignite/leadgen-engine/internal/repository/postgres"
	"github.com/ignite/leadgen-engine/internal/scheduler"
	_ "github.com/lib/pq"
)

func main() {
	log.Println("Starting lead engine...")

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.LoadFromEnv(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Secrets must decrypt before anything touches sealed credentials.
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

	cache := cachec.New(cfg.Cache.SocketPath, cachec.Options{
		PoolSize:   cfg.Cache.PoolSize,
		RPCTimeout: cfg.Cache.RPCTimeout(),
	})
	defer cache.Close()

	// Cross-process singleton for the hash guard: Redis when configured,
	// PG advisory lock otherwise.
	var guardLock distlock.DistLock
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("Bad REDIS_URL: %v", err)
		}
		guardLock = distlock.NewRedisLock(redis.NewClient(opts), "leadgen:hash_guard", time.Minute)
	} else {
		guardLock = distlock.NewPGAdvisoryLock(db, "leadgen:hash_guard")
	}

	oracle := llm.New(cfg.OpenAI.APIKey, cfg.OpenAI.Model,
		llm.WithCache(cache),
		llm.WithServiceTier(cfg.OpenAI.ServiceTier))

	taskRepo := postgres.NewTaskRepo(db)
	crawlerRepo := postgres.NewCrawlerRepo(db)
	contactRepo := postgres.NewContactRepo(db)

	builder := cells.NewBuilder(crawlerRepo, cache, cfg.Crawler.CellWindow, cfg.Crawler.CellDiff)

	var spider crawl.Spider
	if cfg.Crawler.SpiderURL != "" {
		spider = crawl.NewHTTPSpider(cfg.Crawler.SpiderURL)
	} else {
		spider = crawl.SpiderFunc(func(ctx context.Context, item crawl.Item) ([]aggregate.Candidate, error) {
			log.Printf("Crawl: no spider service configured, skipping cb %d", item.CbID)
			return nil, nil
		})
	}
	coordinator := crawl.NewCoordinator(cache, taskRepo, builder, crawlerRepo, spider, contactRepo, cfg.Crawler)

	cellsPipe := rating.NewPipeline(rating.StreamCells, db, cache, oracle, cfg.Rating)
	contactsPipe := rating.NewPipeline(rating.StreamContacts, db, cache, oracle, cfg.Rating)
	guard := rating.NewGuard(db, guardLock)
	validator := aggregate.NewValidator(contactRepo, 200)

	sched := scheduler.New(cfg.Scheduler.Tick(), cfg.Scheduler.MaxConcurrent)
	register := func(t scheduler.Task) {
		if err := sched.Register(t); err != nil {
			log.Fatalf("Failed to register %s: %v", t.Name, err)
		}
	}

	register(scheduler.Task{
		Name: "rating.cells", Every: 2 * time.Second, Timeout: 5 * time.Minute,
		Fn: cellsPipe.Tick,
	})
	register(scheduler.Task{
		Name: "rating.contacts", Every: 2 * time.Second, Timeout: 5 * time.Minute,
		Fn: contactsPipe.Tick,
	})
	register(scheduler.Task{
		Name: "rating.done_scan.cells", Every: time.Minute, Singleton: true,
		Fn: cellsPipe.DoneScan,
	})
	register(scheduler.Task{
		Name: "rating.done_scan.contacts", Every: time.Minute, Singleton: true,
		Fn: contactsPipe.DoneScan,
	})
	register(scheduler.Task{
		Name: "rating.hash_guard", Every: 5 * time.Minute, Singleton: true, Priority: 1,
		Fn: guard.Run,
	})
	register(scheduler.Task{
		Name: "crawl.rebuild", Every: time.Minute, Singleton: true, Heavy: true,
		Fn: coordinator.Rebuild,
	})
	register(scheduler.Task{
		Name: "crawl.dispatch", Every: 5 * time.Second, Timeout: 10 * time.Minute,
		Fn: coordinator.DispatchOne,
	})
	register(scheduler.Task{
		Name: "aggregate.consume", Every: 10 * time.Second, Singleton: true,
		Fn: func(ctx context.Context) error {
			_, err := validator.Run(ctx)
			return err
		},
	})

	if err := sched.Start(); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}
	log.Println("Engine running...")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down engine...")
	sched.Stop()
	log.Println("Engine stopped")
}
