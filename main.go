package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"exchange-core/internal/api"
	"exchange-core/internal/events"
	"exchange-core/internal/gateway"
	"exchange-core/internal/ledger"
	"exchange-core/internal/monitor"
	"exchange-core/internal/notifier"
	"exchange-core/internal/order"
	"exchange-core/internal/queue"
	"exchange-core/internal/request"
	"exchange-core/internal/seed"
	"exchange-core/pkg/config"
	"exchange-core/pkg/crypto"
	"exchange-core/pkg/db"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load configuration: %v", err)
	}

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("❌ Failed to open database at %s: %v", cfg.DBPath, err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("❌ Failed to apply database migrations: %v", err)
	}
	log.Printf("✅ Database ready at %s", cfg.DBPath)

	keys, err := crypto.NewKeyManager()
	if err != nil {
		log.Fatalf("❌ Failed to initialize key manager: %v", err)
	}
	queries := database.Queries()

	registry := gateway.DefaultRegistry(30 * time.Second)
	managerCfg := gateway.DefaultConfig()
	managerCfg.CacheTTL = cfg.BrokerCacheTTL
	managerCfg.AllowAnonymous = cfg.AllowAnonymous
	if cfg.AllowAnonymous {
		log.Printf("⚠️ Anonymous queue requests enabled; ownership checks are bypassed for requests without a user id")
	}
	manager := gateway.NewManager(queries, keys, registry, managerCfg)

	bus := events.NewBus()
	tradeLedger := ledger.New(queries)
	executor := order.NewExecutor(tradeLedger, manager, bus)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	transport, err := buildTransport(ctx, cfg)
	if err != nil {
		log.Fatalf("❌ Failed to initialize %s transport: %v", cfg.Transport, err)
	}
	defer transport.Close()
	log.Printf("✅ Queue transport: %s", cfg.Transport)

	worker := gateway.NewWorker(transport, manager, executor)
	requests, err := request.NewClient(ctx, transport)
	if err != nil {
		log.Fatalf("❌ Failed to start request client: %v", err)
	}

	monitorCfg := monitor.DefaultConfig()
	monitorCfg.ScanInterval = cfg.ScanInterval
	monitorCfg.InterBrokerDelay = cfg.InterBrokerDelay
	monitorCfg.HistoryLimit = cfg.HistoryLimit
	monitorCfg.InitialLookback = cfg.InitialLookback
	monitorCfg.ErrorThreshold = cfg.ErrorThreshold
	orderMonitor := monitor.New(queries, manager, tradeLedger, bus, monitorCfg)

	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		relay := &notifier.Relay{
			Bus:      bus,
			Notifier: notifier.NewTelegram(cfg.TelegramToken, cfg.TelegramChatID),
		}
		relay.Start(ctx)
		log.Printf("✅ Telegram notifications enabled")
	}

	if cfg.BrokerSeedPath != "" {
		if err := seedBrokers(ctx, cfg.BrokerSeedPath, database, keys); err != nil {
			log.Fatalf("❌ Failed to apply broker seed file %s: %v", cfg.BrokerSeedPath, err)
		}
	}

	server := api.NewServer(bus, database, keys, requests, cfg.JWTSecret)
	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: server.Router,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.Run(gctx)
	})
	g.Go(func() error {
		return orderMonitor.Run(gctx)
	})
	g.Go(func() error {
		log.Printf("🚀 Exchange core listening on :%s", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Printf("⏳ Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("❌ Shutdown with error: %v", err)
	}
	log.Printf("✅ Shutdown complete")
}

func buildTransport(ctx context.Context, cfg *config.Config) (queue.Transport, error) {
	if cfg.Transport == "redis" {
		return queue.NewRedisTransport(ctx, cfg.RedisAddr, cfg.RedisDB, cfg.ResponseTTL)
	}
	return queue.NewMemoryTransport(256), nil
}

func seedBrokers(ctx context.Context, path string, database *db.Database, keys *crypto.KeyManager) error {
	f, err := seed.Load(path)
	if err != nil {
		return err
	}
	created, err := seed.Apply(ctx, f, database, keys)
	if err != nil {
		return err
	}
	if created > 0 {
		log.Printf("✅ Seeded %d broker(s) from %s", created, path)
	}
	return nil
}
