package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/chatmind/chat-service/internal/ai"
	"github.com/chatmind/chat-service/internal/chat"
	"github.com/chatmind/chat-service/internal/config"
	"github.com/chatmind/chat-service/internal/identity"
	"github.com/chatmind/chat-service/internal/keyword"
	"github.com/chatmind/chat-service/internal/messaging"
	"github.com/chatmind/chat-service/internal/notify"
	"github.com/chatmind/chat-service/internal/orchestrator"
	"github.com/chatmind/chat-service/internal/ratelimit"
	"github.com/chatmind/chat-service/internal/registry"
	"github.com/chatmind/chat-service/internal/stream"
	"github.com/chatmind/chat-service/internal/violation"
	"github.com/chatmind/chat-service/internal/worker"
	"github.com/chatmind/chat-service/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// --- Redis ---
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancel()
		log.Fatalf("failed to connect to Redis at %s: %v", cfg.RedisAddr, err)
	}
	cancel()

	// --- PostgreSQL ---
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to open PostgreSQL: %v", err)
	}
	db.SetMaxOpenConns(32)
	db.SetMaxIdleConns(8)
	pingCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		cancel()
		log.Fatalf("failed to connect to PostgreSQL: %v", err)
	}
	cancel()

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "chatmind-server"
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}
	defer natsClient.Close()

	// --- Components ---
	baseCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	pool := worker.NewPool(cfg.WorkerCount, cfg.WorkerQueueSize)

	chatStore := chat.NewStore(db)
	titleCache := chat.NewTitleCache(rdb)

	keywordStore := keyword.NewStore(db)
	keywordCache := keyword.NewCache(rdb, keywordStore)
	keywordCache.StartRefresher(baseCtx, cfg.KeywordRefreshInterval)

	ledger := violation.NewLedger(rdb, violation.NewStore(db), pool)
	reg := registry.New()
	provider := ai.NewOpenAIProvider(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.OpenAIModel)
	streamer := stream.New(provider, reg)

	var notifier orchestrator.Notifier
	if cfg.EmailServiceURL != "" {
		notifier = notify.NewEmailClient(cfg.EmailServiceURL)
	}

	orch := &orchestrator.Orchestrator{
		Verifier:      identity.NewVerifier(cfg.JWTSecret),
		Store:         chatStore,
		Titles:        titleCache,
		Keywords:      keywordCache,
		Ledger:        ledger,
		Registry:      reg,
		Streamer:      streamer,
		Provider:      provider,
		Limiter:       ratelimit.NewLimiter(rdb),
		Bus:           natsClient,
		Notifier:      notifier,
		Tasks:         pool,
		ContextWindow: cfg.ContextWindow,
		SystemPrompt:  cfg.SystemPrompt,
	}

	serverConfig := ws.DefaultServerConfig()
	serverConfig.ListenAddr = cfg.ListenAddr
	serverConfig.MaxConnections = cfg.MaxConnections
	serverConfig.WriteTimeout = cfg.WriteTimeout

	server := ws.NewServer(serverConfig, func(ctx context.Context, conn *ws.Connection, sessionID, token string) error {
		return orch.Run(ctx, conn, sessionID, token)
	})

	log.Printf("chat server starting")
	log.Printf("  listen_addr:    %s", cfg.ListenAddr)
	log.Printf("  redis:          %s", cfg.RedisAddr)
	log.Printf("  nats:           %s", cfg.NATSURL)
	log.Printf("  model:          %s", cfg.OpenAIModel)
	log.Printf("  context_window: %d", cfg.ContextWindow)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received %v, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			log.Fatalf("server error: %v", err)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown: %v", err)
	}
	stopBackground()
	if err := pool.Shutdown(shutdownCtx); err != nil {
		log.Printf("worker pool shutdown: %v", err)
	}
	if err := db.Close(); err != nil {
		log.Printf("postgres close: %v", err)
	}
	if err := rdb.Close(); err != nil {
		log.Printf("redis close: %v", err)
	}
	log.Printf("shutdown complete")
}
