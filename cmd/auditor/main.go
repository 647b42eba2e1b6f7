package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chatmind/chat-service/internal/messaging"
)

// The auditor tails the chat audit subjects and writes a review log. It is
// the downstream consumer for moderation teams; the chat server itself never
// blocks on it.
func main() {
	log.Println("starting chat auditor...")

	natsConfig := messaging.DefaultNATSConfig()
	if v := os.Getenv("NATS_URL"); v != "" {
		natsConfig.URL = v
	}
	natsConfig.Name = "chatmind-auditor"

	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}
	defer natsClient.Close()

	err = natsClient.SubscribeViolations(func(ev messaging.ViolationEvent) {
		when := time.Unix(ev.Ts, 0).UTC().Format(time.RFC3339)
		if ev.Locked {
			log.Printf("[auditor] LOCKED user=%d chat=%s strikes=%d at=%s message=%q",
				ev.UserID, ev.ChatID, ev.Strikes, when, ev.Message)
			return
		}
		log.Printf("[auditor] violation user=%d chat=%s level=%d strikes=%d at=%s message=%q",
			ev.UserID, ev.ChatID, ev.Level, ev.Strikes, when, ev.Message)
	})
	if err != nil {
		log.Fatalf("failed to subscribe to violations: %v", err)
	}

	err = natsClient.SubscribeTitles(func(ev messaging.TitleEvent) {
		log.Printf("[auditor] title chat=%s -> %q", ev.ChatID, ev.Title)
	})
	if err != nil {
		log.Fatalf("failed to subscribe to titles: %v", err)
	}

	log.Println("auditor ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received %v, shutting down", sig)
}
