package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"

	"presence/internal/checkin"
	"presence/internal/config"
	"presence/internal/queue"
	"presence/internal/store"
	"presence/internal/verify"
)

// Worker drains the audit queue and writes the audit trail to Postgres,
// keeping the deciding request path free of a second write.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, cfg.AuditQueueKey)
	}

	repo := checkin.NewRepository(db.Client)

	// Surface verification-service reachability early; the API degrades
	// gracefully either way, this is purely operator signal.
	if !cfg.VerifySkip {
		vc := verify.New(cfg.VerifyURL, cfg.VerifyTimeout, false)
		if err := vc.Health(ctx); err != nil {
			log.Printf("WARNING: verification service not available: %v", err)
		} else {
			log.Println("verification service connected")
		}
	}

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("audit worker started, waiting for messages...")
	for msg := range messages {
		var entry checkin.AuditEntry
		if err := json.Unmarshal(msg.Body, &entry); err != nil {
			log.Printf("bad audit message %q: %v", msg.Type, err)
			continue
		}
		if entry.Kind == "" {
			entry.Kind = msg.Type
		}
		if err := repo.InsertAudit(ctx, entry); err != nil {
			log.Printf("audit insert failed for %s: %v", entry.CheckInID, err)
			continue
		}
		log.Printf("audit %s recorded for check-in %s", entry.Kind, entry.CheckInID)
	}

	log.Println("audit worker stopped")
}
