package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"gorm.io/gorm"

	"github.com/haowen-zh/chat-relay/internal/chat"
	"github.com/haowen-zh/chat-relay/internal/config"
	"github.com/haowen-zh/chat-relay/internal/db"
	"github.com/haowen-zh/chat-relay/internal/stream"
)

func workerConcurrency() int {
	v := os.Getenv("WORKER_CONCURRENCY")
	if v == "" {
		return 2
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 2
	}
	if n > 50 {
		return 50
	}
	return n
}

func main() {
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)

	repo := chat.NewRepo(gdb)

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("rabbit dial: %v", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatalf("rabbit channel: %v", err)
	}
	defer ch.Close()

	_, err = ch.QueueDeclare(cfg.RabbitQueue, true, false, false, false, nil)
	if err != nil {
		log.Fatalf("queue declare: %v", err)
	}

	//  strict concurrency control
	concurrency := workerConcurrency()

	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatalf("qos: %v", err)
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatalf("consume: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("worker started, queue=%s concurrency=%d", cfg.RabbitQueue, concurrency)

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				var ev stream.TerminalEvent
				if err := json.Unmarshal(d.Body, &ev); err != nil || ev.StreamID == "" {
					log.Printf("worker=%d bad message: %v", workerID, err)
					_ = d.Nack(false, false)
					continue
				}

				start := time.Now()
				if err := recordUsage(ctx, repo, ev); err != nil {
					log.Printf("worker=%d stream %s failed cost=%s err=%v", workerID, ev.StreamID, time.Since(start), err)
					_ = d.Nack(false, false)
					continue
				}

				if err := d.Ack(false); err != nil {
					log.Printf("worker=%d ack failed stream=%s err=%v", workerID, ev.StreamID, err)
				}
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			log.Printf("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Printf("delivery channel closed")
				time.Sleep(1 * time.Second)
				continue
			}
			jobs <- d
		}
	}
}

// recordUsage writes one usage row per stream. Delivery is at least
// once; the unique index on stream_id makes redelivery a no-op.
func recordUsage(ctx context.Context, repo *chat.Repo, ev stream.TerminalEvent) error {
	rec := &chat.UsageRecord{
		UserID:       ev.UserID,
		ChatID:       ev.ChatID,
		MessageID:    ev.MessageID,
		StreamID:     ev.StreamID,
		Chunks:       ev.Chunks,
		ContentBytes: ev.ContentBytes,
		Outcome:      ev.Outcome,
	}
	err := repo.InsertUsageRecord(ctx, rec)
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil
	}
	return err
}
