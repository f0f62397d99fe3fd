package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/haowen-zh/chat-relay/internal/config"
	"github.com/haowen-zh/chat-relay/internal/db"
	"github.com/haowen-zh/chat-relay/internal/httpapi"
	"github.com/haowen-zh/chat-relay/internal/store/rabbitmq"
	"github.com/haowen-zh/chat-relay/internal/store/redisstore"
	"github.com/haowen-zh/chat-relay/internal/stream"
)

func main() {
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)

	rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer rds.Close()

	// buffer must be shared across processes; fall back to in-memory only
	// when redis is unreachable (single-process dev)
	var buffer stream.Buffer = rds
	{
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := rds.Ping(ctx); err != nil {
			log.Printf("redis unreachable (%v), using in-process stream buffer; resume will not survive restarts", err)
			buffer = stream.NewMemoryBuffer()
		}
		cancel()
	}

	limiter := redisstore.NewLimiter(rds, cfg.RateLimitPerWindow, cfg.RateLimitWindow)

	var publisher stream.TerminalPublisher
	if pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue); err != nil {
		log.Printf("rabbit unavailable (%v), terminal events will not be published", err)
	} else {
		publisher = pub
		defer pub.Close()
	}

	r := httpapi.NewRouter(gdb, cfg, buffer, limiter, publisher)

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		log.Printf("server listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
