package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/ariefcatur/go-keyshop-checkout.git/internal/config"
	kafkax "github.com/ariefcatur/go-keyshop-checkout.git/internal/kafka"
	"github.com/ariefcatur/go-keyshop-checkout.git/internal/notify"
	"github.com/ariefcatur/go-keyshop-checkout.git/internal/orders"
	"github.com/ariefcatur/go-keyshop-checkout.git/internal/redisx"
	"github.com/joho/godotenv"
)

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func mustAtoi(s, def string) int {
	if s == "" {
		s = def
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 1
	}
	return i
}

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	group := getenv("NOTIFIER_GROUP", "notifier-svc")
	workers := mustAtoi(os.Getenv("NOTIFIER_WORKERS"), "4")
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, group, orders.TopicOrderCompleted, workers)

	handler := notify.Handler(notify.LogNotifier{}, rdb, "notifier")

	go func() {
		log.Printf("notifier consumer started: group=%s topic=%s workers=%d", group, orders.TopicOrderCompleted, workers)
		if err := cons.Start(ctx, handler); err != nil {
			log.Printf("consumer exit: %v", err)
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	log.Println("shutting down consumer...")
	cancel()
}
