package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-keyshop-checkout.git/internal/checkout"
	"github.com/ariefcatur/go-keyshop-checkout.git/internal/config"
	"github.com/ariefcatur/go-keyshop-checkout.git/internal/fulfillment"
	"github.com/ariefcatur/go-keyshop-checkout.git/internal/httpx"
	"github.com/ariefcatur/go-keyshop-checkout.git/internal/inventory"
	kafkax "github.com/ariefcatur/go-keyshop-checkout.git/internal/kafka"
	"github.com/ariefcatur/go-keyshop-checkout.git/internal/orders"
	"github.com/ariefcatur/go-keyshop-checkout.git/internal/payment"
	"github.com/ariefcatur/go-keyshop-checkout.git/internal/postgres"
	"github.com/ariefcatur/go-keyshop-checkout.git/internal/redisx"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Kafka producers
	pCompleted := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderCompleted, 1024)
	pCompleted.Start(ctx)
	pReleased := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicReservationReleased, 1024)
	pReleased.Start(ctx)

	// Repos & services
	units := &inventory.UnitRepo{DB: db}
	ledger := &orders.LedgerRepo{DB: db}
	gateway := payment.NewClient(cfg.GatewayBaseURL, cfg.GatewayAPIKey)

	checkoutSvc := &checkout.Service{
		Inventory:      units,
		Catalog:        ledger,
		Gateway:        gateway,
		Ledger:         ledger,
		ReservationTTL: cfg.ReservationTTL,
		PublicBaseURL:  cfg.PublicBaseURL,
	}
	fulfillSvc := &fulfillment.Service{
		Gateway:           gateway,
		Inventory:         units,
		Ledger:            ledger,
		ProducerCompleted: pCompleted,
		ProducerReleased:  pReleased,
		ServiceName:       cfg.ServiceName,
	}

	// HTTP
	router := httpx.NewRouter()
	(&httpx.CheckoutHandler{
		Checkout: checkoutSvc,
		Fulfill:  fulfillSvc,
		Ledger:   ledger,
		Gateway:  gateway,
		Cache:    redisx.Cache{R: rdb},
	}).Register(router)
	(&httpx.WebhookHandler{
		Fulfill: fulfillSvc,
		Dedup:   redisx.Dedup{R: rdb},
		Secret:  cfg.GatewayWebhookSecret,
	}).Register(router)
	(&httpx.OrdersHandler{
		Ledger:   ledger,
		Checkout: checkoutSvc,
	}).Register(router)
	(&httpx.AdminHandler{
		Units:   units,
		Ledger:  ledger,
		Fulfill: fulfillSvc,
		Token:   cfg.AdminToken,
	}).Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	go func() {
		log.Printf("HTTP listening at %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("shutting down...")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)

	pCompleted.Close() // close inbox -> flush & close writer
	pReleased.Close()
	pCompleted.WaitClosed()
	pReleased.WaitClosed()
	cancel()
}
