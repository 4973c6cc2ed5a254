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

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"donation-gateway/internal/database"
	"donation-gateway/internal/handler"
	"donation-gateway/internal/repo"
	"donation-gateway/internal/service"
)

const defaultTTL = 12 * time.Hour

func main() {
	ctx := context.Background()

	db, err := database.NewPostgres()
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	if err := database.Migrate(ctx, db.DB()); err != nil {
		log.Fatal(err)
	}

	merchantKey := os.Getenv("MERCHANT_KEY")
	if merchantKey == "" {
		log.Fatal("MERCHANT_KEY is not set")
	}

	accountField := os.Getenv("MERCHANT_ACCOUNT_FIELD")
	if accountField == "" {
		accountField = "donation_id"
	}

	ttl := defaultTTL
	if v := os.Getenv("TRANSACTION_TTL"); v != "" {
		ttl, err = time.ParseDuration(v)
		if err != nil {
			log.Fatalf("bad TRANSACTION_TTL: %v", err)
		}
	}

	donationRepo := repo.NewDonationRepo(db.DB())
	txRepo := repo.NewTransactionRepo(db.DB())
	merchant := service.NewMerchantService(db.DB(), donationRepo, txRepo, ttl)

	r := gin.Default()
	r.Use(cors.Default())
	handler.New(merchant, db, merchantKey, accountField).Register(r)

	port := os.Getenv("SERVER_PORT")
	if port == "" {
		port = "8080"
	}
	srv := &http.Server{Addr: ":" + port, Handler: r}

	go func() {
		log.Printf("listening on :%s (ttl %s)", port, ttl)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	log.Println("server stopped")
}
