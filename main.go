package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/storefront/storefront-go/internal/api"
	"github.com/storefront/storefront-go/internal/auth"
	"github.com/storefront/storefront-go/internal/db"
	"github.com/storefront/storefront-go/internal/metrics"
	"github.com/storefront/storefront-go/internal/services"
	"github.com/storefront/storefront-go/pkg/config"
)

func main() {
	// Load configuration
	cfg := config.LoadConfig()
	if cfg.AuthTokenSecret == "change-me" {
		log.Println("Warning: AUTH_TOKEN_SECRET is not set, tokens are signed with the default secret")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Initialize OpenTelemetry metrics
	appMetrics, meterProvider, err := metrics.InitMetrics(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize metrics: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := meterProvider.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error shutting down meter provider: %v", err)
		}
	}()

	// Initialize database
	database, err := db.NewDB(cfg.GetDSN(), cfg.OTELServiceName)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	// Initialize schema
	schemaSQL, err := os.ReadFile(cfg.SchemaPath)
	if err != nil {
		log.Printf("Warning: Could not read %s: %v", cfg.SchemaPath, err)
		log.Println("Assuming database schema already exists")
	} else if err := database.InitSchema(ctx, string(schemaSQL)); err != nil {
		log.Printf("Warning: Could not initialize schema: %v", err)
		log.Println("Assuming database schema already exists")
	}

	// Initialize services
	productCache := services.NewProductCache(cfg.ProductCacheTTL)
	cartService := services.NewCartService(database, appMetrics)
	svc := api.Services{
		Products: services.NewProductService(database, appMetrics, services.ProductOptions{
			Cache:           productCache,
			DefaultPageSize: cfg.DefaultPageSize,
			MaxPageSize:     cfg.MaxPageSize,
		}),
		Categories: services.NewCategoryService(database, appMetrics),
		Offers:     services.NewOfferService(database, appMetrics),
		Carts:      cartService,
		Orders:     services.NewOrderService(database, appMetrics, cfg.DeliveryFee, productCache),
		Users:      services.NewUserService(database, appMetrics),
	}
	go cartService.StartMonitor(ctx, cfg.CartMonitorInterval)

	// Setup router
	app := api.NewApp(cfg, appMetrics, auth.NewIssuer(cfg.AuthTokenSecret, cfg.AuthTokenTTL), svc)
	router := mux.NewRouter()
	app.SetupRoutes(router)

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.AppPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server starting on port %s", cfg.AppPort)
		log.Printf("OTLP endpoint: %s", cfg.OTELExporterOTLPEndpoint)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	stop()

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
