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

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/xiaot623/termgate/internal/api"
	"github.com/xiaot623/termgate/internal/broker"
	"github.com/xiaot623/termgate/internal/config"
	"github.com/xiaot623/termgate/internal/engine"
	"github.com/xiaot623/termgate/internal/gateway"
	"github.com/xiaot623/termgate/internal/host"
	"github.com/xiaot623/termgate/internal/store"
)

func main() {
	// Load configuration
	cfg := config.Load()

	log.Printf("Starting gateway...")
	log.Printf("API Port: %d", cfg.APIPort)
	log.Printf("Broker URL: %s", cfg.RedisURL)
	log.Printf("Database: %s", cfg.StoreDSN)
	log.Printf("Host: %s:%d", cfg.HostAddr, cfg.HostPort)

	ctx := context.Background()

	// Initialize store
	db, err := store.NewSQLiteStore(cfg.StoreDSN)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer db.Close()

	// Initialize broker client
	brokerClient, err := broker.New(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to broker: %v", err)
	}
	defer brokerClient.Close()

	// Initialize task registry and runner
	registry := engine.NewRegistry()
	registry.Register(&engine.LoginTask{})
	runner := engine.NewRunner(db, registry)

	// Initialize session manager
	manager := gateway.NewManager(cfg, brokerClient, db, runner, host.Factory(host.DialStream))
	if err := manager.Start(ctx); err != nil {
		log.Fatalf("Failed to start session manager: %v", err)
	}

	// Initialize query API handler
	h := api.NewHandler(db, manager.SessionCount)

	// Create API Echo server
	apiServer := echo.New()
	apiServer.HideBanner = true
	apiServer.HidePort = true
	apiServer.Use(middleware.Logger())
	apiServer.Use(middleware.Recover())
	apiServer.Use(middleware.CORS())
	h.RegisterRoutes(apiServer)

	// Start API server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.APIPort)
		if err := apiServer.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start API server: %v", err)
		}
	}()

	log.Printf("Query API started on port %d", cfg.APIPort)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down gateway...")

	// Destroy live sessions before the servers go away.
	manager.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown API server gracefully: %v", err)
	}

	log.Println("Gateway stopped")
}
