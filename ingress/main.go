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

	"github.com/xiaot623/termgate/internal/auth"
	"github.com/xiaot623/termgate/internal/broker"
	"github.com/xiaot623/termgate/internal/config"
	"github.com/xiaot623/termgate/internal/hub"
	"github.com/xiaot623/termgate/internal/ws"
)

func main() {
	// Load configuration
	cfg := config.Load()

	log.Printf("Starting ingress service...")
	log.Printf("WebSocket Port: %d", cfg.WSPort)
	log.Printf("HTTP Port: %d", cfg.IngressPort)
	log.Printf("Broker URL: %s", cfg.RedisURL)

	ctx := context.Background()

	// Initialize broker client
	brokerClient, err := broker.New(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to broker: %v", err)
	}
	defer brokerClient.Close()

	// Initialize session hub
	sessionHub := hub.New(brokerClient)

	// Initialize WebSocket server
	validator := auth.NewStaticValidator(cfg.APIToken, "default_user")
	wsServer := ws.NewServer(cfg, sessionHub, brokerClient, validator)

	// Create WebSocket Echo server
	wsEcho := echo.New()
	wsEcho.HideBanner = true
	wsEcho.HidePort = true
	wsEcho.Use(middleware.Logger())
	wsEcho.Use(middleware.Recover())
	wsEcho.GET("/ws", wsServer.HandleWebSocket)

	// Create internal HTTP server for health checks
	internalEcho := echo.New()
	internalEcho.HideBanner = true
	internalEcho.HidePort = true
	internalEcho.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":      "healthy",
			"connections": wsServer.ConnectionCount(),
		})
	})

	// Start WebSocket server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.WSPort)
		if err := wsEcho.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start WebSocket server: %v", err)
		}
	}()

	// Start internal HTTP server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.IngressPort)
		if err := internalEcho.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start HTTP server: %v", err)
		}
	}()

	log.Printf("WebSocket server started on port %d", cfg.WSPort)
	log.Printf("Internal HTTP server started on port %d", cfg.IngressPort)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down ingress...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := wsEcho.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown WebSocket server gracefully: %v", err)
	}
	if err := internalEcho.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown HTTP server gracefully: %v", err)
	}

	log.Println("Ingress stopped")
}
