package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ClareAI/astra-voice-bridge/internal/config"
	"github.com/ClareAI/astra-voice-bridge/internal/core/model/local"
	"github.com/ClareAI/astra-voice-bridge/internal/handler"
	"github.com/ClareAI/astra-voice-bridge/pkg/logger"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// drainTimeout bounds how long live calls get to finish tearing down after
// a shutdown signal.
const drainTimeout = 15 * time.Second

// Server represents the voice bridge server
type Server struct {
	config         *config.ServiceConfig
	router         *mux.Router
	handlerManager *handler.HandlerManager
}

// NewServer creates a new voice bridge server
func NewServer(serviceCfg *config.ServiceConfig, bridgeCfg *config.BridgeConfig) *Server {
	// Initialize zap logger and redirect stdlib log to it
	if _, err := logger.Init(serviceCfg.Env); err != nil {
		logger.Base().Error("Failed to initialize zap logger, falling back to std log")
	}

	// Create router
	router := mux.NewRouter()

	// Initialize handler manager - it will create all services internally
	handlerManager, err := handler.NewHandlerManager(serviceCfg, bridgeCfg)
	if err != nil {
		logger.Base().Error("Failed to initialize handler manager", zap.Error(err))
		return nil
	}

	// Setup all routes through handler manager
	handlerManager.SetupAllRoutes(router)

	return &Server{
		config:         serviceCfg,
		router:         router,
		handlerManager: handlerManager,
	}
}

// Start serves until SIGINT/SIGTERM, then drains live calls before
// returning.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%s", s.config.Port)

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Base().Info("Starting server", zap.String("addr", addr))
		errCh <- httpServer.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Base().Info("Shutdown signal received", zap.String("signal", sig.String()))
	}

	// Stop accepting new calls, and give the live ones time to play out
	// their farewell and tear down.
	s.handlerManager.GetManager().Shutdown(drainTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Base().Warn("HTTP server shutdown error", zap.Error(err))
	}

	s.handlerManager.Close()
	return nil
}

// serveLocalModel runs the in-process model substitute so the bridge has a
// peer to dial during development.
func serveLocalModel(bridgeCfg *config.BridgeConfig) {
	parsed, err := url.Parse(bridgeCfg.LocalModelURL)
	if err != nil || parsed.Host == "" {
		logger.Base().Error("LOCAL_MODEL_URL is not a usable listen address",
			zap.String("url", bridgeCfg.LocalModelURL),
			zap.Error(err))
		return
	}

	server := local.NewServer(local.ServerOptions{})
	go func() {
		if err := server.ListenAndServe(parsed.Host); err != nil && err != http.ErrServerClosed {
			logger.Base().Error("Local model substitute stopped", zap.Error(err))
		}
	}()
}

// getDynamicInstanceID generates a unique identifier for this service
// instance: the system hostname (pod name in K8s) when available, with a
// timestamp-based fallback.
func getDynamicInstanceID() string {
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return fmt.Sprintf("voice-bridge-%d", time.Now().UnixNano())
}

func main() {
	// Load .env file for local development if it exists. This will not
	// override environment variables set by the deployment.
	if err := godotenv.Load(); err != nil {
		log.Printf("Info: .env file not found or skipped (expected in production): %v", err)
	}

	serviceCfg := config.LoadServiceConfig()
	if serviceCfg.InstanceID == "" {
		serviceCfg.InstanceID = getDynamicInstanceID()
	}

	bridgeCfg := config.LoadBridgeConfig()
	if err := bridgeCfg.Validate(); err != nil {
		log.Fatalf("❌ Invalid bridge configuration: %v", err)
	}

	fmt.Printf("🚀 Starting Astra Voice Bridge (Instance: %s)\n", serviceCfg.InstanceID)

	if serviceCfg.LocalModelServe && bridgeCfg.UseLocalModel {
		serveLocalModel(bridgeCfg)
	}

	server := NewServer(serviceCfg, bridgeCfg)
	if server == nil {
		log.Fatal("❌ Failed to create server")
	}
	logger.Base().Info("✅ Server initialized successfully",
		zap.String("port", serviceCfg.Port),
		zap.String("instance_id", serviceCfg.InstanceID))

	if err := server.Start(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("❌ Server failed: %v", err)
	}
}
