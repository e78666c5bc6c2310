package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ClareAI/astra-voice-bridge/internal/config"
	"github.com/ClareAI/astra-voice-bridge/internal/core/bridge"
	"github.com/ClareAI/astra-voice-bridge/internal/core/model"
	"github.com/ClareAI/astra-voice-bridge/internal/core/session"
	"github.com/ClareAI/astra-voice-bridge/internal/core/tool"
	"github.com/ClareAI/astra-voice-bridge/internal/repository"
	"github.com/ClareAI/astra-voice-bridge/pkg/gcs"
	"github.com/ClareAI/astra-voice-bridge/pkg/logger"
	"github.com/ClareAI/astra-voice-bridge/pkg/pubsub"
	"github.com/ClareAI/astra-voice-bridge/pkg/redis"
	"github.com/ClareAI/astra-voice-bridge/pkg/twilio"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// HandlerManager manages all handlers and their backing services
type HandlerManager struct {
	config         *config.ServiceConfig
	bridgeConfig   *config.BridgeConfig
	manager        *bridge.Manager
	repoManager    repository.RepositoryManager
	sessionManager *session.Manager
	gcsClient      *gcs.GCSClient
	pubsubService  *pubsub.PubSubService
	callControl    *twilio.CallControlService
}

// NewHandlerManager creates and initializes all handlers and services.
// Only the model provider and the bridge manager are required; the
// database, Redis, GCS, Pub/Sub and Twilio backends each degrade to a
// disabled no-op when not configured.
func NewHandlerManager(cfg *config.ServiceConfig, bridgeCfg *config.BridgeConfig) (*HandlerManager, error) {
	// Select the model provider the configuration asks for
	factory := model.NewProviderFactory(bridgeCfg)
	prov, err := factory.CreateConfiguredProvider()
	if err != nil {
		logger.Base().Error("failed to create model provider", zap.Error(err))
		return nil, err
	}

	// Initialize database connection when configured. The bridge itself
	// never touches the database, so absence only disables call history.
	var repoManager repository.RepositoryManager
	if repository.IsDatabaseConfigured() {
		repoManager, err = repository.NewRepositoryManager()
		if err != nil {
			logger.Base().Error("failed to connect to database", zap.Error(err))
			return nil, err
		}
	} else {
		logger.Base().Warn("DB_HOST not set, running without call history")
	}

	// Initialize Redis service for the cross-pod session registry
	var redisSvc *redis.RedisService
	if cfg.RedisHost != "" {
		redisSvc, err = redis.NewRedisService(&redis.RedisConfig{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			logger.Base().Warn("failed to initialize redis service, running without session manager", zap.Error(err))
		}
	}

	podID := cfg.InstanceID
	if podID == "" {
		podID = "default-pod"
	}
	var sessionManager *session.Manager
	if redisSvc != nil {
		sessionManager = session.NewManager(redisSvc, podID)
		logger.Base().Info("session manager initialized", zap.String("pod_id", podID))
	} else {
		sessionManager = session.NewManager(nil, podID)
	}

	// GCS uploads are optional; without a bucket recordings stay on local disk
	var gcsClient *gcs.GCSClient
	if cfg.GCSBucketName != "" {
		gcsClient, err = gcs.NewGCSClient(context.Background(), cfg.GCSBucketName)
		if err != nil {
			logger.Base().Warn("failed to initialize gcs client, recordings stay local", zap.Error(err))
			gcsClient = nil
		} else {
			logger.Base().Info("gcs uploads enabled", zap.String("bucket", cfg.GCSBucketName))
		}
	}

	// Call metrics publishing is optional
	var pubsubService *pubsub.PubSubService
	if cfg.PubSubProjectID != "" {
		pubsubService, err = pubsub.NewPubSubService(context.Background(), &pubsub.PubSubConfig{
			ProjectID: cfg.PubSubProjectID,
			TopicName: cfg.PubSubTopic,
			PubID:     cfg.PubSubPubID,
		})
		if err != nil {
			logger.Base().Warn("failed to initialize pubsub service, metrics publishing disabled", zap.Error(err))
			pubsubService = nil
		}
	}

	// Twilio call control disables itself without credentials
	callControl := twilio.NewCallControlService(cfg.TwilioAccountSID, cfg.TwilioAuthToken)

	// Register the lifecycle tools every call gets
	tools := tool.NewManager()
	if err := tool.RegisterBuiltins(tools); err != nil {
		return nil, err
	}

	hm := &HandlerManager{
		config:         cfg,
		bridgeConfig:   bridgeCfg,
		repoManager:    repoManager,
		sessionManager: sessionManager,
		gcsClient:      gcsClient,
		pubsubService:  pubsubService,
		callControl:    callControl,
	}

	managerOpts := bridge.ManagerOptions{
		Config:   bridgeCfg,
		Provider: prov,
		Tools:    tools,
		Hooks: bridge.Hooks{
			OnActive: hm.onCallActive,
			OnClosed: hm.onCallClosed,
		},
	}
	// A typed nil stored in the interface would not compare equal to nil,
	// so only set the uploader when the client exists.
	if gcsClient != nil {
		managerOpts.Uploader = gcsClient
	}
	manager, err := bridge.NewManager(managerOpts)
	if err != nil {
		return nil, err
	}
	hm.manager = manager

	// End calls here when another pod (or this one) broadcasts a cleanup
	if sessionManager.Enabled() {
		err := sessionManager.SubscribeToCleanup(context.Background(), func(callID, reason string) {
			if manager.EndCall(callID, "", reason) {
				logger.Base().Info("ended call from cleanup broadcast", zap.String("call_id", callID))
			}
		})
		if err != nil {
			logger.Base().Warn("failed to subscribe to cleanup channel", zap.Error(err))
		}
	}

	return hm, nil
}

// SetupAllRoutes sets up all routes with middleware
func (hm *HandlerManager) SetupAllRoutes(router *mux.Router) {
	// Apply global middleware
	if hm.config.EnableCORS {
		router.Use(CORSMiddleware)
	}
	router.Use(GlobalLoggingMiddleware)

	hm.SetupHealthRoutes(router)
	hm.SetupVoiceRoutes(router)
	hm.SetupAPIRoutes(router)

	logger.Base().Info("all application routes registered")
}

// SetupHealthRoutes sets up liveness and readiness probes
func (hm *HandlerManager) SetupHealthRoutes(router *mux.Router) {
	router.HandleFunc("/healthz", hm.handleHealthz).Methods("GET")
	router.HandleFunc("/readyz", hm.handleReadyz).Methods("GET")
}

// SetupVoiceRoutes sets up the telephony endpoints
func (hm *HandlerManager) SetupVoiceRoutes(router *mux.Router) {
	voiceHandler := NewVoiceHandler(hm.manager, hm.callControl, hm.config.PublicBaseURL)
	voiceHandler.SetupVoiceRoutes(router)
	logger.Base().Info("telephony routes registered")
}

// SetupAPIRoutes sets up the call API routes and middleware
func (hm *HandlerManager) SetupAPIRoutes(router *mux.Router) {
	// Create API subrouter with middleware
	apiRouter := router.PathPrefix("/api").Subrouter()

	// Apply middleware to all API routes
	apiRouter.Use(LoggingMiddleware)
	apiRouter.Use(ValidationMiddleware)
	if hm.config.SecretKey != "" {
		apiRouter.Use(APIKeyMiddleware(hm.config.SecretKey))
		logger.Base().Info("api routes protected with api key middleware")
	} else {
		logger.Base().Info("api routes registered without api key (development mode)")
	}

	callHandler := NewCallAPIHandler(hm.manager, hm.repoManager, hm.sessionManager)
	callHandler.SetupCallRoutes(apiRouter)

	// Setup CORS middleware for all API routes
	router.PathPrefix("/api/").HandlerFunc(handleCORS).Methods("OPTIONS")
}

// handleHealthz reports liveness and the live call count
func (hm *HandlerManager) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":       "ok",
		"active_calls": hm.manager.Count(),
	})
}

// handleReadyz fails while the manager drains so the load balancer stops
// routing new calls during shutdown
func (hm *HandlerManager) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if hm.manager.Draining() {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}
	if hm.repoManager != nil {
		if err := hm.repoManager.Ping(r.Context()); err != nil {
			logger.Base().Warn("readiness check failed on database ping", zap.Error(err))
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// GetManager returns the bridge manager
func (hm *HandlerManager) GetManager() *bridge.Manager {
	return hm.manager
}

// GetRepoManager returns the repository manager
func (hm *HandlerManager) GetRepoManager() repository.RepositoryManager {
	return hm.repoManager
}

// Close releases the backing service clients. The bridge manager must be
// shut down first so closing hooks can still publish and persist.
func (hm *HandlerManager) Close() {
	if hm.pubsubService != nil {
		if err := hm.pubsubService.Close(); err != nil {
			logger.Base().Warn("failed to close pubsub service", zap.Error(err))
		}
	}
	if hm.gcsClient != nil {
		if err := hm.gcsClient.Close(); err != nil {
			logger.Base().Warn("failed to close gcs client", zap.Error(err))
		}
	}
	if hm.repoManager != nil {
		if err := hm.repoManager.Close(); err != nil {
			logger.Base().Warn("failed to close database", zap.Error(err))
		}
	}
}

// handleCORS handles CORS preflight requests for API routes
func handleCORS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, HEAD, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
	w.WriteHeader(http.StatusOK)
}
