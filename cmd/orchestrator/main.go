package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/mir00r/orchestrator/internal/config"
	"github.com/mir00r/orchestrator/internal/deploy"
	"github.com/mir00r/orchestrator/internal/domain"
	"github.com/mir00r/orchestrator/internal/handler"
	"github.com/mir00r/orchestrator/internal/health"
	"github.com/mir00r/orchestrator/internal/middleware"
	"github.com/mir00r/orchestrator/internal/orchestrator"
	"github.com/mir00r/orchestrator/internal/runtime"
	"github.com/mir00r/orchestrator/internal/store"
	"github.com/mir00r/orchestrator/pkg/logger"
)

const shutdownTimeout = 30 * time.Second

// loadConfig reads the config file when CONFIG_FILE is set, otherwise
// defaults with environment overrides
func loadConfig() (*config.Config, error) {
	if configFile := os.Getenv("CONFIG_FILE"); configFile != "" {
		return config.LoadFromFile(configFile)
	}
	cfg := config.LoadFromEnv()
	return cfg, cfg.Validate()
}

// buildStore selects the service store backend from configuration
func buildStore(cfg config.StoreConfig) (store.ServiceStore, error) {
	switch cfg.Backend {
	case "etcd":
		return store.NewEtcdStore(cfg.EtcdEndpoints, cfg.EtcdTimeout)
	default:
		return store.NewMemoryStore(), nil
	}
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		File:       cfg.Logging.File,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.WithFields(map[string]interface{}{
		"port":          cfg.Server.Port,
		"store_backend": cfg.Store.Backend,
		"lb_strategy":   cfg.LoadBalancer.Strategy,
	}).Info("Starting orchestrator")

	serviceStore, err := buildStore(cfg.Store)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize store")
	}
	defer serviceStore.Close()

	nodes := strings.Split(os.Getenv("ORCH_NODES"), ",")
	if len(nodes) == 1 && nodes[0] == "" {
		nodes = nil
	}

	metricsSource := runtime.NewStaticMetrics()
	orch := orchestrator.New(
		orchestrator.Options{
			Orchestrator: orchestrator.Config{
				CallTimeout:   cfg.Orchestrator.CallTimeout,
				RetryAttempts: cfg.Orchestrator.RetryAttempts,
				RetryBackoff:  cfg.Orchestrator.RetryBackoff,
			},
			Health: health.Config{
				Interval:     cfg.Health.Interval,
				ProbeWorkers: cfg.Health.ProbeWorkers,
			},
			Deploy: deploy.Config{
				HealthGateTimeout: cfg.Deployment.HealthGateTimeout,
				PollInterval:      cfg.Deployment.PollInterval,
			},
			Balancer: domain.LoadBalancerConfig{
				Strategy: domain.LoadBalancingStrategy(cfg.LoadBalancer.Strategy),
			},
			DefaultBreaker: cfg.Policy.CircuitBreaker,
		},
		orchestrator.Dependencies{
			Store:       serviceStore,
			Provisioner: runtime.NewLocalProvisioner(nodes, log),
			Prober:      health.NewHTTPProber(5 * time.Second),
			Metrics:     metricsSource,
			Caller:      runtime.NewHTTPCaller(),
		},
		log,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := orch.Start(ctx); err != nil {
		log.WithError(err).Fatal("Failed to start orchestrator")
	}

	router := mux.NewRouter()
	handler.NewAPIHandler(orch, log).Register(router)

	auth := middleware.NewAuthMiddleware(middleware.AuthConfig{
		Enabled:   cfg.Admin.Enabled,
		SecretKey: cfg.Admin.JWTSecret,
	}, log)
	rateLimiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		Enabled:           cfg.Admin.Enabled,
		RequestsPerSecond: cfg.Admin.RequestsPerSecond,
		Burst:             cfg.Admin.Burst,
	}, log)

	middlewares := []func(http.Handler) http.Handler{
		middleware.RecoveryMiddleware(log),
		middleware.LoggingMiddleware(log),
		rateLimiter.Handler(),
		auth.Handler(),
	}

	var finalHandler http.Handler = router
	for i := len(middlewares) - 1; i >= 0; i-- {
		finalHandler = middlewares[i](finalHandler)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      finalHandler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.WithField("port", cfg.Server.Port).Info("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	log.Info("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	orch.Stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Error shutting down HTTP server")
	}

	log.Info("Orchestrator stopped gracefully")
}
