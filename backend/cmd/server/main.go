package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"identity-hub/backend/internal/api"
	"identity-hub/backend/internal/graph"
	"identity-hub/backend/internal/identity"
	"identity-hub/backend/internal/local"
	"identity-hub/backend/internal/memstore"
	"identity-hub/backend/internal/personalization"
	"identity-hub/backend/internal/reconcile"
	"identity-hub/backend/internal/session"
	"identity-hub/backend/pkg/config"
	"identity-hub/backend/pkg/logger"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load configuration: %v", err))
	}

	// Initialize logger
	if err := logger.Init(cfg.Env); err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	log := logger.Get()
	log.Info("Starting identity API server...", zap.String("store", cfg.StoreBackend))

	ctx := context.Background()
	stores, err := openStores(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to open identity store", zap.Error(err))
	}
	defer stores.close()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := newHandler(cfg, stores, log).Router()

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("Server started", zap.String("port", cfg.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	log.Info("Server exited")
}

// stores bundles the timeout-bounded identity and personalization stores
type stores struct {
	users identity.Store
	attrs identity.PersonalizationStore
	close func()
}

func openStores(ctx context.Context, cfg *config.Config, log *zap.Logger) (*stores, error) {
	switch cfg.StoreBackend {
	case config.StoreBackendMemory:
		log.Warn("Using in-memory identity store; accounts are lost on restart")
		mem := memstore.New()
		return bounded(mem, mem, cfg.StoreTimeout, func() {}), nil

	default:
		driver, err := graph.Connect(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword)
		if err != nil {
			return nil, err
		}
		repo := graph.NewRepository(driver, cfg.Neo4jDatabase, log.Named("graph"))

		schemaCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := repo.EnsureSchema(schemaCtx); err != nil {
			_ = repo.Close()
			return nil, err
		}

		return bounded(repo, repo, cfg.StoreTimeout, func() {
			if err := repo.Close(); err != nil {
				log.Warn("Failed to close Neo4j driver", zap.Error(err))
			}
		}), nil
	}
}

func bounded(users identity.Store, attrs identity.PersonalizationStore, timeout time.Duration, closeFn func()) *stores {
	return &stores{
		users: identity.WithTimeout(users, timeout),
		attrs: identity.WithPersonalizationTimeout(attrs, timeout),
		close: closeFn,
	}
}

func newHandler(cfg *config.Config, s *stores, log *zap.Logger) *api.Handler {
	usernames := personalization.NewService(s.attrs, s.users, log.Named("personalization"))

	locals := local.NewService(s.users, local.Config{
		BcryptCost:  cfg.BcryptCost,
		DefaultRole: cfg.DefaultRole,
	}, log.Named("local"))

	engine := reconcile.NewEngine(s.users, usernames, reconcile.Config{
		DefaultRole: cfg.DefaultRole,
	}, log.Named("reconcile"))

	return api.NewHandler(
		locals,
		engine,
		session.NewResolver(s.users, log.Named("session")),
		usernames,
		s.users,
		api.Options{
			APIKeyHeader: cfg.APIKeyHeader,
			APIKeyQuery:  cfg.APIKeyQuery,
			AdminRole:    cfg.AdminRole,
		},
		log.Named("api"),
	)
}
