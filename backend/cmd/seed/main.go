// Command seed applies the identity schema to Neo4j and creates, or
// promotes, an administrator account.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"identity-hub/backend/internal/graph"
	"identity-hub/backend/internal/identity"
	"identity-hub/backend/internal/local"
	"identity-hub/backend/pkg/config"
	"identity-hub/backend/pkg/logger"
	"go.uber.org/zap"
)

func main() {
	email := flag.String("admin-email", "", "Email of the administrator account")
	password := flag.String("admin-password", os.Getenv("ADMIN_PASSWORD"), "Password for a new administrator account")
	schemaOnly := flag.Bool("schema-only", false, "Only create constraints and indexes")
	force := flag.Bool("force", false, "Promote the account to admin if the email is already registered")
	flag.Parse()

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
	log.Info("Starting identity store seeding...")

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	driver, err := graph.Connect(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword)
	if err != nil {
		log.Fatal("Failed to connect to Neo4j", zap.Error(err))
	}
	repo := graph.NewRepository(driver, cfg.Neo4jDatabase, log)
	defer repo.Close()

	log.Info("Creating constraints and indexes...")
	if err := repo.EnsureSchema(ctx); err != nil {
		log.Fatal("Failed to create schema", zap.Error(err))
	}
	if *schemaOnly {
		log.Info("Schema applied")
		return
	}

	if *email == "" || *password == "" {
		log.Fatal("-admin-email and -admin-password (or ADMIN_PASSWORD) are required")
	}

	if err := seedAdmin(ctx, repo, cfg, *email, *password, *force, log); err != nil {
		log.Fatal("Failed to seed administrator", zap.Error(err))
	}
	log.Info("Seeding completed")
}

// seedAdmin registers email with the admin role. An existing account is
// left alone unless force is set, in which case only its role changes.
func seedAdmin(ctx context.Context, store identity.Store, cfg *config.Config, email, password string, force bool, log *zap.Logger) error {
	existing, err := store.GetByEmail(ctx, identity.NormalizeEmail(email))
	switch {
	case err == nil:
		if existing.Role == cfg.AdminRole {
			log.Info("Administrator already exists", zap.String("user_id", existing.ID))
			return nil
		}
		if !force {
			log.Info("Account exists without admin role, skipping (use -force to promote)",
				zap.String("user_id", existing.ID))
			return nil
		}
		if _, err := store.SetRole(ctx, existing.ID, cfg.AdminRole); err != nil {
			return err
		}
		log.Info("Account promoted to admin", zap.String("user_id", existing.ID))
		return nil

	case !identity.IsNotFound(err):
		return err
	}

	admins := local.NewService(store, local.Config{
		BcryptCost:  cfg.BcryptCost,
		DefaultRole: cfg.AdminRole,
	}, log)
	rec, err := admins.Register(ctx, email, password, nil)
	if err != nil {
		return err
	}

	log.Info("Administrator created", zap.String("user_id", rec.ID))
	return nil
}
