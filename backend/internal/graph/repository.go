package graph

import (
	"context"
	"errors"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"identity-hub/backend/internal/identity"
	apperrors "identity-hub/backend/pkg/errors"
	"identity-hub/backend/pkg/logger"
	"go.uber.org/zap"
)

const constraintViolation = "Neo.ClientError.Schema.ConstraintValidationFailed"

// Repository handles all Neo4j operations for identities and personalization.
// It implements identity.Store and identity.PersonalizationStore.
type Repository struct {
	driver   neo4j.DriverWithContext
	database string
	logger   *zap.Logger
}

var (
	_ identity.Store                = (*Repository)(nil)
	_ identity.PersonalizationStore = (*Repository)(nil)
)

// NewRepository creates a new graph repository. database may be empty to
// use the server default.
func NewRepository(driver neo4j.DriverWithContext, database string, log *zap.Logger) *Repository {
	return &Repository{
		driver:   driver,
		database: database,
		logger:   logger.OrNamed(log, "graph"),
	}
}

// Connect opens a driver and verifies connectivity
func Connect(ctx context.Context, uri, user, password string) (neo4j.DriverWithContext, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, apperrors.NewStoreConnectionFailed(uri, err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, apperrors.NewStoreConnectionFailed(uri, err)
	}
	return driver, nil
}

// Close closes the Neo4j driver connection
func (r *Repository) Close() error {
	return r.driver.Close(context.Background())
}

func (r *Repository) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: mode, DatabaseName: r.database})
}

// EnsureSchema creates the uniqueness constraints every write relies on.
// Uniqueness constraints skip nodes lacking the property, so optional
// linkages stay optional.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	session := r.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	for _, stmt := range schemaStatements() {
		result, err := session.Run(ctx, stmt, nil)
		if err == nil {
			_, err = result.Consume(ctx)
		}
		if err != nil {
			return apperrors.NewStoreQueryFailed("ensure schema", err)
		}
	}

	r.logger.Info("Identity schema ensured")
	return nil
}

func schemaStatements() []string {
	props := []string{propID, propAPIKey, propLocalEmail}
	for _, p := range identity.Providers {
		props = append(props, providerProp(p, "id"))
	}
	stmts := make([]string, 0, len(props)+1)
	for _, prop := range props {
		stmts = append(stmts,
			"CREATE CONSTRAINT user_"+prop+"_unique IF NOT EXISTS FOR (u:User) REQUIRE u."+prop+" IS UNIQUE")
	}
	stmts = append(stmts,
		"CREATE INDEX personalization_key IF NOT EXISTS FOR (p:Personalization) ON (p.key)")
	return stmts
}

// mapWriteErr turns constraint violations into *apperrors.ErrDuplicate
func mapWriteErr(op string, err error) error {
	var neoErr *neo4j.Neo4jError
	if errors.As(err, &neoErr) && neoErr.Code == constraintViolation {
		return apperrors.NewDuplicate("user key", err)
	}
	return apperrors.NewStoreQueryFailed(op, err)
}
