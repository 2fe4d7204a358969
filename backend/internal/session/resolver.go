// Package session resolves per-request API keys into caller contexts.
package session

import (
	"context"
	"strings"

	"identity-hub/backend/internal/identity"
	apperrors "identity-hub/backend/pkg/errors"
	"identity-hub/backend/pkg/logger"
	"go.uber.org/zap"
)

// KeyFinder is the one store capability the resolver needs
type KeyFinder interface {
	GetByAPIKey(ctx context.Context, apiKey string) (*identity.UserRecord, error)
}

// Resolver turns API keys into identity.Context values
type Resolver struct {
	users  KeyFinder
	logger *zap.Logger
}

// NewResolver creates a resolver over users
func NewResolver(users KeyFinder, log *zap.Logger) *Resolver {
	return &Resolver{users: users, logger: logger.OrNamed(log, "session")}
}

// Resolve looks up apiKey and, when requiredRole is non-empty, checks the
// record's role. A lookup miss is definitive; nothing is retried or written.
func (r *Resolver) Resolve(ctx context.Context, apiKey, requiredRole string) (identity.Context, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return identity.Context{}, apperrors.ErrUnauthenticated
	}

	rec, err := r.users.GetByAPIKey(ctx, apiKey)
	if err != nil {
		if identity.IsNotFound(err) {
			return identity.Context{}, apperrors.ErrUnauthenticated
		}
		r.logger.Error("API key lookup failed", zap.Error(err))
		return identity.Context{}, err
	}

	if requiredRole != "" && rec.Role != requiredRole {
		r.logger.Debug("Role requirement not met",
			zap.String("user_id", rec.ID),
			zap.String("required_role", requiredRole),
		)
		return identity.Context{}, apperrors.NewForbidden(requiredRole)
	}

	return identity.Context{UserID: rec.ID, Role: rec.Role}, nil
}
