// Package personalization manages per-user display attributes.
package personalization

import (
	"context"
	"strings"

	"identity-hub/backend/internal/identity"
	apperrors "identity-hub/backend/pkg/errors"
	"identity-hub/backend/pkg/logger"
	"go.uber.org/zap"
)

// UsernameKey is the attribute holding a user's display name
const UsernameKey = "Username"

// UserFinder loads the record a username change is reported against
type UserFinder interface {
	GetByID(ctx context.Context, id string) (*identity.UserRecord, error)
}

// Service reads and writes personalization attributes
type Service struct {
	attrs  identity.PersonalizationStore
	users  UserFinder
	logger *zap.Logger
}

// NewService creates a personalization service
func NewService(attrs identity.PersonalizationStore, users UserFinder, log *zap.Logger) *Service {
	return &Service{attrs: attrs, users: users, logger: logger.OrNamed(log, "personalization")}
}

// Bootstrap seeds the username attribute for userID. With onlyIfUnset an
// existing value is kept. Failures are logged and swallowed.
func (s *Service) Bootstrap(ctx context.Context, userID, displayName string, onlyIfUnset bool) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return
	}

	if onlyIfUnset {
		current, ok, err := s.attrs.GetPersonalization(ctx, userID, UsernameKey)
		if err != nil {
			s.logger.Warn("Username bootstrap skipped",
				zap.String("user_id", userID),
				zap.Error(err),
			)
			return
		}
		if ok && current != "" {
			return
		}
	}

	if err := s.attrs.AddPersonalization(ctx, userID, UsernameKey, displayName); err != nil {
		s.logger.Warn("Username bootstrap failed",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return
	}

	s.logger.Debug("Username bootstrapped", zap.String("user_id", userID))
}

// Username returns the current username attribute of userID
func (s *Service) Username(ctx context.Context, userID string) (string, bool, error) {
	return s.attrs.GetPersonalization(ctx, userID, UsernameKey)
}

// ChangeUsername renames the caller. Usernames are not unique.
func (s *Service) ChangeUsername(ctx context.Context, newName string, caller identity.Context) (*identity.UserRecord, error) {
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return nil, apperrors.NewValidation("username")
	}

	rec, err := s.users.GetByID(ctx, caller.UserID)
	if err != nil {
		if identity.IsNotFound(err) {
			return nil, apperrors.NewNotFound("account", caller.UserID)
		}
		return nil, err
	}

	if err := s.attrs.AddPersonalization(ctx, caller.UserID, UsernameKey, newName); err != nil {
		return nil, err
	}

	s.logger.Info("Username changed", zap.String("user_id", caller.UserID))
	return rec.Sanitize(), nil
}
