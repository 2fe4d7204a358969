// Package local registers and authenticates email/password accounts.
package local

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"identity-hub/backend/internal/identity"
	apperrors "identity-hub/backend/pkg/errors"
	"identity-hub/backend/pkg/logger"
	"go.uber.org/zap"
)

const msgEmailInUse = "email already in use"

// Store is the subset of identity.Store the service uses
type Store interface {
	GetByEmail(ctx context.Context, email string) (*identity.UserRecord, error)
	GetByAny(ctx context.Context, ticket *identity.UserRecord) (*identity.UserRecord, error)
	CreateUser(ctx context.Context, rec *identity.UserRecord) (*identity.UserRecord, error)
	AttachLocal(ctx context.Context, userID string, creds *identity.LocalCredentials, apiKey string) (*identity.UserRecord, error)
}

// Config carries the service's tunables
type Config struct {
	BcryptCost  int
	DefaultRole string
	// Now defaults to time.Now
	Now func() time.Time
}

// Service is the local credential service
type Service struct {
	store  Store
	cfg    Config
	logger *zap.Logger
}

// NewService creates a local credential service
func NewService(store Store, cfg Config, log *zap.Logger) *Service {
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{store: store, cfg: cfg, logger: logger.OrNamed(log, "local")}
}

// Register creates a local account, or attaches local credentials to the
// account currentUser resolves to. The returned record is sanitized.
func (s *Service) Register(ctx context.Context, email, password string, currentUser *identity.UserRecord) (*identity.UserRecord, error) {
	email = identity.NormalizeEmail(email)
	if email == "" {
		return nil, apperrors.NewValidation("email")
	}
	if strings.TrimSpace(password) == "" {
		return nil, apperrors.NewValidation("password")
	}

	if _, err := s.store.GetByEmail(ctx, email); err == nil {
		return nil, apperrors.NewConflict(msgEmailInUse)
	} else if !identity.IsNotFound(err) {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cfg.BcryptCost)
	if err != nil {
		return nil, err
	}
	creds := &identity.LocalCredentials{Email: email, PasswordHash: string(hash)}

	if currentUser != nil {
		target, err := s.store.GetByAny(ctx, currentUser)
		switch {
		case err == nil:
			return s.attach(ctx, target, creds)
		case !identity.IsNotFound(err):
			return nil, err
		}
		s.logger.Debug("Current user not found, registering a new account")
	}

	apiKey, err := identity.NewAPIKey()
	if err != nil {
		return nil, err
	}
	rec := &identity.UserRecord{
		ID:           identity.NewID(),
		APIKey:       apiKey,
		Local:        creds,
		CreationDate: s.cfg.Now().UTC(),
		Role:         s.cfg.DefaultRole,
	}

	saved, err := s.store.CreateUser(ctx, rec)
	if err != nil {
		return nil, duplicateAsConflict(err)
	}

	s.logger.Info("Local account registered", zap.String("user_id", saved.ID))
	return saved.Sanitize(), nil
}

func (s *Service) attach(ctx context.Context, target *identity.UserRecord, creds *identity.LocalCredentials) (*identity.UserRecord, error) {
	if target.Local != nil && target.Local.Email != "" {
		return nil, identity.ErrLocalAlreadySet
	}
	// Kept by the store only when the account has no key yet
	apiKey, err := identity.NewAPIKey()
	if err != nil {
		return nil, err
	}

	saved, err := s.store.AttachLocal(ctx, target.ID, creds, apiKey)
	if err != nil {
		return nil, duplicateAsConflict(err)
	}

	s.logger.Info("Local credentials attached", zap.String("user_id", saved.ID))
	return saved.Sanitize(), nil
}

// Login checks email and password and returns the sanitized record
func (s *Service) Login(ctx context.Context, email, password string) (*identity.UserRecord, error) {
	email = identity.NormalizeEmail(email)
	if email == "" {
		return nil, apperrors.NewValidation("email")
	}
	if strings.TrimSpace(password) == "" {
		return nil, apperrors.NewValidation("password")
	}

	rec, err := s.store.GetByEmail(ctx, email)
	if err != nil {
		if identity.IsNotFound(err) {
			return nil, apperrors.NewNotFound("account", email)
		}
		return nil, err
	}

	if rec.Local == nil || rec.Local.PasswordHash == "" {
		return nil, apperrors.ErrInvalidPassword
	}
	if err := bcrypt.CompareHashAndPassword([]byte(rec.Local.PasswordHash), []byte(password)); err != nil {
		s.logger.Debug("Password mismatch", zap.String("user_id", rec.ID))
		return nil, apperrors.ErrInvalidPassword
	}

	return rec.Sanitize(), nil
}

func duplicateAsConflict(err error) error {
	var dup *apperrors.ErrDuplicate
	if errors.As(err, &dup) {
		return apperrors.NewConflict(msgEmailInUse)
	}
	return err
}
