package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"

	"github.com/google/uuid"
	apperrors "identity-hub/backend/pkg/errors"
)

// ErrRecordNotFound is returned by Store lookups that match nothing
var ErrRecordNotFound = apperrors.NewBaseError(apperrors.ErrorTypeNotFound, "record not found", nil)

// ErrAlreadyLinked is returned by LinkProvider when the account holds a
// different linkage for that provider
var ErrAlreadyLinked = apperrors.NewBaseError(apperrors.ErrorTypeConflict, "already linked to another provider account", nil)

// ErrLocalAlreadySet is returned by AttachLocal when the account already
// has local credentials
var ErrLocalAlreadySet = apperrors.NewBaseError(apperrors.ErrorTypeConflict, "account already has local credentials", nil)

// IsNotFound reports whether err is a lookup miss
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRecordNotFound)
}

// Finder is the read side of a Store
type Finder interface {
	GetByID(ctx context.Context, id string) (*UserRecord, error)
	GetByAPIKey(ctx context.Context, apiKey string) (*UserRecord, error)
	GetByEmail(ctx context.Context, email string) (*UserRecord, error)
	GetByProviderID(ctx context.Context, provider Provider, providerID string) (*UserRecord, error)
}

// Store persists user identities.
//
// Implementations enforce uniqueness of id, API key, local email and every
// (provider, provider id) pair: CreateUser and UpsertUser fail with
// *apperrors.ErrDuplicate instead of writing a second holder of any key.
type Store interface {
	Finder
	// GetByAny returns the first record matching any identifier carried by ticket
	GetByAny(ctx context.Context, ticket *UserRecord) (*UserRecord, error)
	GetAllUsers(ctx context.Context) ([]*UserRecord, error)
	// CreateUser inserts a new record or fails
	CreateUser(ctx context.Context, rec *UserRecord) (*UserRecord, error)
	// UpsertUser replaces the record with rec.ID, inserting it if absent
	UpsertUser(ctx context.Context, rec *UserRecord) (*UserRecord, error)

	// The field writes below change one part of an existing account and
	// leave every other field as stored, so concurrent writers of different
	// parts do not overwrite each other. They fail with ErrRecordNotFound
	// when userID is unknown.

	// LinkProvider sets provider's linkage. Relinking the same provider id
	// is a no-op; a different stored id fails with ErrAlreadyLinked.
	LinkProvider(ctx context.Context, userID string, provider Provider, link *ProviderLink) (*UserRecord, error)
	// AttachLocal sets local credentials, and apiKey when the account has
	// none. An account with local credentials fails with ErrLocalAlreadySet.
	AttachLocal(ctx context.Context, userID string, creds *LocalCredentials, apiKey string) (*UserRecord, error)
	// SetRole changes the account's role
	SetRole(ctx context.Context, userID, role string) (*UserRecord, error)
	DeleteUser(ctx context.Context, id string) error
}

// PersonalizationStore keeps per-user key/value attributes
type PersonalizationStore interface {
	GetPersonalization(ctx context.Context, userID, key string) (string, bool, error)
	AddPersonalization(ctx context.Context, userID, key, value string) error
}

// NewID returns a fresh internal user id
func NewID() string {
	return uuid.NewString()
}

// NewAPIKey returns a fresh 256-bit API key, hex encoded
func NewAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
