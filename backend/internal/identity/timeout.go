package identity

import (
	"context"
	"errors"
	"time"

	apperrors "identity-hub/backend/pkg/errors"
)

// WithTimeout bounds every call on s by d. A call that runs past the bound
// fails with *apperrors.ErrTimeout and is not retried.
func WithTimeout(s Store, d time.Duration) Store {
	return &timedStore{next: s, timeout: d}
}

// WithPersonalizationTimeout is WithTimeout for personalization stores
func WithPersonalizationTimeout(s PersonalizationStore, d time.Duration) PersonalizationStore {
	return &timedPersonalization{next: s, timeout: d}
}

type timedStore struct {
	next    Store
	timeout time.Duration
}

func (t *timedStore) GetByID(ctx context.Context, id string) (*UserRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	rec, err := t.next.GetByID(ctx, id)
	return rec, timeoutErr(ctx, "GetByID", t.timeout, err)
}

func (t *timedStore) GetByAPIKey(ctx context.Context, apiKey string) (*UserRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	rec, err := t.next.GetByAPIKey(ctx, apiKey)
	return rec, timeoutErr(ctx, "GetByAPIKey", t.timeout, err)
}

func (t *timedStore) GetByEmail(ctx context.Context, email string) (*UserRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	rec, err := t.next.GetByEmail(ctx, email)
	return rec, timeoutErr(ctx, "GetByEmail", t.timeout, err)
}

func (t *timedStore) GetByProviderID(ctx context.Context, provider Provider, providerID string) (*UserRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	rec, err := t.next.GetByProviderID(ctx, provider, providerID)
	return rec, timeoutErr(ctx, "GetByProviderID", t.timeout, err)
}

func (t *timedStore) GetByAny(ctx context.Context, ticket *UserRecord) (*UserRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	rec, err := t.next.GetByAny(ctx, ticket)
	return rec, timeoutErr(ctx, "GetByAny", t.timeout, err)
}

func (t *timedStore) GetAllUsers(ctx context.Context) ([]*UserRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	recs, err := t.next.GetAllUsers(ctx)
	return recs, timeoutErr(ctx, "GetAllUsers", t.timeout, err)
}

func (t *timedStore) CreateUser(ctx context.Context, rec *UserRecord) (*UserRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	out, err := t.next.CreateUser(ctx, rec)
	return out, timeoutErr(ctx, "CreateUser", t.timeout, err)
}

func (t *timedStore) UpsertUser(ctx context.Context, rec *UserRecord) (*UserRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	out, err := t.next.UpsertUser(ctx, rec)
	return out, timeoutErr(ctx, "UpsertUser", t.timeout, err)
}

func (t *timedStore) LinkProvider(ctx context.Context, userID string, provider Provider, link *ProviderLink) (*UserRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	out, err := t.next.LinkProvider(ctx, userID, provider, link)
	return out, timeoutErr(ctx, "LinkProvider", t.timeout, err)
}

func (t *timedStore) AttachLocal(ctx context.Context, userID string, creds *LocalCredentials, apiKey string) (*UserRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	out, err := t.next.AttachLocal(ctx, userID, creds, apiKey)
	return out, timeoutErr(ctx, "AttachLocal", t.timeout, err)
}

func (t *timedStore) SetRole(ctx context.Context, userID, role string) (*UserRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	out, err := t.next.SetRole(ctx, userID, role)
	return out, timeoutErr(ctx, "SetRole", t.timeout, err)
}

func (t *timedStore) DeleteUser(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return timeoutErr(ctx, "DeleteUser", t.timeout, t.next.DeleteUser(ctx, id))
}

type timedPersonalization struct {
	next    PersonalizationStore
	timeout time.Duration
}

func (t *timedPersonalization) GetPersonalization(ctx context.Context, userID, key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	value, ok, err := t.next.GetPersonalization(ctx, userID, key)
	return value, ok, timeoutErr(ctx, "GetPersonalization", t.timeout, err)
}

func (t *timedPersonalization) AddPersonalization(ctx context.Context, userID, key, value string) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return timeoutErr(ctx, "AddPersonalization", t.timeout, t.next.AddPersonalization(ctx, userID, key, value))
}

func timeoutErr(ctx context.Context, op string, d time.Duration, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apperrors.NewTimeout(op, d, err)
	}
	return err
}
