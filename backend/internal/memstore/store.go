// Package memstore is an in-process identity and personalization store.
// It backs tests and STORE_BACKEND=memory development runs.
package memstore

import (
	"context"
	"sort"
	"sync"

	"identity-hub/backend/internal/identity"
	apperrors "identity-hub/backend/pkg/errors"
)

type providerKey struct {
	provider identity.Provider
	id       string
}

// Store keeps user records in maps guarded by one RWMutex
type Store struct {
	mu         sync.RWMutex
	byID       map[string]*identity.UserRecord
	byAPIKey   map[string]string
	byEmail    map[string]string
	byProvider map[providerKey]string
	attrs      map[string]map[string]string
}

// New creates an empty store
func New() *Store {
	return &Store{
		byID:       make(map[string]*identity.UserRecord),
		byAPIKey:   make(map[string]string),
		byEmail:    make(map[string]string),
		byProvider: make(map[providerKey]string),
		attrs:      make(map[string]map[string]string),
	}
}

func (s *Store) GetByID(ctx context.Context, id string) (*identity.UserRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(id)
}

func (s *Store) GetByAPIKey(ctx context.Context, apiKey string) (*identity.UserRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(s.byAPIKey[apiKey])
}

func (s *Store) GetByEmail(ctx context.Context, email string) (*identity.UserRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(s.byEmail[identity.NormalizeEmail(email)])
}

func (s *Store) GetByProviderID(ctx context.Context, provider identity.Provider, providerID string) (*identity.UserRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(s.byProvider[providerKey{provider, providerID}])
}

func (s *Store) GetByAny(ctx context.Context, ticket *identity.UserRecord) (*identity.UserRecord, error) {
	return identity.LookupAny(ctx, s, ticket)
}

func (s *Store) GetAllUsers(ctx context.Context) ([]*identity.UserRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]*identity.UserRecord, 0, len(s.byID))
	for _, rec := range s.byID {
		users = append(users, rec.Clone())
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].CreationDate.Equal(users[j].CreationDate) {
			return users[i].ID < users[j].ID
		}
		return users[i].CreationDate.Before(users[j].CreationDate)
	})
	return users, nil
}

func (s *Store) CreateUser(ctx context.Context, rec *identity.UserRecord) (*identity.UserRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[rec.ID]; exists {
		return nil, apperrors.NewDuplicate("id", nil)
	}
	if err := s.checkUnique(rec); err != nil {
		return nil, err
	}
	s.put(rec)
	return rec.Clone(), nil
}

func (s *Store) UpsertUser(ctx context.Context, rec *identity.UserRecord) (*identity.UserRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkUnique(rec); err != nil {
		return nil, err
	}
	if old, exists := s.byID[rec.ID]; exists {
		s.unindex(old)
	}
	s.put(rec)
	return rec.Clone(), nil
}

func (s *Store) LinkProvider(ctx context.Context, userID string, provider identity.Provider, link *identity.ProviderLink) (*identity.UserRecord, error) {
	return s.update(ctx, userID, func(rec *identity.UserRecord) error {
		if current := rec.Link(provider); current != nil && current.ID != "" {
			if current.ID != link.ID {
				return identity.ErrAlreadyLinked
			}
		}
		rec.SetLink(provider, link)
		return nil
	})
}

func (s *Store) AttachLocal(ctx context.Context, userID string, creds *identity.LocalCredentials, apiKey string) (*identity.UserRecord, error) {
	return s.update(ctx, userID, func(rec *identity.UserRecord) error {
		if rec.Local != nil && rec.Local.Email != "" {
			return identity.ErrLocalAlreadySet
		}
		rec.Local = &identity.LocalCredentials{Email: creds.Email, PasswordHash: creds.PasswordHash}
		if rec.APIKey == "" {
			rec.APIKey = apiKey
		}
		return nil
	})
}

func (s *Store) SetRole(ctx context.Context, userID, role string) (*identity.UserRecord, error) {
	return s.update(ctx, userID, func(rec *identity.UserRecord) error {
		rec.Role = role
		return nil
	})
}

// update applies mutate to a copy of the stored record and swaps it in
// under the write lock, keeping the indexes in step
func (s *Store) update(ctx context.Context, userID string, mutate func(rec *identity.UserRecord) error) (*identity.UserRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	old, exists := s.byID[userID]
	if !exists {
		return nil, identity.ErrRecordNotFound
	}
	next := old.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	if err := s.checkUnique(next); err != nil {
		return nil, err
	}
	s.unindex(old)
	s.put(next)
	return s.byID[userID].Clone(), nil
}

func (s *Store) DeleteUser(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	old, exists := s.byID[id]
	if !exists {
		return identity.ErrRecordNotFound
	}
	s.unindex(old)
	delete(s.byID, id)
	delete(s.attrs, id)
	return nil
}

// GetPersonalization returns the attribute stored under key for userID
func (s *Store) GetPersonalization(ctx context.Context, userID, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.attrs[userID][key]
	return value, ok, nil
}

// AddPersonalization sets the attribute key for an existing user
func (s *Store) AddPersonalization(ctx context.Context, userID, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[userID]; !exists {
		return identity.ErrRecordNotFound
	}
	if s.attrs[userID] == nil {
		s.attrs[userID] = make(map[string]string)
	}
	s.attrs[userID][key] = value
	return nil
}

func (s *Store) get(id string) (*identity.UserRecord, error) {
	rec, ok := s.byID[id]
	if !ok {
		return nil, identity.ErrRecordNotFound
	}
	return rec.Clone(), nil
}

// checkUnique fails if any key of rec is held by a different record
func (s *Store) checkUnique(rec *identity.UserRecord) error {
	if owner, ok := s.byAPIKey[rec.APIKey]; ok && rec.APIKey != "" && owner != rec.ID {
		return apperrors.NewDuplicate("api_key", nil)
	}
	if email := identity.NormalizeEmail(rec.Email()); email != "" {
		if owner, ok := s.byEmail[email]; ok && owner != rec.ID {
			return apperrors.NewDuplicate("local_email", nil)
		}
	}
	for _, p := range identity.Providers {
		link := rec.Link(p)
		if link == nil || link.ID == "" {
			continue
		}
		if owner, ok := s.byProvider[providerKey{p, link.ID}]; ok && owner != rec.ID {
			return apperrors.NewDuplicate(string(p)+"_id", nil)
		}
	}
	return nil
}

func (s *Store) put(rec *identity.UserRecord) {
	stored := rec.Clone()
	if stored.Local != nil {
		stored.Local.Email = identity.NormalizeEmail(stored.Local.Email)
	}
	s.byID[stored.ID] = stored
	if stored.APIKey != "" {
		s.byAPIKey[stored.APIKey] = stored.ID
	}
	if email := stored.Email(); email != "" {
		s.byEmail[email] = stored.ID
	}
	for _, p := range identity.Providers {
		if link := stored.Link(p); link != nil && link.ID != "" {
			s.byProvider[providerKey{p, link.ID}] = stored.ID
		}
	}
}

func (s *Store) unindex(rec *identity.UserRecord) {
	delete(s.byAPIKey, rec.APIKey)
	if email := rec.Email(); email != "" {
		delete(s.byEmail, email)
	}
	for _, p := range identity.Providers {
		if link := rec.Link(p); link != nil {
			delete(s.byProvider, providerKey{p, link.ID})
		}
	}
}
