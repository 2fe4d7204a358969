// Package reconcile merges provider logins onto existing accounts or
// creates new ones, without duplicating or orphaning identities.
package reconcile

import (
	"context"
	"errors"
	"time"

	"identity-hub/backend/internal/identity"
	apperrors "identity-hub/backend/pkg/errors"
	"identity-hub/backend/pkg/logger"
	"go.uber.org/zap"
)

// Kind is the terminal result of one reconciliation
type Kind string

const (
	Reconnected   Kind = "reconnected"
	Merged        Kind = "merged"
	Created       Kind = "created"
	Conflict      Kind = "conflict"
	Inconsistency Kind = "inconsistency"
)

const (
	msgLinkedElsewhere  = "existing registration for this provider under a different account"
	msgAlreadyLinked    = "already linked to another provider account"
	msgClaimNotRecorded = "client claims a provider linkage the store does not have"
	msgUnknownTicket    = "client ticket does not match any stored account"
)

// Outcome is what Reconcile decided. Record is set, sanitized, for
// Reconnected, Merged and Created; Message is set for Conflict and Inconsistency.
type Outcome struct {
	Kind    Kind
	Record  *identity.UserRecord
	Message string
}

// OK reports whether the outcome carries a record
func (o Outcome) OK() bool {
	return o.Kind == Reconnected || o.Kind == Merged || o.Kind == Created
}

// Err returns the outcome as a typed error, or nil for successful kinds
func (o Outcome) Err() error {
	switch o.Kind {
	case Conflict:
		return apperrors.NewConflict(o.Message)
	case Inconsistency:
		return apperrors.NewInconsistency(o.Message)
	}
	return nil
}

// Bootstrapper seeds display names; it must not fail the caller
type Bootstrapper interface {
	Bootstrap(ctx context.Context, userID, displayName string, onlyIfUnset bool)
}

// Config carries the engine's tunables
type Config struct {
	DefaultRole string
	// Now defaults to time.Now
	Now func() time.Time
}

// Engine reconciles provider connects against the identity store
type Engine struct {
	store     identity.Store
	bootstrap Bootstrapper
	cfg       Config
	locks     *keyedLocks
	logger    *zap.Logger
}

// NewEngine creates a reconciliation engine
func NewEngine(store identity.Store, bootstrap Bootstrapper, cfg Config, log *zap.Logger) *Engine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		store:     store,
		bootstrap: bootstrap,
		cfg:       cfg,
		locks:     newKeyedLocks(),
		logger:    logger.OrNamed(log, "reconcile"),
	}
}

// Reconcile decides how a verified provider profile relates to the caller's
// claimed identity (clientTicket, may be nil) and the stored accounts.
//
// Calls for the same (provider, profile id) are serialized in-process; the
// store's uniqueness constraints cover concurrent writers elsewhere. The
// error return is reserved for store faults and timeouts.
func (e *Engine) Reconcile(ctx context.Context, provider identity.Provider, profile Profile, clientTicket *identity.UserRecord) (Outcome, error) {
	if _, err := identity.ParseProvider(string(provider)); err != nil {
		return Outcome{}, apperrors.NewValidation("provider")
	}
	if profile.ID == "" {
		return Outcome{}, apperrors.NewValidation("profile id")
	}
	if !hasStableIdentity(clientTicket) {
		clientTicket = nil
	}

	unlock := e.locks.Lock(string(provider) + ":" + profile.ID)
	defer unlock()

	out, err := e.decide(ctx, provider, profile, clientTicket, true)
	if err != nil {
		return Outcome{}, err
	}

	fields := []zap.Field{
		zap.String("provider", string(provider)),
		zap.String("outcome", string(out.Kind)),
	}
	if out.Record != nil {
		fields = append(fields, zap.String("user_id", out.Record.ID))
	}
	if out.OK() {
		e.logger.Info("Provider reconciled", fields...)
	} else {
		e.logger.Warn("Provider reconciliation refused", append(fields, zap.String("reason", out.Message))...)
	}
	return out, nil
}

func (e *Engine) decide(ctx context.Context, provider identity.Provider, profile Profile, clientTicket *identity.UserRecord, mayRetry bool) (Outcome, error) {
	serverTicket, err := e.store.GetByProviderID(ctx, provider, profile.ID)
	if err != nil && !identity.IsNotFound(err) {
		return Outcome{}, err
	}

	if serverTicket != nil {
		if clientTicket != nil && !clientTicket.SameIdentity(serverTicket) {
			return refused(Conflict, msgLinkedElsewhere), nil
		}
		return Outcome{Kind: Reconnected, Record: serverTicket.Sanitize()}, nil
	}

	if clientTicket == nil {
		return e.create(ctx, provider, profile, mayRetry)
	}

	if claimed := clientTicket.Link(provider); claimed != nil && claimed.ID != "" {
		if claimed.ID == profile.ID {
			return refused(Inconsistency, msgClaimNotRecorded), nil
		}
		return refused(Conflict, msgAlreadyLinked), nil
	}

	return e.merge(ctx, provider, profile, clientTicket, mayRetry)
}

// merge attaches the profile to the stored account the client ticket names
func (e *Engine) merge(ctx context.Context, provider identity.Provider, profile Profile, clientTicket *identity.UserRecord, mayRetry bool) (Outcome, error) {
	target, err := e.store.GetByAny(ctx, &identity.UserRecord{ID: clientTicket.ID, APIKey: clientTicket.APIKey})
	if err != nil {
		if identity.IsNotFound(err) {
			return refused(Inconsistency, msgUnknownTicket), nil
		}
		return Outcome{}, err
	}

	// The ticket may be stale: the stored account can hold a linkage the
	// client has not seen yet, which must not be overwritten.
	if existing := target.Link(provider); existing != nil && existing.ID != "" {
		return refused(Conflict, msgAlreadyLinked), nil
	}

	// Only this provider's linkage is written, so merges of other providers
	// or a local attach racing on the same account are kept.
	saved, err := e.store.LinkProvider(ctx, target.ID, provider, profile.link())
	switch {
	case err == nil:
	case errors.Is(err, identity.ErrAlreadyLinked):
		return refused(Conflict, msgAlreadyLinked), nil
	case identity.IsNotFound(err):
		return refused(Inconsistency, msgUnknownTicket), nil
	case mayRetry && isDuplicate(err):
		return e.decide(ctx, provider, profile, clientTicket, false)
	default:
		return Outcome{}, err
	}

	e.bootstrap.Bootstrap(ctx, saved.ID, profile.DisplayName, true)
	return Outcome{Kind: Merged, Record: saved.Sanitize()}, nil
}

// create stores a new account holding only this provider linkage
func (e *Engine) create(ctx context.Context, provider identity.Provider, profile Profile, mayRetry bool) (Outcome, error) {
	apiKey, err := identity.NewAPIKey()
	if err != nil {
		return Outcome{}, err
	}
	rec := &identity.UserRecord{
		ID:           identity.NewID(),
		APIKey:       apiKey,
		CreationDate: e.cfg.Now().UTC(),
		Role:         e.cfg.DefaultRole,
	}
	rec.SetLink(provider, profile.link())

	saved, err := e.store.CreateUser(ctx, rec)
	if err != nil {
		// Another writer created this linkage first; re-decide against it
		if mayRetry && isDuplicate(err) {
			return e.decide(ctx, provider, profile, nil, false)
		}
		return Outcome{}, err
	}

	e.bootstrap.Bootstrap(ctx, saved.ID, profile.DisplayName, false)
	return Outcome{Kind: Created, Record: saved.Sanitize()}, nil
}

func refused(kind Kind, message string) Outcome {
	return Outcome{Kind: kind, Message: message}
}

func hasStableIdentity(ticket *identity.UserRecord) bool {
	return ticket != nil && (ticket.ID != "" || ticket.APIKey != "")
}

func isDuplicate(err error) bool {
	var dup *apperrors.ErrDuplicate
	return errors.As(err, &dup)
}
