package graph

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"identity-hub/backend/internal/identity"
	apperrors "identity-hub/backend/pkg/errors"
	"go.uber.org/zap"
)

// ============================================================================
// User Operations
// ============================================================================

// GetByID finds a user by internal id
func (r *Repository) GetByID(ctx context.Context, id string) (*identity.UserRecord, error) {
	return r.findOne(ctx, "get user by id", `
		MATCH (u:User {id: $value})
		RETURN properties(u) AS props
		LIMIT 1
	`, id)
}

// GetByAPIKey finds a user by API key
func (r *Repository) GetByAPIKey(ctx context.Context, apiKey string) (*identity.UserRecord, error) {
	return r.findOne(ctx, "get user by api key", `
		MATCH (u:User {api_key: $value})
		RETURN properties(u) AS props
		LIMIT 1
	`, apiKey)
}

// GetByEmail finds a user by local email (case-insensitive)
func (r *Repository) GetByEmail(ctx context.Context, email string) (*identity.UserRecord, error) {
	return r.findOne(ctx, "get user by email", `
		MATCH (u:User {local_email: $value})
		RETURN properties(u) AS props
		LIMIT 1
	`, identity.NormalizeEmail(email))
}

// GetByProviderID finds the user linked to an external provider account
func (r *Repository) GetByProviderID(ctx context.Context, provider identity.Provider, providerID string) (*identity.UserRecord, error) {
	if _, err := identity.ParseProvider(string(provider)); err != nil {
		return nil, apperrors.NewStoreQueryFailed("get user by provider id", err)
	}
	// provider is validated above, so splicing the property name is safe
	query := fmt.Sprintf(`
		MATCH (u:User)
		WHERE u.%s = $value
		RETURN properties(u) AS props
		LIMIT 1
	`, providerProp(provider, "id"))
	return r.findOne(ctx, "get user by provider id", query, providerID)
}

// GetByAny resolves a ticket by any identifier it carries
func (r *Repository) GetByAny(ctx context.Context, ticket *identity.UserRecord) (*identity.UserRecord, error) {
	return identity.LookupAny(ctx, r, ticket)
}

// GetAllUsers lists every user, oldest first
func (r *Repository) GetAllUsers(ctx context.Context) ([]*identity.UserRecord, error) {
	session := r.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	query := `
		MATCH (u:User)
		RETURN properties(u) AS props
		ORDER BY u.creation_date ASC, u.id ASC
	`

	result, err := session.Run(ctx, query, nil)
	if err != nil {
		return nil, apperrors.NewStoreQueryFailed("list users", err)
	}

	var users []*identity.UserRecord
	for result.Next(ctx) {
		if props := getMapFromRecord(result.Record(), "props"); props != nil {
			users = append(users, fromProps(props))
		}
	}
	if err := result.Err(); err != nil {
		return nil, apperrors.NewStoreQueryFailed("list users", err)
	}
	return users, nil
}

// CreateUser inserts a new User node. Uniqueness constraints turn a
// concurrent insert of the same key into *apperrors.ErrDuplicate.
func (r *Repository) CreateUser(ctx context.Context, rec *identity.UserRecord) (*identity.UserRecord, error) {
	saved, err := r.writeOne(ctx, "create user", `
		CREATE (u:User)
		SET u = $props
		RETURN properties(u) AS props
	`, rec)
	if err != nil {
		return nil, err
	}

	r.logger.Info("User created", zap.String("user_id", saved.ID))
	return saved, nil
}

// UpsertUser replaces all properties of the User node with rec.ID
func (r *Repository) UpsertUser(ctx context.Context, rec *identity.UserRecord) (*identity.UserRecord, error) {
	saved, err := r.writeOne(ctx, "upsert user", `
		MERGE (u:User {id: $id})
		SET u = $props
		RETURN properties(u) AS props
	`, rec)
	if err != nil {
		return nil, err
	}

	r.logger.Debug("User upserted", zap.String("user_id", saved.ID))
	return saved, nil
}

// LinkProvider sets one provider's linkage properties on an existing user.
// The revision bump takes the node's write lock before the linkage check,
// so a concurrent link of the same provider cannot slip past it.
func (r *Repository) LinkProvider(ctx context.Context, userID string, provider identity.Provider, link *identity.ProviderLink) (*identity.UserRecord, error) {
	if _, err := identity.ParseProvider(string(provider)); err != nil {
		return nil, apperrors.NewStoreQueryFailed("link provider", err)
	}
	idProp := providerProp(provider, "id")
	query := fmt.Sprintf(`
		MATCH (u:User {id: $id})
		SET u.%[1]s = coalesce(u.%[1]s, 0) + 1
		WITH u
		WHERE u.%[2]s IS NULL OR u.%[2]s = $linkId
		SET u.%[2]s = $linkId,
		    u.%[3]s = $displayName,
		    u.%[4]s = $email
		RETURN properties(u) AS props
	`, propRevision, idProp, providerProp(provider, "display_name"), providerProp(provider, "email"))

	saved, err := r.updateOne(ctx, "link provider", query, userID, identity.ErrAlreadyLinked, map[string]interface{}{
		"linkId":      link.ID,
		"displayName": nullable(link.DisplayName),
		"email":       nullable(link.Email),
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("Provider linked",
		zap.String("user_id", userID),
		zap.String("provider", string(provider)))
	return saved, nil
}

// AttachLocal sets local credentials on a user that has none
func (r *Repository) AttachLocal(ctx context.Context, userID string, creds *identity.LocalCredentials, apiKey string) (*identity.UserRecord, error) {
	query := fmt.Sprintf(`
		MATCH (u:User {id: $id})
		SET u.%[1]s = coalesce(u.%[1]s, 0) + 1
		WITH u
		WHERE u.%[2]s IS NULL
		SET u.%[2]s = $email,
		    u.%[3]s = $hash,
		    u.%[4]s = coalesce(u.%[4]s, $apiKey)
		RETURN properties(u) AS props
	`, propRevision, propLocalEmail, propLocalPasswordHash, propAPIKey)

	saved, err := r.updateOne(ctx, "attach local credentials", query, userID, identity.ErrLocalAlreadySet, map[string]interface{}{
		"email":  identity.NormalizeEmail(creds.Email),
		"hash":   nullable(creds.PasswordHash),
		"apiKey": nullable(apiKey),
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("Local credentials attached", zap.String("user_id", userID))
	return saved, nil
}

// SetRole changes only the role property of a user
func (r *Repository) SetRole(ctx context.Context, userID, role string) (*identity.UserRecord, error) {
	query := fmt.Sprintf(`
		MATCH (u:User {id: $id})
		SET u.%s = $role
		RETURN properties(u) AS props
	`, propRole)

	return r.updateOne(ctx, "set role", query, userID, identity.ErrRecordNotFound, map[string]interface{}{
		"role": nullable(role),
	})
}

// DeleteUser removes a user and its personalization nodes
func (r *Repository) DeleteUser(ctx context.Context, id string) error {
	session := r.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	query := `
		MATCH (u:User {id: $id})
		OPTIONAL MATCH (u)-[:HAS_PERSONALIZATION]->(p:Personalization)
		WITH u, collect(p) AS attrs
		FOREACH (a IN attrs | DETACH DELETE a)
		DETACH DELETE u
		RETURN count(*) AS deleted
	`

	result, err := session.Run(ctx, query, map[string]interface{}{"id": id})
	if err != nil {
		return apperrors.NewStoreQueryFailed("delete user", err)
	}
	record, err := result.Single(ctx)
	if err != nil {
		return apperrors.NewStoreQueryFailed("delete user", err)
	}
	if getInt64FromRecord(record, "deleted") == 0 {
		return identity.ErrRecordNotFound
	}

	r.logger.Info("User deleted", zap.String("user_id", id))
	return nil
}

func (r *Repository) findOne(ctx context.Context, op, query, value string) (*identity.UserRecord, error) {
	if value == "" {
		return nil, identity.ErrRecordNotFound
	}

	session := r.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	result, err := session.Run(ctx, query, map[string]interface{}{"value": value})
	if err != nil {
		return nil, apperrors.NewStoreQueryFailed(op, err)
	}

	if result.Next(ctx) {
		if props := getMapFromRecord(result.Record(), "props"); props != nil {
			return fromProps(props), nil
		}
	}
	if err := result.Err(); err != nil {
		return nil, apperrors.NewStoreQueryFailed(op, err)
	}
	return nil, identity.ErrRecordNotFound
}

func (r *Repository) writeOne(ctx context.Context, op, query string, rec *identity.UserRecord) (*identity.UserRecord, error) {
	session := r.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	result, err := session.Run(ctx, query, map[string]interface{}{
		"id":    rec.ID,
		"props": toProps(rec),
	})
	if err != nil {
		return nil, mapWriteErr(op, err)
	}
	record, err := result.Single(ctx)
	if err != nil {
		return nil, mapWriteErr(op, err)
	}
	saved := getMapFromRecord(record, "props")
	if saved == nil {
		return nil, apperrors.NewStoreQueryFailed(op, fmt.Errorf("no properties returned"))
	}
	return fromProps(saved), nil
}

// updateOne runs a guarded single-user update. No returned row means
// either the user is missing or the guard refused, reported as refused.
func (r *Repository) updateOne(ctx context.Context, op, query, userID string, refused error, params map[string]interface{}) (*identity.UserRecord, error) {
	session := r.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	params["id"] = userID
	result, err := session.Run(ctx, query, params)
	if err != nil {
		return nil, mapWriteErr(op, err)
	}

	if result.Next(ctx) {
		if props := getMapFromRecord(result.Record(), "props"); props != nil {
			return fromProps(props), nil
		}
	}
	if err := result.Err(); err != nil {
		return nil, mapWriteErr(op, err)
	}

	if _, err := r.GetByID(ctx, userID); err != nil {
		return nil, err
	}
	return nil, refused
}

// nullable maps "" to nil so SET removes the property
func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
