package graph

import (
	"context"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"identity-hub/backend/internal/identity"
	apperrors "identity-hub/backend/pkg/errors"
	"go.uber.org/zap"
)

// ============================================================================
// Personalization Operations
// ============================================================================

// GetPersonalization reads one attribute attached to a user
func (r *Repository) GetPersonalization(ctx context.Context, userID, key string) (string, bool, error) {
	session := r.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	query := `
		MATCH (:User {id: $userID})-[:HAS_PERSONALIZATION]->(p:Personalization {key: $key})
		RETURN p.value AS value
		LIMIT 1
	`

	result, err := session.Run(ctx, query, map[string]interface{}{
		"userID": userID,
		"key":    key,
	})
	if err != nil {
		return "", false, apperrors.NewStoreQueryFailed("get personalization", err)
	}

	if result.Next(ctx) {
		return getStringFromRecord(result.Record(), "value"), true, nil
	}
	if err := result.Err(); err != nil {
		return "", false, apperrors.NewStoreQueryFailed("get personalization", err)
	}
	return "", false, nil
}

// AddPersonalization sets an attribute on an existing user
func (r *Repository) AddPersonalization(ctx context.Context, userID, key, value string) error {
	session := r.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	query := `
		MATCH (u:User {id: $userID})
		MERGE (u)-[:HAS_PERSONALIZATION]->(p:Personalization {key: $key})
		SET p.value = $value,
		    p.updated_at = datetime()
		RETURN p.key AS key
	`

	result, err := session.Run(ctx, query, map[string]interface{}{
		"userID": userID,
		"key":    key,
		"value":  value,
	})
	if err != nil {
		return apperrors.NewStoreQueryFailed("add personalization", err)
	}

	if !result.Next(ctx) {
		if err := result.Err(); err != nil {
			return apperrors.NewStoreQueryFailed("add personalization", err)
		}
		return identity.ErrRecordNotFound
	}

	r.logger.Debug("Personalization updated",
		zap.String("user_id", userID),
		zap.String("key", key),
	)
	return nil
}
