package graph

import (
	"time"

	"identity-hub/backend/internal/identity"
)

// ============================================================================
// User node mapping
// ============================================================================

// User node property names
const (
	propID                = "id"
	propAPIKey            = "api_key"
	propRole              = "role"
	propCreationDate      = "creation_date"
	propLocalEmail        = "local_email"
	propLocalPasswordHash = "local_password_hash"
	// propRevision counts guarded field writes; it is never mapped to a record
	propRevision          = "revision"
)

// providerProp returns the flattened property name for one provider field,
// e.g. facebook_id or google_display_name
func providerProp(p identity.Provider, field string) string {
	return string(p) + "_" + field
}

// toProps flattens a record into User node properties. Absent optional
// fields are omitted so `SET u = $props` removes them.
func toProps(rec *identity.UserRecord) map[string]interface{} {
	props := map[string]interface{}{
		propID:           rec.ID,
		propCreationDate: rec.CreationDate.UTC(),
	}
	if rec.APIKey != "" {
		props[propAPIKey] = rec.APIKey
	}
	if rec.Role != "" {
		props[propRole] = rec.Role
	}
	if rec.Local != nil {
		props[propLocalEmail] = identity.NormalizeEmail(rec.Local.Email)
		if rec.Local.PasswordHash != "" {
			props[propLocalPasswordHash] = rec.Local.PasswordHash
		}
	}
	for _, p := range identity.Providers {
		link := rec.Link(p)
		if link == nil {
			continue
		}
		props[providerProp(p, "id")] = link.ID
		if link.DisplayName != "" {
			props[providerProp(p, "display_name")] = link.DisplayName
		}
		if link.Email != "" {
			props[providerProp(p, "email")] = link.Email
		}
	}
	return props
}

// fromProps rebuilds a record from User node properties
func fromProps(props map[string]interface{}) *identity.UserRecord {
	rec := &identity.UserRecord{
		ID:           getStringFromMap(props, propID, ""),
		APIKey:       getStringFromMap(props, propAPIKey, ""),
		Role:         getStringFromMap(props, propRole, ""),
		CreationDate: getTimeFromMap(props, propCreationDate, time.Time{}),
	}
	if email := getStringFromMap(props, propLocalEmail, ""); email != "" {
		rec.Local = &identity.LocalCredentials{
			Email:        email,
			PasswordHash: getStringFromMap(props, propLocalPasswordHash, ""),
		}
	}
	for _, p := range identity.Providers {
		id := getStringFromMap(props, providerProp(p, "id"), "")
		if id == "" {
			continue
		}
		rec.SetLink(p, &identity.ProviderLink{
			ID:          id,
			DisplayName: getStringFromMap(props, providerProp(p, "display_name"), ""),
			Email:       getStringFromMap(props, providerProp(p, "email"), ""),
		})
	}
	return rec
}
