package identity

import (
	"fmt"
	"strings"
	"time"
)

// Provider names an external login provider
type Provider string

const (
	ProviderFacebook Provider = "facebook"
	ProviderGoogle   Provider = "google"
	ProviderTwitter  Provider = "twitter"
	ProviderDiscord  Provider = "discord"
)

// Providers lists every supported external provider in lookup priority order
var Providers = []Provider{ProviderFacebook, ProviderGoogle, ProviderTwitter, ProviderDiscord}

// ParseProvider validates a provider name taken from a request
func ParseProvider(name string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range Providers {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown provider: %q", name)
}

// ProviderLink is the linkage of one external provider account to a user
type ProviderLink struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Email       string `json:"email,omitempty"`
}

// LocalCredentials holds email/password login data.
// PasswordHash never leaves the process.
type LocalCredentials struct {
	Email        string `json:"email"`
	PasswordHash string `json:"-"`
}

// UserRecord is the stored identity of one account
type UserRecord struct {
	ID           string            `json:"id"`
	APIKey       string            `json:"apiKey"`
	Local        *LocalCredentials `json:"local,omitempty"`
	Facebook     *ProviderLink     `json:"facebook,omitempty"`
	Google       *ProviderLink     `json:"google,omitempty"`
	Twitter      *ProviderLink     `json:"twitter,omitempty"`
	Discord      *ProviderLink     `json:"discord,omitempty"`
	CreationDate time.Time         `json:"creationDate"`
	Role         string            `json:"role,omitempty"`
}

// Context is the resolved caller identity attached to a request
type Context struct {
	UserID string `json:"userId"`
	Role   string `json:"role,omitempty"`
}

// Link returns the linkage for provider, or nil
func (u *UserRecord) Link(p Provider) *ProviderLink {
	if u == nil {
		return nil
	}
	switch p {
	case ProviderFacebook:
		return u.Facebook
	case ProviderGoogle:
		return u.Google
	case ProviderTwitter:
		return u.Twitter
	case ProviderDiscord:
		return u.Discord
	}
	return nil
}

// SetLink replaces the linkage for provider
func (u *UserRecord) SetLink(p Provider, link *ProviderLink) {
	switch p {
	case ProviderFacebook:
		u.Facebook = link
	case ProviderGoogle:
		u.Google = link
	case ProviderTwitter:
		u.Twitter = link
	case ProviderDiscord:
		u.Discord = link
	}
}

// Email returns the normalized local email, or ""
func (u *UserRecord) Email() string {
	if u == nil || u.Local == nil {
		return ""
	}
	return u.Local.Email
}

// SameIdentity reports whether two records denote the same account by
// internal id or API key
func (u *UserRecord) SameIdentity(other *UserRecord) bool {
	if u == nil || other == nil {
		return false
	}
	if u.ID != "" && u.ID == other.ID {
		return true
	}
	return u.APIKey != "" && u.APIKey == other.APIKey
}

// Clone returns a deep copy
func (u *UserRecord) Clone() *UserRecord {
	if u == nil {
		return nil
	}
	c := *u
	if u.Local != nil {
		local := *u.Local
		c.Local = &local
	}
	for _, p := range Providers {
		if link := u.Link(p); link != nil {
			l := *link
			c.SetLink(p, &l)
		}
	}
	return &c
}

// Sanitize returns a copy safe to hand to callers, with the password hash removed
func (u *UserRecord) Sanitize() *UserRecord {
	c := u.Clone()
	if c != nil && c.Local != nil {
		c.Local.PasswordHash = ""
	}
	return c
}

// NormalizeEmail trims and lower-cases an email address
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
