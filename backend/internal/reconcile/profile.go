package reconcile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"
	"identity-hub/backend/internal/identity"
)

// Profile is the provider-neutral view of a verified provider profile
type Profile struct {
	ID          string
	DisplayName string
	Email       string
}

func (p Profile) link() *identity.ProviderLink {
	return &identity.ProviderLink{ID: p.ID, DisplayName: p.DisplayName, Email: p.Email}
}

// adapter picks the id, display name and email out of one provider's payload
type adapter struct {
	id          []string
	displayName []string
	email       []string
}

// Field names follow the profile shapes each provider's login flow hands over:
// passport-style {id, displayName, emails[]}, OIDC claims and raw API users.
var adapters = map[identity.Provider]adapter{
	identity.ProviderFacebook: {
		id:          []string{"id"},
		displayName: []string{"displayName", "name"},
		email:       []string{"email"},
	},
	identity.ProviderGoogle: {
		id:          []string{"id", "sub"},
		displayName: []string{"displayName", "name"},
		email:       []string{"email"},
	},
	identity.ProviderTwitter: {
		id:          []string{"id_str", "id"},
		displayName: []string{"displayName", "name", "screen_name", "username"},
		email:       []string{"email"},
	},
	identity.ProviderDiscord: {
		id:          []string{"id"},
		displayName: []string{"global_name", "username"},
		email:       []string{"email"},
	},
}

// ProfileFrom adapts a decoded provider payload. Numeric ids are accepted
// as json.Number to keep 64-bit ids exact.
func ProfileFrom(provider identity.Provider, raw map[string]interface{}) (Profile, error) {
	a, ok := adapters[provider]
	if !ok {
		return Profile{}, fmt.Errorf("unknown provider: %q", provider)
	}
	p := Profile{
		ID:          firstString(raw, a.id),
		DisplayName: firstString(raw, a.displayName),
		Email:       firstString(raw, a.email),
	}
	if p.Email == "" {
		p.Email = firstEmail(raw["emails"])
	}
	if p.ID == "" {
		return Profile{}, fmt.Errorf("%s profile has no id", provider)
	}
	return p, nil
}

// ProfileFromDiscord adapts a Discord user object
func ProfileFromDiscord(u *discordgo.User) Profile {
	if u == nil {
		return Profile{}
	}
	name := u.GlobalName
	if name == "" {
		name = u.Username
	}
	return Profile{ID: u.ID, DisplayName: name, Email: u.Email}
}

// DecodeProfile adapts a raw JSON profile for provider
func DecodeProfile(provider identity.Provider, data []byte) (Profile, error) {
	if provider == identity.ProviderDiscord {
		var u discordgo.User
		if err := json.Unmarshal(data, &u); err != nil {
			return Profile{}, fmt.Errorf("decode discord profile: %w", err)
		}
		p := ProfileFromDiscord(&u)
		if p.ID == "" {
			return Profile{}, fmt.Errorf("%s profile has no id", provider)
		}
		return p, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]interface{}
	if err := dec.Decode(&raw); err != nil {
		return Profile{}, fmt.Errorf("decode %s profile: %w", provider, err)
	}
	return ProfileFrom(provider, raw)
}

func firstString(raw map[string]interface{}, keys []string) string {
	for _, key := range keys {
		switch v := raw[key].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case json.Number:
			return v.String()
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case int64:
			return strconv.FormatInt(v, 10)
		}
	}
	return ""
}

// firstEmail reads passport's emails: [{value: ...}]
func firstEmail(v interface{}) string {
	list, ok := v.([]interface{})
	if !ok {
		return ""
	}
	for _, item := range list {
		if m, ok := item.(map[string]interface{}); ok {
			if s, ok := m["value"].(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}
