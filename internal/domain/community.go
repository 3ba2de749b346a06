package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Platform is the closed set of supported external platforms.
type Platform string

const (
	PlatformVK       Platform = "vk"
	PlatformTelegram Platform = "telegram"
)

// Platforms lists every supported platform.
var Platforms = []Platform{PlatformVK, PlatformTelegram}

// Valid reports whether p is a known platform.
func (p Platform) Valid() bool {
	switch p {
	case PlatformVK, PlatformTelegram:
		return true
	}
	return false
}

// CredentialKind describes the credential shape a platform uses.
type CredentialKind string

const (
	// CredentialOAuth is an access token with an optional refresh token and expiry.
	CredentialOAuth CredentialKind = "oauth"
	// CredentialBot is a long-lived bot token that never expires.
	CredentialBot CredentialKind = "bot"
)

// CredentialKind returns the credential shape used by the platform.
func (p Platform) CredentialKind() CredentialKind {
	if p == PlatformTelegram {
		return CredentialBot
	}
	return CredentialOAuth
}

// VKTokenLifetime is the lifetime of a freshly issued VK user token.
const VKTokenLifetime = 24 * time.Hour

// Community is a user's connected external account. Token fields hold
// ciphertext produced by the credential codec.
type Community struct {
	ID                    uuid.UUID  `json:"id"`
	UserID                uuid.UUID  `json:"user_id"`
	Platform              Platform   `json:"platform"`
	ExternalID            string     `json:"external_id"`
	Name                  string     `json:"name"`
	AccessTokenEncrypted  string     `json:"-"`
	RefreshTokenEncrypted string     `json:"-"`
	BotTokenEncrypted     string     `json:"-"`
	TokenExpiresAt        *time.Time `json:"token_expires_at,omitempty"`
	CredentialVersion     int64      `json:"-"`
	IsActive              bool       `json:"is_active"`
	LastSyncAt            *time.Time `json:"last_sync_at,omitempty"`
	DeletedAt             *time.Time `json:"deleted_at,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// Usable reports whether the community may be published to.
func (c *Community) Usable() bool {
	return c.IsActive && c.DeletedAt == nil
}

// Credential is decrypted credential material. It only lives for the
// duration of a publish or refresh call.
type Credential struct {
	Kind         CredentialKind
	AccessToken  string
	RefreshToken string
	BotToken     string
	ExpiresAt    *time.Time
}

// String never prints token material.
func (c Credential) String() string {
	exp := "never"
	if c.ExpiresAt != nil {
		exp = c.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf("Credential{kind=%s expires=%s}", c.Kind, exp)
}

// GoString keeps %#v from leaking tokens.
func (c Credential) GoString() string { return c.String() }

// Refreshable reports whether the credential carries a refresh token.
func (c Credential) Refreshable() bool {
	return c.Kind == CredentialOAuth && c.RefreshToken != ""
}

// ExpiresWithin reports whether the credential expires before now+margin.
// Credentials without an expiry never do.
func (c Credential) ExpiresWithin(now time.Time, margin time.Duration) bool {
	if c.Kind == CredentialBot || c.ExpiresAt == nil {
		return false
	}
	return !c.ExpiresAt.After(now.Add(margin))
}

// Expired reports whether the credential is already past its expiry.
func (c Credential) Expired(now time.Time) bool {
	return c.ExpiresWithin(now, 0)
}

// ValidateFor checks the credential shape against the platform.
func (c Credential) ValidateFor(p Platform) error {
	switch p.CredentialKind() {
	case CredentialBot:
		if c.BotToken == "" {
			return fmt.Errorf("%s community has no bot token", p)
		}
		if c.AccessToken != "" || c.RefreshToken != "" {
			return fmt.Errorf("%s community must not carry access or refresh tokens", p)
		}
	case CredentialOAuth:
		if c.AccessToken == "" {
			return fmt.Errorf("%s community has no access token", p)
		}
		if c.BotToken != "" {
			return fmt.Errorf("%s community must not carry a bot token", p)
		}
	}
	return nil
}
