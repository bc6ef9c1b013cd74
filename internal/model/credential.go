package model

import (
	"time"

	"golang.org/x/oauth2"
)

// DefaultSafetyMargin is how long before its literal expiry a token is
// considered expired.
const DefaultSafetyMargin = 60 * time.Second

// Credential is an OAuth token pair for a connected mail account.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// IsZero reports whether the credential holds no token at all.
func (c Credential) IsZero() bool {
	return c.AccessToken == "" && c.RefreshToken == ""
}

// Valid reports whether the access token can still be used at now.
// A zero ExpiresAt means the provider did not report an expiry.
func (c Credential) Valid(now time.Time, margin time.Duration) bool {
	if c.AccessToken == "" {
		return false
	}
	if c.ExpiresAt.IsZero() {
		return true
	}
	return now.Before(c.ExpiresAt.Add(-margin))
}

// Token converts the credential into an oauth2 token.
func (c Credential) Token() *oauth2.Token {
	tokenType := c.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    tokenType,
		Expiry:       c.ExpiresAt,
	}
}

// CredentialFromToken converts an oauth2 token into a Credential.
func CredentialFromToken(t *oauth2.Token) Credential {
	if t == nil {
		return Credential{}
	}
	return Credential{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
		ExpiresAt:    t.Expiry,
	}
}
