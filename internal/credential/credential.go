// Package credential owns mailbox OAuth credentials: sealing at rest,
// refresh under a per-connection lease, and change-subscription renewal.
package credential

import (
	"time"

	"golang.org/x/oauth2"
)

// ExpirySkew is how early an access token is treated as expired.
const ExpirySkew = 60 * time.Second

// Credential is an immutable snapshot of a connection's OAuth tokens.
// Callers receive copies; nothing mutates a Credential in place.
type Credential struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Expiry       time.Time
	Scopes       []string
}

// Expired reports whether the access token is unusable at now.
func (c Credential) Expired(now time.Time) bool {
	if c.AccessToken == "" {
		return true
	}
	if c.Expiry.IsZero() {
		return false
	}
	return !now.Add(ExpirySkew).Before(c.Expiry)
}

// token converts to the oauth2 form used for refresh.
func (c Credential) token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    c.TokenType,
		Expiry:       c.Expiry,
	}
}

// withToken returns a copy of c updated from a refreshed token. The refresh
// token is kept unless the provider rotated it.
func (c Credential) withToken(tok *oauth2.Token) Credential {
	next := c
	next.AccessToken = tok.AccessToken
	next.Expiry = tok.Expiry
	if tok.TokenType != "" {
		next.TokenType = tok.TokenType
	}
	if tok.RefreshToken != "" {
		next.RefreshToken = tok.RefreshToken
	}
	next.Scopes = append([]string(nil), c.Scopes...)
	return next
}
