package kb

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// UpdateSessionToken installs the session token used by subsequent requests.
// An empty token clears it. Requests already in flight keep the headers they
// were built with. The API key, when configured, still takes priority.
//
// It is meant to be called from the identity provider's change callback and
// may be called at any time, from any goroutine.
func (c *Client) UpdateSessionToken(token string) {
	c.storeSessionToken(token)

	if token == "" {
		c.logger.Debug().Msg("Session token cleared")
		return
	}

	evt := c.logger.Debug()
	if exp, ok := tokenExpiry(token); ok {
		if time.Now().After(exp) {
			evt = c.logger.Warn()
		}
		evt = evt.Time("expires_at", exp)
	}
	evt.Bool("api_key_precedence", c.apiKey != "").Msg("Session token updated")
}

// SessionToken returns the current session token, or "" when absent.
func (c *Client) SessionToken() string {
	if p := c.sessionToken.Load(); p != nil {
		return *p
	}
	return ""
}

func (c *Client) storeSessionToken(token string) {
	if token == "" {
		c.sessionToken.Store(nil)
		return
	}
	c.sessionToken.Store(&token)
}

// tokenExpiry reads the exp claim of a JWT without verifying it. The client
// never trusts these claims; they are only logged.
func tokenExpiry(token string) (time.Time, bool) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
