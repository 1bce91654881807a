package model

import "time"

// Claim is a single identity claim. Claims keep the order in which the
// identity provider issued them and a type may repeat.
type Claim struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Session is the server-side record behind a browser session cookie.
// The gateway only reads sessions; they are written by the sign-in flow.
type Session struct {
	ID                   string
	Scheme               string
	Claims               []Claim
	AccessToken          string
	AccessTokenExpiresAt time.Time // zero when the provider did not report one
	IssuedAt             time.Time
	ExpiresAt            time.Time
}

// Expired reports whether the session itself (not its access token) has
// expired at now. A zero ExpiresAt never expires.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// ClaimValues returns every value of claim type t in issue order.
func (s *Session) ClaimValues(t string) []string {
	var out []string
	for _, c := range s.Claims {
		if c.Type == t {
			out = append(out, c.Value)
		}
	}
	return out
}

// Subject returns the first "sub" claim, or empty string.
func (s *Session) Subject() string {
	if v := s.ClaimValues("sub"); len(v) > 0 {
		return v[0]
	}
	return ""
}
