package models

import "time"

// LoginToken is one live persistent-login credential for a device series.
// The raw secret is never stored; only its hash survives the request that
// created it. Rotation replaces the row wholesale, it is never updated in
// place.
type LoginToken struct {
	ID            string    `db:"id" json:"id"`
	UserID        string    `db:"user_id" json:"user_id"`
	Series        string    `db:"series" json:"series"`
	TokenHash     string    `db:"token_hash" json:"-"`
	Browser       string    `db:"browser" json:"browser"`
	Platform      string    `db:"platform" json:"platform"`
	LastSessionID string    `db:"last_session_id" json:"-"`
	Expires       time.Time `db:"expires" json:"expires"`
	LastLogin     time.Time `db:"last_login" json:"last_login"`
}

// Expired reports whether the token is past its expiry at the given instant.
func (t *LoginToken) Expired(now time.Time) bool {
	return !t.Expires.After(now)
}

// DeviceInfo is the public view of a login token for the devices endpoint.
type DeviceInfo struct {
	Series    string    `json:"series"`
	Browser   string    `json:"browser"`
	Platform  string    `json:"platform"`
	Current   bool      `json:"current"`
	Expires   time.Time `json:"expires"`
	LastLogin time.Time `json:"last_login"`
}
