// Package accounts persists the fleet's managed accounts: login
// credentials, per-account transport identity, and the last known
// session tokens written back by the auth coordinator.
package accounts

import (
	"time"

	"github.com/skyfleet-io/skyfleet/social"
)

// Account is one managed account owned by a tenant.
type Account struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	// Login identity.
	Identifier string `json:"identifier"` // handle or email used for password logins
	Password   string `json:"-"`

	// Grouping for bulk dispatch ("warmup", "primary", ...).
	Category string `json:"category,omitempty"`

	// Per-account transport identity.
	Proxy     string `json:"proxy,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
	Endpoint  string `json:"endpoint,omitempty"`

	// Last known session state, maintained by the auth coordinator.
	DID          string `json:"did,omitempty"`
	Handle       string `json:"handle,omitempty"`
	Email        string `json:"email,omitempty"`
	AccessToken  string `json:"-"`
	RefreshToken string `json:"-"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Metadata converts the account to the social layer's client inputs.
func (a *Account) Metadata() social.AccountMetadata {
	return social.AccountMetadata{
		AccountID: a.ID,
		Password:  a.Password,
		Proxy:     a.Proxy,
		UserAgent: a.UserAgent,
		Endpoint:  a.Endpoint,
	}
}

// SessionData returns the stored session, or nil when the account has
// never authenticated.
func (a *Account) SessionData() *social.SessionData {
	if a.AccessToken == "" && a.RefreshToken == "" {
		return nil
	}
	return &social.SessionData{
		DID:          a.DID,
		Handle:       a.Handle,
		Email:        a.Email,
		AccessToken:  a.AccessToken,
		RefreshToken: a.RefreshToken,
	}
}
