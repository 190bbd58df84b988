// Package idp drives the identity provider's administration surface: group
// CRUD and machine-account provisioning against Keycloak or Cognito.
package idp

import "context"

// Group is an IdP-side group.
type Group struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ServiceAccount is a provisioned machine identity. Secret is populated only
// at creation time and is not retrievable afterwards.
type ServiceAccount struct {
	ID       string `json:"id"`
	ClientID string `json:"client_id"`
	Secret   string `json:"-"`
}

// InitialToken is a client-credentials access token minted for a freshly
// provisioned service account.
type InitialToken struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// IdentityProvider is the admin surface the group sync engine drives. All
// operations are idempotent: creating an existing group or deleting a
// missing one succeeds.
type IdentityProvider interface {
	Name() string
	CreateGroup(ctx context.Context, name, description string) error
	DeleteGroup(ctx context.Context, name string) error
	ListGroups(ctx context.Context) ([]Group, error)
	CreateServiceAccount(ctx context.Context, name string, groups []string, description string) (*ServiceAccount, error)
	MintToken(ctx context.Context, clientID, clientSecret string) (*InitialToken, error)
}
