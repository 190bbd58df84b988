// Package auth is the gateway's authorization plane: credential validators
// for Cognito, Keycloak, and self-issued HMAC tokens, the scope-matching
// authorizer behind /validate, the browser login flow, and token vending.
package auth

import "strings"

// Principal types.
const (
	PrincipalUser           = "user"
	PrincipalServiceAccount = "service-account"
)

// Credential sources.
const (
	SourceSession             = "session"
	SourceIngressHeader       = "ingress-header"
	SourceAuthorizationBearer = "authorization-bearer"
)

// Identity providers.
const (
	IdpCognito  = "cognito"
	IdpKeycloak = "keycloak"
	// IdpGateway marks self-issued credentials: session cookies and vended
	// tokens signed with the gateway secret.
	IdpGateway = "gateway"
)

// Principal is an authenticated caller.
type Principal struct {
	ID     string   `json:"id"`
	Type   string   `json:"type"`
	Groups []string `json:"groups"`
	Source string   `json:"source"`
	Idp    string   `json:"idp"`
}

// GroupsHeader renders the groups for the X-Principal-Groups header.
func (p *Principal) GroupsHeader() string {
	return strings.Join(p.Groups, ",")
}
