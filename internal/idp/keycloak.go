package idp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2/clientcredentials"

	"mcpgateway-go/internal/gwerr"
)

const keycloakRequestTimeout = 10 * time.Second

// Keycloak drives the realm admin REST API using a confidential admin
// client's client-credentials grant.
type Keycloak struct {
	baseURL  string // https://kc.example.com/admin/realms/<realm>
	tokenURL string
	client   *http.Client
	logger   *zap.Logger
}

// NewKeycloak builds the driver. adminClientID must hold the realm's
// manage-users and manage-clients roles.
func NewKeycloak(serverURL, realm, adminClientID, adminClientSecret string, logger *zap.Logger) *Keycloak {
	base := strings.TrimSuffix(serverURL, "/")
	cc := clientcredentials.Config{
		ClientID:     adminClientID,
		ClientSecret: adminClientSecret,
		TokenURL:     base + "/realms/" + realm + "/protocol/openid-connect/token",
	}
	httpClient := cc.Client(context.Background())
	httpClient.Timeout = keycloakRequestTimeout

	return &Keycloak{
		baseURL:  base + "/admin/realms/" + realm,
		tokenURL: cc.TokenURL,
		client:   httpClient,
		logger:   logger.Named("keycloak-admin"),
	}
}

// Name identifies the provider.
func (k *Keycloak) Name() string { return "keycloak" }

type keycloakGroup struct {
	ID         string              `json:"id,omitempty"`
	Name       string              `json:"name"`
	Attributes map[string][]string `json:"attributes,omitempty"`
}

type keycloakClient struct {
	ID                     string `json:"id,omitempty"`
	ClientID               string `json:"clientId"`
	Description            string `json:"description,omitempty"`
	ServiceAccountsEnabled bool   `json:"serviceAccountsEnabled"`
	PublicClient           bool   `json:"publicClient"`
	StandardFlowEnabled    bool   `json:"standardFlowEnabled"`
}

// CreateGroup creates a realm group; an existing group of the same name is
// treated as success.
func (k *Keycloak) CreateGroup(ctx context.Context, name, description string) error {
	group := keycloakGroup{Name: name}
	if description != "" {
		group.Attributes = map[string][]string{"description": {description}}
	}
	status, _, err := k.do(ctx, http.MethodPost, "/groups", group)
	if err != nil {
		return err
	}
	if status == http.StatusConflict {
		return nil
	}
	if status != http.StatusCreated {
		return gwerr.Upstreamf("keycloak group create returned status %d", status)
	}
	return nil
}

// DeleteGroup removes the realm group by name. Missing groups succeed.
func (k *Keycloak) DeleteGroup(ctx context.Context, name string) error {
	group, err := k.findGroup(ctx, name)
	if err != nil {
		return err
	}
	if group == nil {
		return nil
	}
	status, _, err := k.do(ctx, http.MethodDelete, "/groups/"+group.ID, nil)
	if err != nil {
		return err
	}
	if status != http.StatusNoContent && status != http.StatusNotFound {
		return gwerr.Upstreamf("keycloak group delete returned status %d", status)
	}
	return nil
}

// ListGroups returns every realm group.
func (k *Keycloak) ListGroups(ctx context.Context) ([]Group, error) {
	status, body, err := k.do(ctx, http.MethodGet, "/groups?briefRepresentation=false", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, gwerr.Upstreamf("keycloak group list returned status %d", status)
	}

	var raw []keycloakGroup
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, gwerr.Upstreamf("failed to decode keycloak groups: %v", err)
	}
	out := make([]Group, 0, len(raw))
	for _, g := range raw {
		group := Group{ID: g.ID, Name: g.Name}
		if desc := g.Attributes["description"]; len(desc) > 0 {
			group.Description = desc[0]
		}
		out = append(out, group)
	}
	return out, nil
}

// CreateServiceAccount provisions a confidential client with service
// accounts enabled, joins its service-account user to the groups, and
// returns the generated secret.
func (k *Keycloak) CreateServiceAccount(ctx context.Context, name string, groups []string, description string) (*ServiceAccount, error) {
	spec := keycloakClient{
		ClientID:               name,
		Description:            description,
		ServiceAccountsEnabled: true,
	}
	status, _, err := k.do(ctx, http.MethodPost, "/clients", spec)
	if err != nil {
		return nil, err
	}
	if status != http.StatusCreated && status != http.StatusConflict {
		return nil, gwerr.Upstreamf("keycloak client create returned status %d", status)
	}

	created, err := k.findClient(ctx, name)
	if err != nil {
		return nil, err
	}
	if created == nil {
		return nil, gwerr.Upstreamf("keycloak client %s not found after create", name)
	}

	secret, err := k.clientSecret(ctx, created.ID)
	if err != nil {
		return nil, err
	}

	if err := k.joinServiceAccountToGroups(ctx, created.ID, groups); err != nil {
		return nil, err
	}

	k.logger.Info("provisioned service account",
		zap.String("client_id", name),
		zap.Int("groups", len(groups)))
	return &ServiceAccount{ID: created.ID, ClientID: name, Secret: secret}, nil
}

// MintToken performs a client-credentials exchange on behalf of a freshly
// provisioned service account.
func (k *Keycloak) MintToken(ctx context.Context, clientID, clientSecret string) (*InitialToken, error) {
	cc := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     k.tokenURL,
	}
	tok, err := cc.Token(ctx)
	if err != nil {
		return nil, gwerr.Upstreamf("keycloak token mint failed: %v", err)
	}
	return &InitialToken{
		AccessToken: tok.AccessToken,
		ExpiresIn:   int64(time.Until(tok.Expiry).Seconds()),
	}, nil
}

func (k *Keycloak) findGroup(ctx context.Context, name string) (*keycloakGroup, error) {
	path := "/groups?exact=true&search=" + url.QueryEscape(name)
	status, body, err := k.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, gwerr.Upstreamf("keycloak group search returned status %d", status)
	}
	var groups []keycloakGroup
	if err := json.Unmarshal(body, &groups); err != nil {
		return nil, gwerr.Upstreamf("failed to decode keycloak group search: %v", err)
	}
	for i := range groups {
		if groups[i].Name == name {
			return &groups[i], nil
		}
	}
	return nil, nil
}

func (k *Keycloak) findClient(ctx context.Context, clientID string) (*keycloakClient, error) {
	path := "/clients?clientId=" + url.QueryEscape(clientID)
	status, body, err := k.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, gwerr.Upstreamf("keycloak client search returned status %d", status)
	}
	var clients []keycloakClient
	if err := json.Unmarshal(body, &clients); err != nil {
		return nil, gwerr.Upstreamf("failed to decode keycloak client search: %v", err)
	}
	for i := range clients {
		if clients[i].ClientID == clientID {
			return &clients[i], nil
		}
	}
	return nil, nil
}

func (k *Keycloak) clientSecret(ctx context.Context, id string) (string, error) {
	status, body, err := k.do(ctx, http.MethodGet, "/clients/"+id+"/client-secret", nil)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", gwerr.Upstreamf("keycloak client-secret returned status %d", status)
	}
	var payload struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", gwerr.Upstreamf("failed to decode keycloak client secret: %v", err)
	}
	return payload.Value, nil
}

func (k *Keycloak) joinServiceAccountToGroups(ctx context.Context, clientID string, groups []string) error {
	if len(groups) == 0 {
		return nil
	}

	status, body, err := k.do(ctx, http.MethodGet, "/clients/"+clientID+"/service-account-user", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return gwerr.Upstreamf("keycloak service-account-user returned status %d", status)
	}
	var user struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &user); err != nil {
		return gwerr.Upstreamf("failed to decode service-account user: %v", err)
	}

	for _, groupName := range groups {
		group, err := k.findGroup(ctx, groupName)
		if err != nil {
			return err
		}
		if group == nil {
			return gwerr.NotFoundf("keycloak group %q not found", groupName)
		}
		status, _, err := k.do(ctx, http.MethodPut, "/users/"+user.ID+"/groups/"+group.ID, nil)
		if err != nil {
			return err
		}
		if status != http.StatusNoContent {
			return gwerr.Upstreamf("keycloak group join returned status %d", status)
		}
	}
	return nil
}

func (k *Keycloak) do(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	var reqBody io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal keycloak request: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, k.baseURL+path, reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create keycloak request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := k.client.Do(req)
	if err != nil {
		return 0, nil, gwerr.Upstreamf("keycloak request failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, gwerr.Upstreamf("failed to read keycloak response: %v", err)
	}
	return resp.StatusCode, body, nil
}
