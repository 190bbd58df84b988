// Package groups keeps the scope policy's group set and the identity
// provider's group set aligned. Mutations run IdP-first with rollback on
// policy failure; failures that leave the two sides disagreeing are recorded
// as drift and surfaced on listing until a later operation reconciles them.
package groups

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"mcpgateway-go/internal/gwerr"
	"mcpgateway-go/internal/idp"
	"mcpgateway-go/internal/scopes"
	"mcpgateway-go/internal/secret"
)

const maxIdpAttempts = 5

// Group sync states reported by List.
const (
	StateSynchronized = "synchronized"
	StateIdpOnly      = "idp-only"
	StatePolicyOnly   = "policy-only"
)

// GroupStatus is one group's view across both systems.
type GroupStatus struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	State       string `json:"state"`
	Drift       string `json:"drift,omitempty"`
}

// M2MResult is the create_m2m_user response. Secret appears exactly once
// here and is not retrievable afterwards. AccessToken is an initial
// client-credentials token minted for the new account; callers can start
// using it without a first exchange of their own.
type M2MResult struct {
	ClientID    string   `json:"client_id"`
	Secret      string   `json:"client_secret"`
	Groups      []string `json:"groups"`
	SecretRef   string   `json:"secret_ref,omitempty"`
	AccessToken string   `json:"access_token,omitempty"`
	ExpiresIn   int64    `json:"expires_in,omitempty"`
}

// Sync is the group synchronization engine. provider may be nil, in which
// case operations act on the scope policy alone.
type Sync struct {
	provider idp.IdentityProvider
	scopes   *scopes.Store
	secrets  *secret.Resolver
	logger   *zap.Logger

	mu    sync.Mutex
	drift map[string]string
}

// NewSync wires the engine.
func NewSync(provider idp.IdentityProvider, store *scopes.Store, secrets *secret.Resolver, logger *zap.Logger) *Sync {
	return &Sync{
		provider: provider,
		scopes:   store,
		secrets:  secrets,
		logger:   logger.Named("groups"),
		drift:    make(map[string]string),
	}
}

// retryIdp runs one IdP operation with bounded exponential backoff.
// Validation failures are permanent and abort immediately.
func (s *Sync) retryIdp(ctx context.Context, op func() error) error {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 200 * time.Millisecond

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := op(); err != nil {
			if gwerr.Code(err) == "upstream_error" {
				return struct{}{}, err
			}
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(maxIdpAttempts),
	)
	return err
}

// CreateGroup creates the group in the IdP first, then in the policy. A
// policy failure rolls the IdP creation back.
func (s *Sync) CreateGroup(ctx context.Context, name, description string) error {
	if name == "" {
		return gwerr.Validationf("group name is required")
	}

	if s.provider != nil {
		if err := s.retryIdp(ctx, func() error {
			return s.provider.CreateGroup(ctx, name, description)
		}); err != nil {
			return err
		}
	}

	if err := s.scopes.CreateGroup(name); err != nil {
		if s.provider != nil {
			if rbErr := s.retryIdp(ctx, func() error {
				return s.provider.DeleteGroup(ctx, name)
			}); rbErr != nil {
				s.markDrift(name, fmt.Sprintf("rollback after failed policy create: %v", rbErr))
			}
		}
		return err
	}

	s.clearDrift(name)
	s.logger.Info("group created", zap.String("group", name))
	return nil
}

// DeleteGroup removes the group from the policy first, then the IdP. An IdP
// failure after the policy delete leaves a drift marker.
func (s *Sync) DeleteGroup(ctx context.Context, name string) error {
	if err := s.scopes.DeleteGroup(name); err != nil {
		return err
	}

	if s.provider != nil {
		if err := s.retryIdp(ctx, func() error {
			return s.provider.DeleteGroup(ctx, name)
		}); err != nil {
			s.markDrift(name, fmt.Sprintf("policy deleted but IdP delete failed: %v", err))
			s.logger.Warn("group delete left drift",
				zap.String("group", name), zap.Error(err))
			return nil
		}
	}

	s.clearDrift(name)
	s.logger.Info("group deleted", zap.String("group", name))
	return nil
}

// AddServerToGroups grants the server's standard methods and tools in each
// group. Pure policy mutation, the IdP is not touched.
func (s *Sync) AddServerToGroups(server string, groupNames []string) (*scopes.MembershipResult, error) {
	return s.scopes.AddServerToGroups(server, groupNames)
}

// RemoveServerFromGroups revokes the server from each group.
func (s *Sync) RemoveServerFromGroups(server string, groupNames []string) (*scopes.MembershipResult, error) {
	return s.scopes.RemoveServerFromGroups(server, groupNames)
}

// List joins the IdP's groups with the policy's, reporting per-group sync
// state and any recorded drift.
func (s *Sync) List(ctx context.Context) ([]GroupStatus, error) {
	policyGroups := make(map[string]struct{})
	for _, name := range s.scopes.Snapshot().GroupNames() {
		policyGroups[name] = struct{}{}
	}

	idpGroups := make(map[string]idp.Group)
	if s.provider != nil {
		listed, err := s.provider.ListGroups(ctx)
		if err != nil {
			return nil, err
		}
		for _, g := range listed {
			idpGroups[g.Name] = g
		}
	}

	s.mu.Lock()
	drift := make(map[string]string, len(s.drift))
	for name, reason := range s.drift {
		drift[name] = reason
	}
	s.mu.Unlock()

	names := make(map[string]struct{}, len(policyGroups)+len(idpGroups))
	for name := range policyGroups {
		names[name] = struct{}{}
	}
	for name := range idpGroups {
		names[name] = struct{}{}
	}

	out := make([]GroupStatus, 0, len(names))
	for name := range names {
		status := GroupStatus{Name: name, Drift: drift[name]}
		_, inPolicy := policyGroups[name]
		g, inIdp := idpGroups[name]
		switch {
		case inPolicy && (inIdp || s.provider == nil):
			status.State = StateSynchronized
		case inPolicy:
			status.State = StatePolicyOnly
		default:
			status.State = StateIdpOnly
		}
		status.Description = g.Description
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CreateM2MUser provisions a machine account in the IdP, assigns it to the
// given groups, and stores the credentials in the secret store. The secret
// value is returned exactly once.
func (s *Sync) CreateM2MUser(ctx context.Context, name string, groupNames []string, description string) (*M2MResult, error) {
	if s.provider == nil {
		return nil, gwerr.Validationf("no identity provider configured")
	}
	if name == "" {
		return nil, gwerr.Validationf("account name is required")
	}
	doc := s.scopes.Snapshot()
	for _, g := range groupNames {
		if !doc.HasGroup(g) {
			return nil, gwerr.NotFoundf("group %q not found in scope policy", g)
		}
	}

	var account *idp.ServiceAccount
	if err := s.retryIdp(ctx, func() error {
		created, err := s.provider.CreateServiceAccount(ctx, name, groupNames, description)
		if err != nil {
			return err
		}
		account = created
		return nil
	}); err != nil {
		return nil, err
	}

	result := &M2MResult{
		ClientID: account.ClientID,
		Secret:   account.Secret,
		Groups:   groupNames,
	}

	// Mint an initial access token so the caller can use the account right
	// away. The account itself is already provisioned, so a mint failure is
	// reported but does not fail the operation.
	if err := s.retryIdp(ctx, func() error {
		token, err := s.provider.MintToken(ctx, account.ClientID, account.Secret)
		if err != nil {
			return err
		}
		result.AccessToken = token.AccessToken
		result.ExpiresIn = token.ExpiresIn
		return nil
	}); err != nil {
		s.logger.Warn("failed to mint initial access token",
			zap.String("account", name), zap.Error(err))
	}

	if s.secrets != nil {
		ref := "m2m-" + name
		if err := s.secrets.Store(ref, account.Secret); err != nil {
			s.logger.Warn("failed to store m2m credentials", zap.String("account", name), zap.Error(err))
		} else {
			result.SecretRef = "keyring:" + ref
		}
	}

	s.logger.Info("m2m account created",
		zap.String("account", name),
		zap.Int("groups", len(groupNames)))
	return result, nil
}

func (s *Sync) markDrift(name, reason string) {
	s.mu.Lock()
	s.drift[name] = reason
	s.mu.Unlock()
}

func (s *Sync) clearDrift(name string) {
	s.mu.Lock()
	delete(s.drift, name)
	s.mu.Unlock()
}
