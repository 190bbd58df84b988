package groups

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcpgateway-go/internal/events"
	"mcpgateway-go/internal/gwerr"
	"mcpgateway-go/internal/idp"
	"mcpgateway-go/internal/scopes"
)

// fakeProvider records calls and can fail selected operations.
type fakeProvider struct {
	groups      map[string]string
	failCreate  bool
	failDelete  bool
	createCalls int
	deleteCalls int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{groups: make(map[string]string)}
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) CreateGroup(_ context.Context, name, description string) error {
	f.createCalls++
	if f.failCreate {
		return gwerr.Upstreamf("idp unavailable")
	}
	f.groups[name] = description
	return nil
}

func (f *fakeProvider) DeleteGroup(_ context.Context, name string) error {
	f.deleteCalls++
	if f.failDelete {
		return gwerr.Upstreamf("idp unavailable")
	}
	delete(f.groups, name)
	return nil
}

func (f *fakeProvider) ListGroups(_ context.Context) ([]idp.Group, error) {
	out := make([]idp.Group, 0, len(f.groups))
	for name, desc := range f.groups {
		out = append(out, idp.Group{Name: name, Description: desc})
	}
	return out, nil
}

func (f *fakeProvider) CreateServiceAccount(_ context.Context, name string, _ []string, _ string) (*idp.ServiceAccount, error) {
	return &idp.ServiceAccount{ID: "id-" + name, ClientID: name, Secret: "secret-" + name}, nil
}

func (f *fakeProvider) MintToken(_ context.Context, clientID, _ string) (*idp.InitialToken, error) {
	return &idp.InitialToken{AccessToken: "token-" + clientID, ExpiresIn: 3600}, nil
}

func newTestSync(t *testing.T, provider idp.IdentityProvider) (*Sync, *scopes.Store) {
	t.Helper()
	paths := []string{
		filepath.Join(t.TempDir(), "scopes.yml"),
		filepath.Join(t.TempDir(), "scopes-replica.yml"),
	}
	store, err := scopes.NewStore(paths, events.NewBus(), zap.NewNop())
	require.NoError(t, err)
	return NewSync(provider, store, nil, zap.NewNop()), store
}

func TestCreateGroupSyncsBothSides(t *testing.T) {
	provider := newFakeProvider()
	sync, store := newTestSync(t, provider)

	require.NoError(t, sync.CreateGroup(context.Background(), "mcp-servers-time/read", "time readers"))

	assert.Contains(t, provider.groups, "mcp-servers-time/read")
	assert.True(t, store.Snapshot().HasGroup("mcp-servers-time/read"))

	statuses, err := sync.List(context.Background())
	require.NoError(t, err)
	byName := make(map[string]GroupStatus)
	for _, st := range statuses {
		byName[st.Name] = st
	}
	assert.Equal(t, StateSynchronized, byName["mcp-servers-time/read"].State)
}

func TestCreateGroupRollsBackIdpOnPolicyFailure(t *testing.T) {
	provider := newFakeProvider()
	sync, _ := newTestSync(t, provider)

	// The unrestricted groups already exist in the default policy, so the
	// policy create fails and the IdP create must be rolled back.
	err := sync.CreateGroup(context.Background(), scopes.GroupUnrestrictedRead, "")
	require.Error(t, err)
	assert.NotContains(t, provider.groups, scopes.GroupUnrestrictedRead)
}

func TestDeleteGroupDriftOnIdpFailure(t *testing.T) {
	provider := newFakeProvider()
	sync, store := newTestSync(t, provider)
	require.NoError(t, sync.CreateGroup(context.Background(), "mcp-servers-db/read", ""))

	provider.failDelete = true
	require.NoError(t, sync.DeleteGroup(context.Background(), "mcp-servers-db/read"))
	assert.False(t, store.Snapshot().HasGroup("mcp-servers-db/read"))

	statuses, err := sync.List(context.Background())
	require.NoError(t, err)
	var found *GroupStatus
	for i := range statuses {
		if statuses[i].Name == "mcp-servers-db/read" {
			found = &statuses[i]
		}
	}
	require.NotNil(t, found, "drifted group must stay visible")
	assert.Equal(t, StateIdpOnly, found.State)
	assert.NotEmpty(t, found.Drift)

	// A successful retry clears the marker.
	provider.failDelete = false
	require.NoError(t, sync.DeleteGroup(context.Background(), "mcp-servers-db/read"))
	statuses, err = sync.List(context.Background())
	require.NoError(t, err)
	for _, st := range statuses {
		assert.NotEqual(t, "mcp-servers-db/read", st.Name)
	}
}

func TestCreateGroupRetriesTransientIdpErrors(t *testing.T) {
	provider := newFakeProvider()
	provider.failCreate = true
	sync, _ := newTestSync(t, provider)

	err := sync.CreateGroup(context.Background(), "mcp-servers-x/read", "")
	require.Error(t, err)
	assert.Equal(t, maxIdpAttempts, provider.createCalls)
}

func TestListReportsPolicyOnlyGroups(t *testing.T) {
	provider := newFakeProvider()
	sync, store := newTestSync(t, provider)
	require.NoError(t, store.CreateGroup("policy-side-only"))

	statuses, err := sync.List(context.Background())
	require.NoError(t, err)
	byName := make(map[string]string)
	for _, st := range statuses {
		byName[st.Name] = st.State
	}
	assert.Equal(t, StatePolicyOnly, byName["policy-side-only"])
}

func TestCreateM2MUserRequiresKnownGroups(t *testing.T) {
	provider := newFakeProvider()
	sync, _ := newTestSync(t, provider)
	require.NoError(t, sync.CreateGroup(context.Background(), "mcp-servers-time/read", ""))

	res, err := sync.CreateM2MUser(context.Background(), "ci-agent", []string{"mcp-servers-time/read"}, "ci")
	require.NoError(t, err)
	assert.Equal(t, "ci-agent", res.ClientID)
	assert.Equal(t, "secret-ci-agent", res.Secret)
	assert.Equal(t, "token-ci-agent", res.AccessToken, "initial token is minted with the new credentials")
	assert.EqualValues(t, 3600, res.ExpiresIn)

	_, err = sync.CreateM2MUser(context.Background(), "ci-agent", []string{"nonexistent"}, "")
	require.ErrorIs(t, err, gwerr.ErrNotFound)
}

func TestMembershipDelegatesToPolicy(t *testing.T) {
	sync, store := newTestSync(t, nil)
	require.NoError(t, store.CreateGroup("mcp-servers-time/read"))

	res, err := sync.AddServerToGroups("currenttime", []string{"mcp-servers-time/read"})
	require.NoError(t, err)
	require.NotNil(t, res)

	perms := store.Snapshot().Groups["mcp-servers-time/read"]
	require.NotEmpty(t, perms)
	assert.Equal(t, "currenttime", perms[0].Server)
}
