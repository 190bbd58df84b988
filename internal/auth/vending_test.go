package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcpgateway-go/internal/gwerr"
	"mcpgateway-go/internal/storage"
)

func newTestVendor(t *testing.T) (*Vendor, *SessionManager, *storage.BoltDB) {
	t.Helper()
	db, err := storage.NewBoltDB(t.TempDir(), zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	session := NewSessionManager(testSecret, 30*time.Minute, false)
	return NewVendor(session, db, zap.NewNop()), session, db
}

func vendingPrincipal() *Principal {
	return &Principal{
		ID:     "alice",
		Type:   PrincipalUser,
		Groups: []string{"mcp-servers-time/read", "mcp-servers-time/execute"},
		Idp:    IdpCognito,
	}
}

func TestVendAllScopesByDefault(t *testing.T) {
	vendor, session, _ := newTestVendor(t)

	res, err := vendor.Vend(vendingPrincipal(), "ci token", 2, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2*3600), res.ExpiresIn)
	assert.Equal(t, []string{"mcp-servers-time/read", "mcp-servers-time/execute"}, res.Scopes)

	principal, jti, err := session.Verify(res.AccessToken, TokenUseVended)
	require.NoError(t, err)
	assert.NotEmpty(t, jti)
	assert.Equal(t, "alice", principal.ID)
	assert.Equal(t, res.Scopes, principal.Groups)
}

func TestVendSubsetOnly(t *testing.T) {
	vendor, _, _ := newTestVendor(t)

	res, err := vendor.Vend(vendingPrincipal(), "", 1, []string{"mcp-servers-time/read"})
	require.NoError(t, err)
	assert.Equal(t, []string{"mcp-servers-time/read"}, res.Scopes)

	_, err = vendor.Vend(vendingPrincipal(), "", 1, []string{"mcp-servers-unrestricted/execute"})
	require.ErrorIs(t, err, gwerr.ErrValidation)
}

func TestVendLifetimeBounds(t *testing.T) {
	vendor, _, _ := newTestVendor(t)

	for _, hours := range []int{0, -1, 25} {
		_, err := vendor.Vend(vendingPrincipal(), "", hours, nil)
		require.ErrorIs(t, err, gwerr.ErrValidation, "hours=%d", hours)
	}
	_, err := vendor.Vend(vendingPrincipal(), "", 24, nil)
	require.NoError(t, err)
}

func TestVendRecordsAndRevokes(t *testing.T) {
	vendor, session, db := newTestVendor(t)

	res, err := vendor.Vend(vendingPrincipal(), "to be revoked", 1, nil)
	require.NoError(t, err)

	_, jti, err := session.Verify(res.AccessToken, TokenUseVended)
	require.NoError(t, err)

	records, err := vendor.List("alice")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, jti, records[0].ID)
	assert.Equal(t, "to be revoked", records[0].Description)
	assert.False(t, records[0].Revoked)

	require.NoError(t, vendor.Revoke(jti))
	rec, err := db.GetVendedToken(jti)
	require.NoError(t, err)
	assert.True(t, rec.Revoked)
}
