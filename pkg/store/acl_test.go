package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entdb/entdb/pkg/types"
)

func TestParsePrincipal(t *testing.T) {
	p, err := ParsePrincipal("user:42")
	require.NoError(t, err)
	assert.Equal(t, "user", p.Type)
	assert.Equal(t, "42", p.ID)
	assert.Equal(t, "user:42", p.String())

	_, err = ParsePrincipal("no-colon")
	assert.Error(t, err)

	_, err = ParsePrincipal("robot:1")
	assert.Error(t, err)
}

func TestPrincipalMatches(t *testing.T) {
	p, _ := ParsePrincipal("user:alice")
	assert.True(t, p.Matches("user:alice"))
	assert.False(t, p.Matches("user:bob"))

	wildcard, _ := ParsePrincipal("tenant:*")
	assert.True(t, wildcard.Matches("user:anyone"))

	// Roles match exactly; no membership lookup.
	role, _ := ParsePrincipal("role:admin")
	assert.True(t, role.Matches("role:admin"))
	assert.False(t, role.Matches("user:alice"))
}

func TestCheckPermissionOwner(t *testing.T) {
	// Owner needs no ACL entry.
	assert.True(t, CheckPermission("user:owner", nil, types.PermissionAdmin, "user:owner"))
}

func TestCheckPermissionHierarchy(t *testing.T) {
	acl := []types.ACLEntry{{Principal: "user:bob", Permission: types.PermissionWrite}}

	assert.True(t, CheckPermission("user:bob", acl, types.PermissionRead, "user:owner"))
	assert.True(t, CheckPermission("user:bob", acl, types.PermissionWrite, "user:owner"))
	assert.False(t, CheckPermission("user:bob", acl, types.PermissionDelete, "user:owner"))
	assert.False(t, CheckPermission("user:bob", acl, types.PermissionAdmin, "user:owner"))
	assert.False(t, CheckPermission("user:carol", acl, types.PermissionRead, "user:owner"))
}

func TestCheckPermissionTenantWildcard(t *testing.T) {
	acl := []types.ACLEntry{{Principal: "tenant:*", Permission: types.PermissionRead}}

	assert.True(t, CheckPermission("user:anyone", acl, types.PermissionRead, "user:owner"))
	assert.False(t, CheckPermission("user:anyone", acl, types.PermissionWrite, "user:owner"))
}

func TestCheckPermissionSkipsMalformedEntries(t *testing.T) {
	acl := []types.ACLEntry{
		{Principal: "garbage", Permission: types.PermissionAdmin},
		{Principal: "user:bob", Permission: types.PermissionRead},
	}
	assert.True(t, CheckPermission("user:bob", acl, types.PermissionRead, "user:owner"))
	assert.False(t, CheckPermission("garbage", acl, types.PermissionRead, "user:owner"))
}

func TestExtractPrincipals(t *testing.T) {
	acl := []types.ACLEntry{
		{Principal: "user:bob", Permission: types.PermissionRead},
		{Principal: "role:admin", Permission: types.PermissionAdmin},
		{Principal: "", Permission: types.PermissionRead},
	}
	got := ExtractPrincipals(acl, "user:owner")
	assert.Len(t, got, 3)
	assert.Contains(t, got, "user:owner")
	assert.Contains(t, got, "user:bob")
	assert.Contains(t, got, "role:admin")
}

func TestMergeACLs(t *testing.T) {
	base := []types.ACLEntry{
		{Principal: "user:bob", Permission: types.PermissionRead},
		{Principal: "user:carol", Permission: types.PermissionRead},
	}
	extra := []types.ACLEntry{
		{Principal: "user:bob", Permission: types.PermissionAdmin},
		{Principal: "group:eng", Permission: types.PermissionWrite},
	}

	merged := MergeACLs(base, extra)
	require.Len(t, merged, 3)

	byPrincipal := make(map[string]types.Permission)
	for _, e := range merged {
		byPrincipal[e.Principal] = e.Permission
	}
	assert.Equal(t, types.PermissionAdmin, byPrincipal["user:bob"])
	assert.Equal(t, types.PermissionRead, byPrincipal["user:carol"])
	assert.Equal(t, types.PermissionWrite, byPrincipal["group:eng"])
}

func TestValidateACL(t *testing.T) {
	assert.Empty(t, ValidateACL([]types.ACLEntry{
		{Principal: "user:bob", Permission: types.PermissionRead},
		{Principal: "tenant:*", Permission: types.PermissionRead},
	}))

	errs := ValidateACL([]types.ACLEntry{
		{Principal: "", Permission: types.PermissionRead},
		{Principal: "user:bob", Permission: "banana"},
		{Principal: "badformat", Permission: ""},
	})
	assert.Len(t, errs, 4)
}

func TestDefaultACL(t *testing.T) {
	acl := DefaultACL("user:owner", false)
	require.Len(t, acl, 1)
	assert.Equal(t, types.PermissionAdmin, acl[0].Permission)

	acl = DefaultACL("user:owner", true)
	require.Len(t, acl, 2)
	assert.Equal(t, "tenant:*", acl[1].Principal)
	assert.Equal(t, types.PermissionRead, acl[1].Permission)
}
