package store

import (
	"fmt"
	"strings"

	"github.com/entdb/entdb/pkg/types"
)

// Principal is a parsed access control subject. The wire form is
// "type:id", e.g. "user:42", "role:admin", "tenant:*".
type Principal struct {
	Type string
	ID   string
}

var principalTypes = map[string]struct{}{
	"user":   {},
	"role":   {},
	"group":  {},
	"tenant": {},
	"system": {},
}

// ParsePrincipal parses a "type:id" principal string.
func ParsePrincipal(s string) (Principal, error) {
	typ, id, ok := strings.Cut(s, ":")
	if !ok {
		return Principal{}, fmt.Errorf("invalid principal format: %s", s)
	}
	if _, ok := principalTypes[typ]; !ok {
		return Principal{}, fmt.Errorf("invalid principal type: %s", typ)
	}
	return Principal{Type: typ, ID: id}, nil
}

func (p Principal) String() string {
	return p.Type + ":" + p.ID
}

// Matches reports whether this principal grants access to the actor.
// "tenant:*" matches every actor in the tenant. Role principals only
// match exactly; membership lookup is a deployment concern.
func (p Principal) Matches(actor string) bool {
	if p.String() == actor {
		return true
	}
	return p.Type == "tenant" && p.ID == "*"
}

// grantedBy maps each granted permission to the set it implies.
// Higher levels include lower ones.
var grantedBy = map[types.Permission]map[types.Permission]bool{
	types.PermissionRead: {types.PermissionRead: true},
	types.PermissionWrite: {
		types.PermissionRead:  true,
		types.PermissionWrite: true,
	},
	types.PermissionDelete: {
		types.PermissionRead:   true,
		types.PermissionWrite:  true,
		types.PermissionDelete: true,
	},
	types.PermissionAdmin: {
		types.PermissionRead:   true,
		types.PermissionWrite:  true,
		types.PermissionDelete: true,
		types.PermissionAdmin:  true,
	},
}

// CheckPermission reports whether the actor holds the required
// permission on a node. The owner always has full access. Malformed
// ACL entries are skipped.
func CheckPermission(actor string, acl []types.ACLEntry, required types.Permission, ownerActor string) bool {
	if actor == ownerActor {
		return true
	}
	for _, entry := range acl {
		p, err := ParsePrincipal(entry.Principal)
		if err != nil {
			continue
		}
		if !p.Matches(actor) {
			continue
		}
		if grantedBy[entry.Permission][required] {
			return true
		}
	}
	return false
}

// CanModifyACL reports whether the actor may rewrite a node's ACL.
// Requires admin.
func CanModifyACL(actor string, acl []types.ACLEntry, ownerActor string) bool {
	return CheckPermission(actor, acl, types.PermissionAdmin, ownerActor)
}

// ExtractPrincipals returns every principal that should appear in the
// visibility index for a node: the owner plus all ACL subjects.
func ExtractPrincipals(acl []types.ACLEntry, ownerActor string) map[string]struct{} {
	principals := map[string]struct{}{ownerActor: {}}
	for _, entry := range acl {
		if entry.Principal != "" {
			principals[entry.Principal] = struct{}{}
		}
	}
	return principals
}

// MergeACLs overlays additional entries on a base ACL. An additional
// entry for a principal already present replaces the base entry.
func MergeACLs(base, additional []types.ACLEntry) []types.ACLEntry {
	order := make([]string, 0, len(base)+len(additional))
	byPrincipal := make(map[string]types.ACLEntry, len(base)+len(additional))
	add := func(entry types.ACLEntry) {
		if entry.Principal == "" {
			return
		}
		if _, ok := byPrincipal[entry.Principal]; !ok {
			order = append(order, entry.Principal)
		}
		byPrincipal[entry.Principal] = entry
	}
	for _, entry := range base {
		add(entry)
	}
	for _, entry := range additional {
		add(entry)
	}

	out := make([]types.ACLEntry, 0, len(order))
	for _, principal := range order {
		out = append(out, byPrincipal[principal])
	}
	return out
}

// ValidateACL returns one message per malformed entry, empty when the
// list is valid.
func ValidateACL(acl []types.ACLEntry) []string {
	var errs []string
	for i, entry := range acl {
		if entry.Principal == "" {
			errs = append(errs, fmt.Sprintf("entry %d: missing principal", i))
		} else if _, err := ParsePrincipal(entry.Principal); err != nil {
			errs = append(errs, fmt.Sprintf("entry %d: %v", i, err))
		}
		switch entry.Permission {
		case types.PermissionRead, types.PermissionWrite, types.PermissionDelete, types.PermissionAdmin:
		case "":
			errs = append(errs, fmt.Sprintf("entry %d: missing permission", i))
		default:
			errs = append(errs, fmt.Sprintf("entry %d: invalid permission %q (valid: read, write, delete, admin)", i, entry.Permission))
		}
	}
	return errs
}

// DefaultACL builds the ACL for a node created without one: owner
// admin, optionally tenant-wide read.
func DefaultACL(ownerActor string, tenantReadable bool) []types.ACLEntry {
	acl := []types.ACLEntry{{Principal: ownerActor, Permission: types.PermissionAdmin}}
	if tenantReadable {
		acl = append(acl, types.ACLEntry{Principal: "tenant:*", Permission: types.PermissionRead})
	}
	return acl
}
