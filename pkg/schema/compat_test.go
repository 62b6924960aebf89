package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entdb/entdb/pkg/types"
)

func buildRegistry(t *testing.T, nodes []*NodeType, edges []*EdgeType) *Registry {
	t.Helper()
	r := NewRegistry()
	for _, nt := range nodes {
		require.NoError(t, r.RegisterNodeType(nt))
	}
	for _, et := range edges {
		require.NoError(t, r.RegisterEdgeType(et))
	}
	return r
}

func kindsOf(changes []Change) []ChangeKind {
	out := make([]ChangeKind, 0, len(changes))
	for _, c := range changes {
		out = append(out, c.Kind)
	}
	return out
}

func TestCheckIdenticalSchemas(t *testing.T) {
	oldReg := buildRegistry(t, []*NodeType{userType(), taskType()}, []*EdgeType{assignedEdge()})
	newReg := buildRegistry(t, []*NodeType{userType(), taskType()}, []*EdgeType{assignedEdge()})
	assert.Empty(t, Check(oldReg, newReg))
}

func TestCheckFieldKindChanged(t *testing.T) {
	oldReg := buildRegistry(t, []*NodeType{{
		TypeID: 1, Name: "User",
		Fields: []FieldDef{{FieldID: 1, Name: "email", Kind: KindString}},
	}}, nil)
	newReg := buildRegistry(t, []*NodeType{{
		TypeID: 1, Name: "User",
		Fields: []FieldDef{{FieldID: 1, Name: "email", Kind: KindInt}},
	}}, nil)

	changes := Check(oldReg, newReg)
	require.Len(t, changes, 1)
	c := changes[0]
	assert.Equal(t, FieldKindChanged, c.Kind)
	assert.True(t, c.Breaking())
	assert.Equal(t, "NodeType:User.field:email", c.Path)
	assert.Equal(t, "str", c.Old)
	assert.Equal(t, "int", c.New)
}

func TestCheckAdditionsAreNonBreaking(t *testing.T) {
	oldReg := buildRegistry(t, []*NodeType{{
		TypeID: 1, Name: "User",
		Fields: []FieldDef{
			{FieldID: 1, Name: "email", Kind: KindString},
			{FieldID: 2, Name: "role", Kind: KindEnum, EnumValues: []string{"admin"}},
		},
	}}, nil)
	newReg := buildRegistry(t, []*NodeType{
		{
			TypeID: 1, Name: "User",
			Fields: []FieldDef{
				{FieldID: 1, Name: "email", Kind: KindString, Searchable: true},
				{FieldID: 2, Name: "role", Kind: KindEnum, EnumValues: []string{"admin", "member"}},
				{FieldID: 3, Name: "age", Kind: KindInt},
			},
		},
		{TypeID: 2, Name: "Task"},
	}, []*EdgeType{{EdgeID: 100, Name: "Owns", FromTypeID: 1, ToTypeID: 2}})

	changes := Check(oldReg, newReg)
	require.NotEmpty(t, changes)
	for _, c := range changes {
		assert.False(t, c.Breaking(), "unexpected breaking change: %s", c)
	}
	assert.Contains(t, kindsOf(changes), SearchableAdded)
	assert.Contains(t, kindsOf(changes), EnumValueAdded)
	assert.Contains(t, kindsOf(changes), FieldAdded)
	assert.Contains(t, kindsOf(changes), NodeTypeAdded)
	assert.Contains(t, kindsOf(changes), EdgeTypeAdded)
}

func TestCheckRemovalsAreBreaking(t *testing.T) {
	oldReg := buildRegistry(t, []*NodeType{userType(), taskType()}, []*EdgeType{assignedEdge()})
	newReg := buildRegistry(t, []*NodeType{{
		TypeID: 1, Name: "User",
		Fields: []FieldDef{{FieldID: 1, Name: "email", Kind: KindString, Required: true}},
	}}, nil)

	changes := Check(oldReg, newReg)
	kinds := kindsOf(changes)
	assert.Contains(t, kinds, NodeTypeRemoved)
	assert.Contains(t, kinds, EdgeTypeRemoved)
	assert.Contains(t, kinds, FieldRemoved)
	for _, c := range changes {
		assert.True(t, c.Breaking(), "expected breaking: %s", c)
	}
}

func TestCheckRequiredAdded(t *testing.T) {
	oldReg := buildRegistry(t, []*NodeType{{
		TypeID: 1, Name: "User",
		Fields: []FieldDef{{FieldID: 1, Name: "email", Kind: KindString}},
	}}, nil)
	newReg := buildRegistry(t, []*NodeType{{
		TypeID: 1, Name: "User",
		Fields: []FieldDef{{FieldID: 1, Name: "email", Kind: KindString, Required: true}},
	}}, nil)

	changes := Check(oldReg, newReg)
	require.Len(t, changes, 1)
	assert.Equal(t, RequiredAdded, changes[0].Kind)
	assert.True(t, changes[0].Breaking())
}

func TestCheckEnumValueRemoved(t *testing.T) {
	oldReg := buildRegistry(t, []*NodeType{{
		TypeID: 1, Name: "Task",
		Fields: []FieldDef{{FieldID: 1, Name: "status", Kind: KindEnum, EnumValues: []string{"open", "closed", "archived"}}},
	}}, nil)
	newReg := buildRegistry(t, []*NodeType{{
		TypeID: 1, Name: "Task",
		Fields: []FieldDef{{FieldID: 1, Name: "status", Kind: KindEnum, EnumValues: []string{"open", "closed"}}},
	}}, nil)

	changes := Check(oldReg, newReg)
	require.Len(t, changes, 1)
	assert.Equal(t, EnumValueRemoved, changes[0].Kind)
	assert.Equal(t, "archived", changes[0].Old)
}

func TestCheckEnumValuesReordered(t *testing.T) {
	enumType := func(values ...string) []*NodeType {
		return []*NodeType{{
			TypeID: 1, Name: "Task",
			Fields: []FieldDef{{FieldID: 1, Name: "status", Kind: KindEnum, EnumValues: values}},
		}}
	}

	// Pure reorder is breaking.
	changes := Check(
		buildRegistry(t, enumType("open", "closed"), nil),
		buildRegistry(t, enumType("closed", "open"), nil),
	)
	require.Len(t, changes, 1)
	assert.Equal(t, EnumValueReordered, changes[0].Kind)
	assert.True(t, changes[0].Breaking())

	// Appending is not a reorder even though the sequences differ.
	changes = Check(
		buildRegistry(t, enumType("open", "closed"), nil),
		buildRegistry(t, enumType("open", "closed", "archived"), nil),
	)
	require.Len(t, changes, 1)
	assert.Equal(t, EnumValueAdded, changes[0].Kind)
}

func TestCheckEdgeEndpointChanged(t *testing.T) {
	oldReg := buildRegistry(t, nil, []*EdgeType{{EdgeID: 100, Name: "Owns", FromTypeID: 1, ToTypeID: 2}})
	newReg := buildRegistry(t, nil, []*EdgeType{{EdgeID: 100, Name: "Owns", FromTypeID: 3, ToTypeID: 2}})

	changes := Check(oldReg, newReg)
	require.Len(t, changes, 1)
	assert.Equal(t, FromTypeChanged, changes[0].Kind)
	assert.True(t, changes[0].Breaking())
}

func TestCheckTypeIDReuse(t *testing.T) {
	oldReg := buildRegistry(t, []*NodeType{{TypeID: 1, Name: "LegacyUser", Deprecated: true}}, nil)
	newReg := buildRegistry(t, []*NodeType{{TypeID: 1, Name: "Invoice"}}, nil)

	changes := Check(oldReg, newReg)
	kinds := kindsOf(changes)
	assert.Contains(t, kinds, TypeIDReused)

	// Case-only renames of a deprecated type are not reuse.
	oldReg = buildRegistry(t, []*NodeType{{TypeID: 1, Name: "legacyuser", Deprecated: true}}, nil)
	newReg = buildRegistry(t, []*NodeType{{TypeID: 1, Name: "LegacyUser"}}, nil)
	assert.NotContains(t, kindsOf(Check(oldReg, newReg)), TypeIDReused)
}

func TestCheckFieldIDReuse(t *testing.T) {
	oldReg := buildRegistry(t, []*NodeType{{
		TypeID: 1, Name: "User",
		Fields: []FieldDef{{FieldID: 1, Name: "fax", Kind: KindString, Deprecated: true}},
	}}, nil)
	newReg := buildRegistry(t, []*NodeType{{
		TypeID: 1, Name: "User",
		Fields: []FieldDef{{FieldID: 1, Name: "mobile", Kind: KindString, Deprecated: true}},
	}}, nil)

	changes := Check(oldReg, newReg)
	kinds := kindsOf(changes)
	assert.Contains(t, kinds, FieldIDReused)
	assert.Contains(t, kinds, NameChanged)
}

func TestValidateBreaking(t *testing.T) {
	nonBreaking := []Change{{Kind: FieldAdded, Path: "NodeType:User.field:age", Message: "added"}}
	assert.NoError(t, ValidateBreaking(nonBreaking))

	breaking := append(nonBreaking, Change{
		Kind:    FieldKindChanged,
		Path:    "NodeType:User.field:email",
		Message: "Field kind changed from 'str' to 'int'",
	})
	err := ValidateBreaking(breaking)
	require.Error(t, err)
	assert.Equal(t, types.CodeSchemaCompat, types.CodeOf(err))
	assert.Contains(t, err.Error(), "FIELD_KIND_CHANGED")
	assert.NotContains(t, err.Error(), "FIELD_ADDED")
}

func TestChangeString(t *testing.T) {
	c := Change{Kind: FieldKindChanged, Path: "NodeType:User.field:email", Message: "Field kind changed from 'str' to 'int'"}
	assert.Equal(t, "[BREAKING] FIELD_KIND_CHANGED: NodeType:User.field:email - Field kind changed from 'str' to 'int'", c.String())

	c = Change{Kind: FieldAdded, Path: "NodeType:User.field:age", Message: "Field 'age' (field_id=3) added"}
	assert.Equal(t, "[OK] FIELD_ADDED: NodeType:User.field:age - Field 'age' (field_id=3) added", c.String())
}
