package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInferFieldKind(t *testing.T) {
	cases := []struct {
		name  string
		value any
		want  FieldKind
	}{
		{"nil", nil, KindJSON},
		{"bool", true, KindBool},
		{"int", 42, KindInt},
		{"integral json number", float64(42), KindInt},
		{"fractional", 3.14, KindFloat},
		{"string", "hello", KindString},
		{"string list", []any{"a", "b"}, KindListString},
		{"int list", []any{float64(1), float64(2)}, KindListInt},
		{"mixed list", []any{"a", float64(1)}, KindJSON},
		{"empty list", []any{}, KindJSON},
		{"object", map[string]any{"k": "v"}, KindJSON},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, InferFieldKind(tc.value))
		})
	}
}

func TestObserveFields(t *testing.T) {
	fields := ObserveFields(map[string]any{
		"title":  "hello",
		"count":  float64(3),
		"active": true,
	})
	require.Len(t, fields, 3)

	// Ids follow alphabetical name order so repeated observations of
	// the same shape agree.
	assert.Equal(t, ObservedField{FieldID: 1, Name: "active", Kind: KindBool}, fields[0])
	assert.Equal(t, ObservedField{FieldID: 2, Name: "count", Kind: KindInt}, fields[1])
	assert.Equal(t, ObservedField{FieldID: 3, Name: "title", Kind: KindString}, fields[2])
}

func TestFieldsFingerprint(t *testing.T) {
	a := []ObservedField{
		{FieldID: 1, Name: "body", Kind: KindString},
		{FieldID: 2, Name: "count", Kind: KindInt},
	}
	b := []ObservedField{
		{FieldID: 9, Name: "count", Kind: KindInt},
		{FieldID: 4, Name: "body", Kind: KindString},
	}
	// Names and kinds decide the fingerprint; ids and order do not.
	assert.Equal(t, FieldsFingerprint(a), FieldsFingerprint(b))

	c := []ObservedField{
		{FieldID: 1, Name: "body", Kind: KindJSON},
		{FieldID: 2, Name: "count", Kind: KindInt},
	}
	assert.NotEqual(t, FieldsFingerprint(a), FieldsFingerprint(c))
	assert.Len(t, FieldsFingerprint(a), 64)
}

func TestMergeFieldSets(t *testing.T) {
	existing := []ObservedField{
		{FieldID: 1, Name: "body", Kind: KindString},
		{FieldID: 2, Name: "count", Kind: KindInt},
	}
	observed := []ObservedField{
		{FieldID: 1, Name: "count", Kind: KindString}, // conflicts, widens
		{FieldID: 2, Name: "tags", Kind: KindListString},
	}

	merged := MergeFieldSets(existing, observed)
	require.Len(t, merged, 3)
	assert.Equal(t, ObservedField{FieldID: 1, Name: "body", Kind: KindString}, merged[0])
	assert.Equal(t, ObservedField{FieldID: 2, Name: "count", Kind: KindJSON}, merged[1])
	assert.Equal(t, ObservedField{FieldID: 3, Name: "tags", Kind: KindListString}, merged[2])
}

func TestMergeSchemas(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterNodeType(&NodeType{
		TypeID: 1,
		Name:   "User",
		Fields: []FieldDef{{FieldID: 1, Name: "email", Kind: KindString, Required: true}},
	}))

	observedNodes := []ObservedNodeType{
		{
			TypeID: 1,
			Name:   "type_1",
			Fields: []ObservedField{
				{FieldID: 1, Name: "email", Kind: KindString}, // already declared
				{FieldID: 2, Name: "nickname", Kind: KindString},
			},
		},
		{
			TypeID: 9,
			Name:   "type_9",
			Fields: []ObservedField{{FieldID: 1, Name: "blob", Kind: KindJSON}},
		},
	}

	merged := MergeSchemas(reg, observedNodes, nil)

	nodes, ok := merged["node_types"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, nodes, 2)

	// The registry declaration wins; the observed extra field is
	// appended after the declared max id.
	user := nodes[0]
	assert.Equal(t, "User", user["name"])
	fields := user["fields"].([]map[string]any)
	require.Len(t, fields, 2)
	assert.Equal(t, "email", fields[0]["name"])
	assert.Equal(t, true, fields[0]["required"])
	assert.Equal(t, "nickname", fields[1]["name"])
	assert.Equal(t, int32(2), fields[1]["field_id"])

	// Observed-only types come through as-is.
	extra := nodes[1]
	assert.Equal(t, "type_9", extra["name"])

	edges, ok := merged["edge_types"].([]map[string]any)
	require.True(t, ok)
	assert.Empty(t, edges)
}
