package schema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const schemaYAML = `node_types:
  - type_id: 1
    name: User
    fields:
      - field_id: 1
        name: email
        kind: str
        required: true
      - field_id: 2
        name: role
        kind: enum
        enum_values: [admin, member]
        default: member
  - type_id: 2
    name: Task
    fields:
      - field_id: 1
        name: title
        kind: str
        searchable: true
edge_types:
  - edge_id: 100
    name: AssignedTo
    from_type_id: 2
    to_type_id: 1
`

func TestLoadFileYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.yaml")
	require.NoError(t, os.WriteFile(path, []byte(schemaYAML), 0o644))

	r, err := LoadFile(path)
	require.NoError(t, err)
	assert.False(t, r.Frozen())

	user := r.NodeTypeByName("User")
	require.NotNil(t, user)
	assert.True(t, user.Field("email").Required)
	assert.Equal(t, "member", user.Field("role").Default)
	assert.Equal(t, []string{"admin", "member"}, user.Field("role").EnumValues)

	edge := r.EdgeTypeByID(100)
	require.NotNil(t, edge)
	assert.Equal(t, int32(2), edge.FromTypeID)

	assert.Empty(t, r.ValidateAll())
}

func TestLoadFileJSON(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterNodeType(userType()))
	data, err := r.ToJSON()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "schema.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	loaded, err := LoadFile(path)
	require.NoError(t, err)
	require.NotNil(t, loaded.NodeTypeByName("User"))

	fpOrig, err := ComputeFingerprint(r)
	require.NoError(t, err)
	fpLoaded, err := ComputeFingerprint(loaded)
	require.NoError(t, err)
	assert.Equal(t, fpOrig, fpLoaded)
}

func TestLoadFileInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.yaml")
	bad := "node_types:\n  - type_id: 0\n    name: Broken\n"
	require.NoError(t, os.WriteFile(path, []byte(bad), 0o644))

	_, err := LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "type_id must be positive")

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSnapshotRoundTrip(t *testing.T) {
	r := buildRegistry(t, []*NodeType{userType(), taskType()}, []*EdgeType{assignedEdge()})
	path := filepath.Join(t.TempDir(), "schema_snapshot.json")

	written, err := WriteSnapshot(path, r)
	require.NoError(t, err)
	assert.Equal(t, SnapshotVersion, written.Version)
	assert.Contains(t, written.Fingerprint, "sha256:")

	snap, err := ReadSnapshot(path)
	require.NoError(t, err)
	assert.Equal(t, written.Fingerprint, snap.Fingerprint)

	back, err := snap.Registry()
	require.NoError(t, err)
	fp, err := ComputeFingerprint(back)
	require.NoError(t, err)
	assert.Equal(t, written.Fingerprint, fp)
}

func TestReadSnapshotBadVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":99,"fingerprint":"x","schema":{}}`), 0o644))

	_, err := ReadSnapshot(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported schema snapshot version")
}
