package schema

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/entdb/entdb/pkg/log"
)

// Registration failure modes.
var (
	// ErrFrozen is returned when the registry is modified after Freeze.
	ErrFrozen = errors.New("schema: registry frozen")
	// ErrDuplicate is returned when a type id or name is registered twice.
	ErrDuplicate = errors.New("schema: duplicate registration")
)

// Registry holds every node and edge type of one schema version.
// Registration happens at startup; Freeze latches the registry and
// computes its fingerprint, after which it is read-only and safe for
// concurrent lookups.
type Registry struct {
	mu              sync.RWMutex
	nodeTypes       map[int32]*NodeType
	nodeTypesByName map[string]*NodeType
	edgeTypes       map[int32]*EdgeType
	edgeTypesByName map[string]*EdgeType
	frozen          bool
	fingerprint     string

	logger zerolog.Logger
}

// NewRegistry returns an empty, unfrozen registry.
func NewRegistry() *Registry {
	return &Registry{
		nodeTypes:       make(map[int32]*NodeType),
		nodeTypesByName: make(map[string]*NodeType),
		edgeTypes:       make(map[int32]*EdgeType),
		edgeTypesByName: make(map[string]*EdgeType),
		logger:          log.WithComponent("schema"),
	}
}

// RegisterNodeType adds a node type. Fails with ErrFrozen after Freeze
// and with ErrDuplicate when the type id or name is already taken.
func (r *Registry) RegisterNodeType(nt *NodeType) error {
	if err := nt.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("cannot register node type %q: %w", nt.Name, ErrFrozen)
	}
	if existing, ok := r.nodeTypes[nt.TypeID]; ok {
		return fmt.Errorf("type_id %d already registered as %q: %w", nt.TypeID, existing.Name, ErrDuplicate)
	}
	if existing, ok := r.nodeTypesByName[nt.Name]; ok {
		return fmt.Errorf("node type name %q already registered with type_id %d: %w", nt.Name, existing.TypeID, ErrDuplicate)
	}
	r.nodeTypes[nt.TypeID] = nt
	r.nodeTypesByName[nt.Name] = nt
	r.logger.Debug().Str("name", nt.Name).Int32("type_id", nt.TypeID).Msg("registered node type")
	return nil
}

// RegisterEdgeType adds an edge type. Endpoints referencing node types
// that are not (yet) registered are allowed but logged, since
// registration order is not significant.
func (r *Registry) RegisterEdgeType(et *EdgeType) error {
	if err := et.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("cannot register edge type %q: %w", et.Name, ErrFrozen)
	}
	if existing, ok := r.edgeTypes[et.EdgeID]; ok {
		return fmt.Errorf("edge_id %d already registered as %q: %w", et.EdgeID, existing.Name, ErrDuplicate)
	}
	if existing, ok := r.edgeTypesByName[et.Name]; ok {
		return fmt.Errorf("edge type name %q already registered with edge_id %d: %w", et.Name, existing.EdgeID, ErrDuplicate)
	}
	if _, ok := r.nodeTypes[et.FromTypeID]; !ok {
		r.logger.Warn().Str("name", et.Name).Int32("from_type_id", et.FromTypeID).Msg("edge type references unregistered from type")
	}
	if _, ok := r.nodeTypes[et.ToTypeID]; !ok {
		r.logger.Warn().Str("name", et.Name).Int32("to_type_id", et.ToTypeID).Msg("edge type references unregistered to type")
	}
	r.edgeTypes[et.EdgeID] = et
	r.edgeTypesByName[et.Name] = et
	r.logger.Debug().Str("name", et.Name).Int32("edge_id", et.EdgeID).Msg("registered edge type")
	return nil
}

// NodeTypeByID returns the node type with the given id, or nil.
func (r *Registry) NodeTypeByID(id int32) *NodeType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nodeTypes[id]
}

// NodeTypeByName returns the node type with the given name, or nil.
func (r *Registry) NodeTypeByName(name string) *NodeType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nodeTypesByName[name]
}

// EdgeTypeByID returns the edge type with the given id, or nil.
func (r *Registry) EdgeTypeByID(id int32) *EdgeType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.edgeTypes[id]
}

// EdgeTypeByName returns the edge type with the given name, or nil.
func (r *Registry) EdgeTypeByName(name string) *EdgeType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.edgeTypesByName[name]
}

// NodeTypes returns all node types ordered by type id.
func (r *Registry) NodeTypes() []*NodeType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedNodeTypesLocked(r.nodeTypes)
}

// EdgeTypes returns all edge types ordered by edge id.
func (r *Registry) EdgeTypes() []*EdgeType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedEdgeTypesLocked(r.edgeTypes)
}

// Frozen reports whether Freeze has been called.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Fingerprint returns the schema fingerprint, or "" before Freeze.
func (r *Registry) Fingerprint() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fingerprint
}

// Freeze latches the registry and computes its fingerprint. Further
// registrations fail, as does a second Freeze: a frozen registry is one
// immutable schema version and must never silently re-fingerprint.
func (r *Registry) Freeze() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return "", fmt.Errorf("registry is already frozen: %w", ErrFrozen)
	}
	fp, err := fingerprintOf(r.toMapLocked())
	if err != nil {
		return "", fmt.Errorf("compute schema fingerprint: %w", err)
	}
	r.frozen = true
	r.fingerprint = fp
	r.logger.Info().
		Str("fingerprint", fp).
		Int("node_types", len(r.nodeTypes)).
		Int("edge_types", len(r.edgeTypes)).
		Msg("schema registry frozen")
	return fp, nil
}

// ValidateAll cross-checks every registered type and returns all
// dangling references: edges whose endpoints are unknown node types and
// ref fields pointing at unknown type ids.
func (r *Registry) ValidateAll() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []string
	for _, et := range sortedEdgeTypesLocked(r.edgeTypes) {
		if _, ok := r.nodeTypes[et.FromTypeID]; !ok {
			errs = append(errs, fmt.Sprintf("Edge '%s' (edge_id=%d) references unknown from_type_id %d", et.Name, et.EdgeID, et.FromTypeID))
		}
		if _, ok := r.nodeTypes[et.ToTypeID]; !ok {
			errs = append(errs, fmt.Sprintf("Edge '%s' (edge_id=%d) references unknown to_type_id %d", et.Name, et.EdgeID, et.ToTypeID))
		}
	}
	for _, nt := range sortedNodeTypesLocked(r.nodeTypes) {
		for i := range nt.Fields {
			f := &nt.Fields[i]
			if f.RefTypeID == 0 {
				continue
			}
			if _, ok := r.nodeTypes[f.RefTypeID]; !ok {
				errs = append(errs, fmt.Sprintf("Field '%s' in node type '%s' references unknown type_id %d", f.Name, nt.Name, f.RefTypeID))
			}
		}
	}
	return errs
}

// ToMap renders the whole registry in its canonical dictionary form:
// node types sorted by type id, edge types sorted by edge id.
func (r *Registry) ToMap() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.toMapLocked()
}

func (r *Registry) toMapLocked() map[string]any {
	nodes := make([]map[string]any, 0, len(r.nodeTypes))
	for _, nt := range sortedNodeTypesLocked(r.nodeTypes) {
		nodes = append(nodes, nt.toMap())
	}
	edges := make([]map[string]any, 0, len(r.edgeTypes))
	for _, et := range sortedEdgeTypesLocked(r.edgeTypes) {
		edges = append(edges, et.toMap())
	}
	return map[string]any{
		"node_types": nodes,
		"edge_types": edges,
	}
}

// MarshalJSON emits the canonical compact form.
func (r *Registry) MarshalJSON() ([]byte, error) {
	return canonicalJSON(r.ToMap())
}

// ToJSON emits the canonical form indented for humans.
func (r *Registry) ToJSON() ([]byte, error) {
	return json.MarshalIndent(r.ToMap(), "", "  ")
}

// registryDoc is the serialized shape shared by JSON and YAML schema
// files.
type registryDoc struct {
	NodeTypes []NodeType `json:"node_types" yaml:"node_types"`
	EdgeTypes []EdgeType `json:"edge_types" yaml:"edge_types"`
}

// FromJSON builds a registry from a serialized schema. The result is
// unfrozen; callers freeze it once loading is complete.
func FromJSON(data []byte) (*Registry, error) {
	var doc registryDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	return fromDoc(&doc)
}

// FromMap builds a registry from the dictionary form produced by ToMap.
func FromMap(m map[string]any) (*Registry, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	return FromJSON(data)
}

func fromDoc(doc *registryDoc) (*Registry, error) {
	r := NewRegistry()
	for i := range doc.NodeTypes {
		if err := r.RegisterNodeType(&doc.NodeTypes[i]); err != nil {
			return nil, err
		}
	}
	for i := range doc.EdgeTypes {
		if err := r.RegisterEdgeType(&doc.EdgeTypes[i]); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// ComputeFingerprint fingerprints a registry without freezing it. Used
// by the CLI to fingerprint loaded schema files before comparison.
func ComputeFingerprint(r *Registry) (string, error) {
	return fingerprintOf(r.ToMap())
}

// fingerprintOf hashes the canonical rendering of a schema dictionary.
func fingerprintOf(m map[string]any) (string, error) {
	canonical, err := canonicalJSON(m)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// canonicalJSON renders a value compactly with object keys sorted and
// without HTML escaping. Two registries with the same logical content
// always produce identical bytes, so fingerprints are comparable across
// processes and releases.
func canonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func sortedNodeTypesLocked(m map[int32]*NodeType) []*NodeType {
	out := make([]*NodeType, 0, len(m))
	for _, nt := range m {
		out = append(out, nt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TypeID < out[j].TypeID })
	return out
}

func sortedEdgeTypesLocked(m map[int32]*EdgeType) []*EdgeType {
	out := make([]*EdgeType, 0, len(m))
	for _, et := range m {
		out = append(out, et)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EdgeID < out[j].EdgeID })
	return out
}
