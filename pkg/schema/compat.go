package schema

import (
	"fmt"
	"strings"

	"github.com/entdb/entdb/pkg/types"
)

// ChangeKind classifies one difference between two schema versions.
// Ids are immutable, kinds never change, and nothing is ever removed;
// evolution happens by adding ids and deprecating old ones. Everything
// outside that envelope is breaking.
type ChangeKind string

const (
	// Non-breaking changes.
	NodeTypeAdded      ChangeKind = "NODE_TYPE_ADDED"
	EdgeTypeAdded      ChangeKind = "EDGE_TYPE_ADDED"
	FieldAdded         ChangeKind = "FIELD_ADDED"
	PropAdded          ChangeKind = "PROP_ADDED"
	TypeDeprecated     ChangeKind = "TYPE_DEPRECATED"
	FieldDeprecated    ChangeKind = "FIELD_DEPRECATED"
	DescriptionChanged ChangeKind = "DESCRIPTION_CHANGED"
	NameChanged        ChangeKind = "NAME_CHANGED"
	EnumValueAdded     ChangeKind = "ENUM_VALUE_ADDED"
	IndexAdded         ChangeKind = "INDEX_ADDED"
	SearchableAdded    ChangeKind = "SEARCHABLE_ADDED"

	// Breaking changes.
	NodeTypeRemoved    ChangeKind = "NODE_TYPE_REMOVED"
	EdgeTypeRemoved    ChangeKind = "EDGE_TYPE_REMOVED"
	FieldRemoved       ChangeKind = "FIELD_REMOVED"
	PropRemoved        ChangeKind = "PROP_REMOVED"
	FieldKindChanged   ChangeKind = "FIELD_KIND_CHANGED"
	TypeIDReused       ChangeKind = "TYPE_ID_REUSED"
	EdgeIDReused       ChangeKind = "EDGE_ID_REUSED"
	FieldIDReused      ChangeKind = "FIELD_ID_REUSED"
	EnumValueRemoved   ChangeKind = "ENUM_VALUE_REMOVED"
	EnumValueReordered ChangeKind = "ENUM_VALUE_REORDERED"
	FromTypeChanged    ChangeKind = "FROM_TYPE_CHANGED"
	ToTypeChanged      ChangeKind = "TO_TYPE_CHANGED"
	RequiredAdded      ChangeKind = "REQUIRED_ADDED"
)

var breakingKinds = map[ChangeKind]struct{}{
	NodeTypeRemoved:    {},
	EdgeTypeRemoved:    {},
	FieldRemoved:       {},
	PropRemoved:        {},
	FieldKindChanged:   {},
	TypeIDReused:       {},
	EdgeIDReused:       {},
	FieldIDReused:      {},
	EnumValueRemoved:   {},
	EnumValueReordered: {},
	FromTypeChanged:    {},
	ToTypeChanged:      {},
	RequiredAdded:      {},
}

// Breaking reports whether the kind invalidates existing data or
// readers.
func (k ChangeKind) Breaking() bool {
	_, ok := breakingKinds[k]
	return ok
}

// Change is one detected difference between schema versions.
type Change struct {
	Kind    ChangeKind `json:"kind"`
	Path    string     `json:"path"`
	Old     any        `json:"old,omitempty"`
	New     any        `json:"new,omitempty"`
	Message string     `json:"message"`
}

// Breaking reports whether this change is breaking.
func (c Change) Breaking() bool {
	return c.Kind.Breaking()
}

func (c Change) String() string {
	status := "OK"
	if c.Breaking() {
		status = "BREAKING"
	}
	return fmt.Sprintf("[%s] %s: %s - %s", status, c.Kind, c.Path, c.Message)
}

// Check compares two schema versions and returns every difference,
// breaking or not, in a deterministic order. The old registry is the
// deployed baseline; the new one is the candidate.
func Check(oldReg, newReg *Registry) []Change {
	var changes []Change

	oldNodes := oldReg.NodeTypes()
	newNodes := newReg.NodeTypes()
	oldEdges := oldReg.EdgeTypes()
	newEdges := newReg.EdgeTypes()

	changes = append(changes, checkNodeTypes(oldNodes, newNodes)...)
	changes = append(changes, checkEdgeTypes(oldEdges, newEdges)...)
	changes = append(changes, checkIDReuse(oldNodes, newNodes, oldEdges, newEdges)...)
	return changes
}

// ValidateBreaking turns a change list into an error when any change is
// breaking. The error carries SCHEMA_COMPAT_ERROR and lists every
// breaking change so CI output shows them all at once.
func ValidateBreaking(changes []Change) error {
	var breaking []string
	for _, c := range changes {
		if c.Breaking() {
			breaking = append(breaking, c.String())
		}
	}
	if len(breaking) == 0 {
		return nil
	}
	return types.E(types.CodeSchemaCompat,
		"schema compatibility check failed with %d breaking change(s):\n%s",
		len(breaking), strings.Join(breaking, "\n"))
}

func checkNodeTypes(oldNodes, newNodes []*NodeType) []Change {
	var changes []Change
	newByID := make(map[int32]*NodeType, len(newNodes))
	for _, nt := range newNodes {
		newByID[nt.TypeID] = nt
	}
	oldByID := make(map[int32]*NodeType, len(oldNodes))
	for _, nt := range oldNodes {
		oldByID[nt.TypeID] = nt
	}

	for _, oldNT := range oldNodes {
		if _, ok := newByID[oldNT.TypeID]; !ok {
			changes = append(changes, Change{
				Kind:    NodeTypeRemoved,
				Path:    "NodeType:" + oldNT.Name,
				Old:     oldNT.TypeID,
				Message: fmt.Sprintf("Node type '%s' (type_id=%d) was removed", oldNT.Name, oldNT.TypeID),
			})
		}
	}
	for _, newNT := range newNodes {
		oldNT, ok := oldByID[newNT.TypeID]
		if !ok {
			changes = append(changes, Change{
				Kind:    NodeTypeAdded,
				Path:    "NodeType:" + newNT.Name,
				New:     newNT.TypeID,
				Message: fmt.Sprintf("Node type '%s' (type_id=%d) added", newNT.Name, newNT.TypeID),
			})
			continue
		}
		changes = append(changes, checkNodeTypeDiff(oldNT, newNT)...)
	}
	return changes
}

func checkNodeTypeDiff(oldNT, newNT *NodeType) []Change {
	var changes []Change
	path := "NodeType:" + oldNT.Name

	if oldNT.Name != newNT.Name {
		changes = append(changes, Change{
			Kind:    NameChanged,
			Path:    path,
			Old:     oldNT.Name,
			New:     newNT.Name,
			Message: fmt.Sprintf("Node type renamed from '%s' to '%s'", oldNT.Name, newNT.Name),
		})
	}
	if !oldNT.Deprecated && newNT.Deprecated {
		changes = append(changes, Change{
			Kind:    TypeDeprecated,
			Path:    path,
			Message: fmt.Sprintf("Node type '%s' deprecated", oldNT.Name),
		})
	}
	if oldNT.Description != newNT.Description {
		changes = append(changes, Change{
			Kind:    DescriptionChanged,
			Path:    path,
			Old:     oldNT.Description,
			New:     newNT.Description,
			Message: "Description changed",
		})
	}
	changes = append(changes, checkFields(oldNT.Fields, newNT.Fields, path, "field")...)
	return changes
}

func checkEdgeTypes(oldEdges, newEdges []*EdgeType) []Change {
	var changes []Change
	newByID := make(map[int32]*EdgeType, len(newEdges))
	for _, et := range newEdges {
		newByID[et.EdgeID] = et
	}
	oldByID := make(map[int32]*EdgeType, len(oldEdges))
	for _, et := range oldEdges {
		oldByID[et.EdgeID] = et
	}

	for _, oldET := range oldEdges {
		if _, ok := newByID[oldET.EdgeID]; !ok {
			changes = append(changes, Change{
				Kind:    EdgeTypeRemoved,
				Path:    "EdgeType:" + oldET.Name,
				Old:     oldET.EdgeID,
				Message: fmt.Sprintf("Edge type '%s' (edge_id=%d) was removed", oldET.Name, oldET.EdgeID),
			})
		}
	}
	for _, newET := range newEdges {
		oldET, ok := oldByID[newET.EdgeID]
		if !ok {
			changes = append(changes, Change{
				Kind:    EdgeTypeAdded,
				Path:    "EdgeType:" + newET.Name,
				New:     newET.EdgeID,
				Message: fmt.Sprintf("Edge type '%s' (edge_id=%d) added", newET.Name, newET.EdgeID),
			})
			continue
		}
		changes = append(changes, checkEdgeTypeDiff(oldET, newET)...)
	}
	return changes
}

func checkEdgeTypeDiff(oldET, newET *EdgeType) []Change {
	var changes []Change
	path := "EdgeType:" + oldET.Name

	if oldET.Name != newET.Name {
		changes = append(changes, Change{
			Kind:    NameChanged,
			Path:    path,
			Old:     oldET.Name,
			New:     newET.Name,
			Message: fmt.Sprintf("Edge type renamed from '%s' to '%s'", oldET.Name, newET.Name),
		})
	}
	if oldET.FromTypeID != newET.FromTypeID {
		changes = append(changes, Change{
			Kind:    FromTypeChanged,
			Path:    path,
			Old:     oldET.FromTypeID,
			New:     newET.FromTypeID,
			Message: fmt.Sprintf("Edge from_type_id changed from %d to %d", oldET.FromTypeID, newET.FromTypeID),
		})
	}
	if oldET.ToTypeID != newET.ToTypeID {
		changes = append(changes, Change{
			Kind:    ToTypeChanged,
			Path:    path,
			Old:     oldET.ToTypeID,
			New:     newET.ToTypeID,
			Message: fmt.Sprintf("Edge to_type_id changed from %d to %d", oldET.ToTypeID, newET.ToTypeID),
		})
	}
	if !oldET.Deprecated && newET.Deprecated {
		changes = append(changes, Change{
			Kind:    TypeDeprecated,
			Path:    path,
			Message: fmt.Sprintf("Edge type '%s' deprecated", oldET.Name),
		})
	}
	changes = append(changes, checkFields(oldET.Props, newET.Props, path, "prop")...)
	return changes
}

func checkFields(oldFields, newFields []FieldDef, parentPath, label string) []Change {
	var changes []Change
	oldByID := make(map[int32]*FieldDef, len(oldFields))
	for i := range oldFields {
		oldByID[oldFields[i].FieldID] = &oldFields[i]
	}
	newByID := make(map[int32]*FieldDef, len(newFields))
	for i := range newFields {
		newByID[newFields[i].FieldID] = &newFields[i]
	}

	for i := range oldFields {
		oldF := &oldFields[i]
		if _, ok := newByID[oldF.FieldID]; !ok {
			kind := FieldRemoved
			if label == "prop" {
				kind = PropRemoved
			}
			changes = append(changes, Change{
				Kind:    kind,
				Path:    fmt.Sprintf("%s.%s:%s", parentPath, label, oldF.Name),
				Old:     oldF.FieldID,
				Message: fmt.Sprintf("Field '%s' (field_id=%d) was removed", oldF.Name, oldF.FieldID),
			})
		}
	}
	for i := range newFields {
		newF := &newFields[i]
		oldF, ok := oldByID[newF.FieldID]
		if !ok {
			kind := FieldAdded
			if label == "prop" {
				kind = PropAdded
			}
			changes = append(changes, Change{
				Kind:    kind,
				Path:    fmt.Sprintf("%s.%s:%s", parentPath, label, newF.Name),
				New:     newF.FieldID,
				Message: fmt.Sprintf("Field '%s' (field_id=%d) added", newF.Name, newF.FieldID),
			})
			continue
		}
		changes = append(changes, checkFieldDiff(oldF, newF, parentPath, label)...)
	}
	return changes
}

func checkFieldDiff(oldF, newF *FieldDef, parentPath, label string) []Change {
	var changes []Change
	path := fmt.Sprintf("%s.%s:%s", parentPath, label, oldF.Name)

	if oldF.Kind != newF.Kind {
		changes = append(changes, Change{
			Kind:    FieldKindChanged,
			Path:    path,
			Old:     string(oldF.Kind),
			New:     string(newF.Kind),
			Message: fmt.Sprintf("Field kind changed from '%s' to '%s'", oldF.Kind, newF.Kind),
		})
	}
	if oldF.Name != newF.Name {
		changes = append(changes, Change{
			Kind:    NameChanged,
			Path:    path,
			Old:     oldF.Name,
			New:     newF.Name,
			Message: fmt.Sprintf("Field renamed from '%s' to '%s'", oldF.Name, newF.Name),
		})
		// A deprecated field id resurfacing under a different name is
		// id reuse, not a rename.
		if oldF.Deprecated && !strings.EqualFold(oldF.Name, newF.Name) {
			changes = append(changes, Change{
				Kind:    FieldIDReused,
				Path:    fmt.Sprintf("%s.%s:%s", parentPath, label, newF.Name),
				Old:     oldF.Name,
				New:     newF.Name,
				Message: fmt.Sprintf("field_id %d was deprecated as '%s' but reused for '%s'", oldF.FieldID, oldF.Name, newF.Name),
			})
		}
	}
	if !oldF.Required && newF.Required {
		changes = append(changes, Change{
			Kind:    RequiredAdded,
			Path:    path,
			Message: fmt.Sprintf("Field '%s' changed from optional to required", oldF.Name),
		})
	}
	if !oldF.Deprecated && newF.Deprecated {
		changes = append(changes, Change{
			Kind:    FieldDeprecated,
			Path:    path,
			Message: fmt.Sprintf("Field '%s' deprecated", oldF.Name),
		})
	}
	if len(oldF.EnumValues) > 0 || len(newF.EnumValues) > 0 {
		changes = append(changes, checkEnumValues(oldF.EnumValues, newF.EnumValues, path)...)
	}
	if !oldF.Indexed && newF.Indexed {
		changes = append(changes, Change{
			Kind:    IndexAdded,
			Path:    path,
			Message: fmt.Sprintf("Index added to field '%s'", oldF.Name),
		})
	}
	if !oldF.Searchable && newF.Searchable {
		changes = append(changes, Change{
			Kind:    SearchableAdded,
			Path:    path,
			Message: fmt.Sprintf("Searchable added to field '%s'", oldF.Name),
		})
	}
	return changes
}

func checkEnumValues(oldValues, newValues []string, path string) []Change {
	var changes []Change
	oldSet := make(map[string]struct{}, len(oldValues))
	for _, v := range oldValues {
		oldSet[v] = struct{}{}
	}
	newSet := make(map[string]struct{}, len(newValues))
	for _, v := range newValues {
		newSet[v] = struct{}{}
	}

	var removed, added bool
	for _, v := range oldValues {
		if _, ok := newSet[v]; !ok {
			removed = true
			changes = append(changes, Change{
				Kind:    EnumValueRemoved,
				Path:    path,
				Old:     v,
				Message: fmt.Sprintf("Enum value '%s' was removed", v),
			})
		}
	}
	for _, v := range newValues {
		if _, ok := oldSet[v]; !ok {
			added = true
			changes = append(changes, Change{
				Kind:    EnumValueAdded,
				Path:    path,
				New:     v,
				Message: fmt.Sprintf("Enum value '%s' was added", v),
			})
		}
	}

	// Pure reorder: same membership, different sequence. Stored values
	// are strings so this is tolerable to flag only when nothing else
	// explains the difference.
	if !removed && !added && !equalStrings(oldValues, newValues) {
		changes = append(changes, Change{
			Kind:    EnumValueReordered,
			Path:    path,
			Old:     oldValues,
			New:     newValues,
			Message: "Enum values were reordered",
		})
	}
	return changes
}

// checkIDReuse flags ids that were deprecated under one name and now
// carry a different one. Renaming a deprecated type is fine as long as
// the name is recognizably the same (case-insensitive match).
func checkIDReuse(oldNodes, newNodes []*NodeType, oldEdges, newEdges []*EdgeType) []Change {
	var changes []Change
	newNodeByID := make(map[int32]*NodeType, len(newNodes))
	for _, nt := range newNodes {
		newNodeByID[nt.TypeID] = nt
	}
	newEdgeByID := make(map[int32]*EdgeType, len(newEdges))
	for _, et := range newEdges {
		newEdgeByID[et.EdgeID] = et
	}

	for _, oldNT := range oldNodes {
		newNT, ok := newNodeByID[oldNT.TypeID]
		if !ok || !oldNT.Deprecated {
			continue
		}
		if !strings.EqualFold(oldNT.Name, newNT.Name) {
			changes = append(changes, Change{
				Kind:    TypeIDReused,
				Path:    "NodeType:" + newNT.Name,
				Old:     oldNT.Name,
				New:     newNT.Name,
				Message: fmt.Sprintf("type_id %d was deprecated as '%s' but reused for '%s'", oldNT.TypeID, oldNT.Name, newNT.Name),
			})
		}
	}
	for _, oldET := range oldEdges {
		newET, ok := newEdgeByID[oldET.EdgeID]
		if !ok || !oldET.Deprecated {
			continue
		}
		if !strings.EqualFold(oldET.Name, newET.Name) {
			changes = append(changes, Change{
				Kind:    EdgeIDReused,
				Path:    "EdgeType:" + newET.Name,
				Old:     oldET.Name,
				New:     newET.Name,
				Message: fmt.Sprintf("edge_id %d was deprecated as '%s' but reused for '%s'", oldET.EdgeID, oldET.Name, newET.Name),
			})
		}
	}
	return changes
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
