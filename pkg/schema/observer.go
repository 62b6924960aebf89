package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"sort"
)

// Field inference for tenants that write payloads without a declared
// schema. The applier observes every payload, infers a minimal field
// set, and persists it so the effective schema can be reported even
// when nothing was ever registered. Pure functions, no I/O.

// ObservedField is a minimal field description inferred from payloads.
type ObservedField struct {
	FieldID int32     `json:"field_id"`
	Name    string    `json:"name"`
	Kind    FieldKind `json:"kind"`
}

// ObservedNodeType is a node type reconstructed from applied payloads.
type ObservedNodeType struct {
	TypeID int32           `json:"type_id"`
	Name   string          `json:"name"`
	Fields []ObservedField `json:"fields"`
}

// ObservedEdgeType is an edge type reconstructed from applied props.
type ObservedEdgeType struct {
	EdgeID int32           `json:"edge_id"`
	Name   string          `json:"name"`
	Props  []ObservedField `json:"props"`
}

// InferFieldKind maps a decoded payload value to a field kind. Nulls
// and anything structurally ambiguous widen to json. JSON decoding
// turns every number into float64, so integral values are reported as
// int.
func InferFieldKind(value any) FieldKind {
	switch v := value.(type) {
	case nil:
		return KindJSON
	case bool:
		return KindBool
	case int, int32, int64:
		return KindInt
	case float64:
		if v == math.Trunc(v) && !math.IsInf(v, 0) {
			return KindInt
		}
		return KindFloat
	case float32:
		return KindFloat
	case json.Number:
		if _, err := v.Int64(); err == nil {
			return KindInt
		}
		return KindFloat
	case string:
		return KindString
	case []string:
		if len(v) > 0 {
			return KindListString
		}
		return KindJSON
	case []int:
		if len(v) > 0 {
			return KindListInt
		}
		return KindJSON
	case []any:
		if len(v) == 0 {
			return KindJSON
		}
		allStr, allInt := true, true
		for _, item := range v {
			if _, ok := item.(string); !ok {
				allStr = false
			}
			if !isIntValue(item) {
				allInt = false
			}
		}
		if allStr {
			return KindListString
		}
		if allInt {
			return KindListInt
		}
		return KindJSON
	}
	return KindJSON
}

// ObserveFields converts a payload into sorted field definitions.
// Field ids are assigned alphabetically by name so the same payload
// shape always yields the same ids.
func ObserveFields(payload map[string]any) []ObservedField {
	names := make([]string, 0, len(payload))
	for name := range payload {
		names = append(names, name)
	}
	sort.Strings(names)

	fields := make([]ObservedField, 0, len(names))
	for i, name := range names {
		fields = append(fields, ObservedField{
			FieldID: int32(i + 1),
			Name:    name,
			Kind:    InferFieldKind(payload[name]),
		})
	}
	return fields
}

// FieldsFingerprint hashes field names and kinds for change detection.
// Ids are excluded so reassignment after a merge does not register as a
// change.
func FieldsFingerprint(fields []ObservedField) string {
	sorted := make([]ObservedField, len(fields))
	copy(sorted, fields)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	entries := make([]map[string]any, 0, len(sorted))
	for _, f := range sorted {
		entries = append(entries, map[string]any{
			"name": f.Name,
			"kind": string(f.Kind),
		})
	}
	canonical, err := canonicalJSON(entries)
	if err != nil {
		// Maps of strings always encode.
		return ""
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// MergeFieldSets unions two observed field sets. A name seen with two
// different kinds widens to json. The result is sorted by name with
// ids reassigned from 1.
func MergeFieldSets(existing, observed []ObservedField) []ObservedField {
	byName := make(map[string]FieldKind, len(existing)+len(observed))
	for _, f := range existing {
		byName[f.Name] = f.Kind
	}
	for _, f := range observed {
		if kind, ok := byName[f.Name]; ok {
			if kind != f.Kind {
				byName[f.Name] = KindJSON
			}
		} else {
			byName[f.Name] = f.Kind
		}
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	merged := make([]ObservedField, 0, len(names))
	for i, name := range names {
		merged = append(merged, ObservedField{
			FieldID: int32(i + 1),
			Name:    name,
			Kind:    byName[name],
		})
	}
	return merged
}

// MergeSchemas overlays observed types onto a registry. The registry
// wins for every field it declares; observed fields and types it does
// not know are appended with fresh ids. The result is the dictionary
// form served by the schema endpoint.
func MergeSchemas(reg *Registry, nodes []ObservedNodeType, edges []ObservedEdgeType) map[string]any {
	obsNodes := make(map[int32]ObservedNodeType, len(nodes))
	for _, t := range nodes {
		obsNodes[t.TypeID] = t
	}
	obsEdges := make(map[int32]ObservedEdgeType, len(edges))
	for _, e := range edges {
		obsEdges[e.EdgeID] = e
	}

	mergedNodes := make(map[int32]map[string]any)
	for _, nt := range reg.NodeTypes() {
		m := nt.toMap()
		if obs, ok := obsNodes[nt.TypeID]; ok {
			m["fields"] = appendExtraFields(m["fields"].([]map[string]any), obs.Fields)
		}
		mergedNodes[nt.TypeID] = m
	}
	for id, obs := range obsNodes {
		if _, ok := mergedNodes[id]; !ok {
			mergedNodes[id] = map[string]any{
				"type_id": obs.TypeID,
				"name":    obs.Name,
				"fields":  observedFieldMaps(obs.Fields),
			}
		}
	}

	mergedEdges := make(map[int32]map[string]any)
	for _, et := range reg.EdgeTypes() {
		m := et.toMap()
		if obs, ok := obsEdges[et.EdgeID]; ok {
			m["props"] = appendExtraFields(m["props"].([]map[string]any), obs.Props)
		}
		mergedEdges[et.EdgeID] = m
	}
	for id, obs := range obsEdges {
		if _, ok := mergedEdges[id]; !ok {
			mergedEdges[id] = map[string]any{
				"edge_id": obs.EdgeID,
				"name":    obs.Name,
				"props":   observedFieldMaps(obs.Props),
			}
		}
	}

	return map[string]any{
		"node_types": sortedMapsByKey(mergedNodes),
		"edge_types": sortedMapsByKey(mergedEdges),
	}
}

// appendExtraFields adds observed fields whose names the declared set
// does not contain, continuing the id sequence after the declared
// maximum.
func appendExtraFields(declared []map[string]any, observed []ObservedField) []map[string]any {
	names := make(map[string]struct{}, len(declared))
	var maxID int64
	for _, f := range declared {
		if name, ok := f["name"].(string); ok {
			names[name] = struct{}{}
		}
		if id, ok := asInt64(f["field_id"]); ok && id > maxID {
			maxID = id
		}
	}
	out := declared
	for _, f := range observed {
		if _, ok := names[f.Name]; ok {
			continue
		}
		maxID++
		out = append(out, map[string]any{
			"field_id": int32(maxID),
			"name":     f.Name,
			"kind":     string(f.Kind),
		})
	}
	return out
}

func observedFieldMaps(fields []ObservedField) []map[string]any {
	out := make([]map[string]any, 0, len(fields))
	for _, f := range fields {
		out = append(out, map[string]any{
			"field_id": f.FieldID,
			"name":     f.Name,
			"kind":     string(f.Kind),
		})
	}
	return out
}

func sortedMapsByKey(m map[int32]map[string]any) []map[string]any {
	keys := make([]int32, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	out := make([]map[string]any, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}
