// Package schema defines the typed graph schema: node and edge type
// definitions, the registry that freezes them into a fingerprinted
// version, payload validation, compatibility checking between schema
// versions, and field inference for payloads written without a
// declared type.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/entdb/entdb/pkg/types"
)

// FieldKind is the declared data type of a field. Kinds map to storage
// representations and validation rules and can never change once a
// field ships.
type FieldKind string

const (
	KindString     FieldKind = "str"
	KindInt        FieldKind = "int"
	KindFloat      FieldKind = "float"
	KindBool       FieldKind = "bool"
	KindTimestamp  FieldKind = "timestamp" // unix milliseconds
	KindJSON       FieldKind = "json"      // arbitrary JSON value
	KindBytes      FieldKind = "bytes"     // base64 in JSON payloads
	KindEnum       FieldKind = "enum"
	KindRef        FieldKind = "ref" // reference to another node
	KindListString FieldKind = "list_str"
	KindListInt    FieldKind = "list_int"
	KindListRef    FieldKind = "list_ref"
)

var fieldKinds = []FieldKind{
	KindString, KindInt, KindFloat, KindBool, KindTimestamp, KindJSON,
	KindBytes, KindEnum, KindRef, KindListString, KindListInt, KindListRef,
}

// ParseFieldKind converts the wire form of a kind back to a FieldKind.
func ParseFieldKind(s string) (FieldKind, error) {
	for _, k := range fieldKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("invalid field kind %q, valid kinds: %v", s, fieldKinds)
}

// MaxFieldID bounds field identifiers; ids above it are rejected so a
// field id always fits in a uint16 on the wire.
const MaxFieldID = 65535

// FieldDef declares a single field of a node or edge type. The field id
// is the canonical identity: names may be changed, ids never.
type FieldDef struct {
	FieldID     int32     `json:"field_id" yaml:"field_id"`
	Name        string    `json:"name" yaml:"name"`
	Kind        FieldKind `json:"kind" yaml:"kind"`
	Required    bool      `json:"required,omitempty" yaml:"required,omitempty"`
	Default     any       `json:"default,omitempty" yaml:"default,omitempty"`
	EnumValues  []string  `json:"enum_values,omitempty" yaml:"enum_values,omitempty"`
	RefTypeID   int32     `json:"ref_type_id,omitempty" yaml:"ref_type_id,omitempty"`
	Indexed     bool      `json:"indexed,omitempty" yaml:"indexed,omitempty"`
	Searchable  bool      `json:"searchable,omitempty" yaml:"searchable,omitempty"`
	Deprecated  bool      `json:"deprecated,omitempty" yaml:"deprecated,omitempty"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
}

// Validate checks the definition is internally consistent.
func (f *FieldDef) Validate() error {
	if f.FieldID <= 0 {
		return fmt.Errorf("field_id must be positive, got %d", f.FieldID)
	}
	if f.FieldID > MaxFieldID {
		return fmt.Errorf("field_id must be <= %d, got %d", MaxFieldID, f.FieldID)
	}
	if f.Name == "" {
		return errors.New("field name cannot be empty")
	}
	if _, err := ParseFieldKind(string(f.Kind)); err != nil {
		return fmt.Errorf("field %q: %w", f.Name, err)
	}
	if f.Kind == KindEnum && len(f.EnumValues) == 0 {
		return fmt.Errorf("enum_values required for enum field %q", f.Name)
	}
	if f.Kind == KindRef && f.RefTypeID == 0 {
		return fmt.Errorf("ref_type_id required for ref field %q", f.Name)
	}
	return nil
}

// ValidateValue checks one payload value against the field. A nil value
// passes unless the field is required. The returned message is
// user-facing and ends up verbatim in apply results.
func (f *FieldDef) ValidateValue(value any) (bool, string) {
	if value == nil {
		if f.Required {
			return false, fmt.Sprintf("Field '%s' is required", f.Name)
		}
		return true, ""
	}

	switch f.Kind {
	case KindEnum:
		s, ok := value.(string)
		if !ok {
			return false, fmt.Sprintf("Field '%s' must be a string, got %T", f.Name, value)
		}
		for _, v := range f.EnumValues {
			if v == s {
				return true, ""
			}
		}
		return false, fmt.Sprintf("Field '%s' must be one of %v, got '%s'", f.Name, f.EnumValues, s)

	case KindRef:
		m, ok := value.(map[string]any)
		if !ok {
			return false, fmt.Sprintf("Field '%s' must be a reference object, got %T", f.Name, value)
		}
		if _, hasType := m["type_id"]; !hasType {
			return false, fmt.Sprintf("Field '%s' reference must have 'type_id' and 'id'", f.Name)
		}
		if _, hasID := m["id"]; !hasID {
			return false, fmt.Sprintf("Field '%s' reference must have 'type_id' and 'id'", f.Name)
		}
		return true, ""
	}

	if !kindAccepts(f.Kind, value) {
		return false, fmt.Sprintf("Field '%s' has invalid type for kind %s", f.Name, f.Kind)
	}
	return true, ""
}

// kindAccepts reports whether a decoded payload value is acceptable for
// the kind. JSON decoding erases the int/float distinction, so integral
// float64 values count as ints.
func kindAccepts(kind FieldKind, v any) bool {
	switch kind {
	case KindString:
		_, ok := v.(string)
		return ok
	case KindInt:
		return isIntValue(v)
	case KindFloat:
		return isNumericValue(v)
	case KindBool:
		_, ok := v.(bool)
		return ok
	case KindTimestamp:
		n, ok := asInt64(v)
		return ok && n >= 0
	case KindJSON:
		return true
	case KindBytes:
		switch v.(type) {
		case string, []byte:
			return true
		}
		return false
	case KindListString:
		switch list := v.(type) {
		case []string:
			return true
		case []any:
			for _, item := range list {
				if _, ok := item.(string); !ok {
					return false
				}
			}
			return true
		}
		return false
	case KindListInt:
		switch list := v.(type) {
		case []int, []int32, []int64:
			return true
		case []any:
			for _, item := range list {
				if !isIntValue(item) {
					return false
				}
			}
			return true
		}
		return false
	case KindListRef:
		switch list := v.(type) {
		case []map[string]any:
			return true
		case []any:
			for _, item := range list {
				if _, ok := item.(map[string]any); !ok {
					return false
				}
			}
			return true
		}
		return false
	}
	return false
}

func isIntValue(v any) bool {
	switch n := v.(type) {
	case int, int32, int64:
		return true
	case float64:
		return n == math.Trunc(n)
	case json.Number:
		_, err := n.Int64()
		return err == nil
	}
	return false
}

func isNumericValue(v any) bool {
	switch n := v.(type) {
	case int, int32, int64, float32, float64:
		return true
	case json.Number:
		_, err := n.Float64()
		return err == nil
	}
	return false
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n == math.Trunc(n) {
			return int64(n), true
		}
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
	}
	return 0, false
}

// toMap renders the field in its canonical dictionary form. Unset and
// false-valued optional attributes are omitted, which keeps the
// fingerprint stable when a definition round-trips through older
// readers that do not know newer attributes.
func (f *FieldDef) toMap() map[string]any {
	m := map[string]any{
		"field_id": f.FieldID,
		"name":     f.Name,
		"kind":     string(f.Kind),
	}
	if f.Required {
		m["required"] = true
	}
	if f.Default != nil {
		m["default"] = f.Default
	}
	if len(f.EnumValues) > 0 {
		m["enum_values"] = f.EnumValues
	}
	if f.RefTypeID != 0 {
		m["ref_type_id"] = f.RefTypeID
	}
	if f.Indexed {
		m["indexed"] = true
	}
	if f.Searchable {
		m["searchable"] = true
	}
	if f.Deprecated {
		m["deprecated"] = true
	}
	if f.Description != "" {
		m["description"] = f.Description
	}
	return m
}

// NodeType declares one node type: a stable numeric id, a name, and a
// set of fields. Instances are registered once and treated as immutable
// afterwards.
type NodeType struct {
	TypeID      int32            `json:"type_id" yaml:"type_id"`
	Name        string           `json:"name" yaml:"name"`
	Fields      []FieldDef       `json:"fields" yaml:"fields"`
	Deprecated  bool             `json:"deprecated,omitempty" yaml:"deprecated,omitempty"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	DefaultACL  []types.ACLEntry `json:"default_acl,omitempty" yaml:"default_acl,omitempty"`
}

// Validate checks the type and all its fields.
func (t *NodeType) Validate() error {
	if t.TypeID <= 0 {
		return fmt.Errorf("type_id must be positive, got %d", t.TypeID)
	}
	if t.Name == "" {
		return errors.New("node type name cannot be empty")
	}
	seenIDs := make(map[int32]struct{}, len(t.Fields))
	seenNames := make(map[string]struct{}, len(t.Fields))
	for i := range t.Fields {
		f := &t.Fields[i]
		if err := f.Validate(); err != nil {
			return fmt.Errorf("node type %q: %w", t.Name, err)
		}
		if _, dup := seenIDs[f.FieldID]; dup {
			return fmt.Errorf("duplicate field_id %d in node type %q", f.FieldID, t.Name)
		}
		if _, dup := seenNames[f.Name]; dup {
			return fmt.Errorf("duplicate field name %q in node type %q", f.Name, t.Name)
		}
		seenIDs[f.FieldID] = struct{}{}
		seenNames[f.Name] = struct{}{}
	}
	return nil
}

// Field returns the field with the given name, or nil.
func (t *NodeType) Field(name string) *FieldDef {
	for i := range t.Fields {
		if t.Fields[i].Name == name {
			return &t.Fields[i]
		}
	}
	return nil
}

// FieldByID returns the field with the given id, or nil.
func (t *NodeType) FieldByID(id int32) *FieldDef {
	for i := range t.Fields {
		if t.Fields[i].FieldID == id {
			return &t.Fields[i]
		}
	}
	return nil
}

// FieldNames lists the names of all non-deprecated fields.
func (t *NodeType) FieldNames() []string {
	names := make([]string, 0, len(t.Fields))
	for i := range t.Fields {
		if !t.Fields[i].Deprecated {
			names = append(names, t.Fields[i].Name)
		}
	}
	return names
}

// RequiredFields lists the non-deprecated fields that must be present
// on create.
func (t *NodeType) RequiredFields() []FieldDef {
	var out []FieldDef
	for i := range t.Fields {
		if t.Fields[i].Required && !t.Fields[i].Deprecated {
			out = append(out, t.Fields[i])
		}
	}
	return out
}

// SearchableFields lists the non-deprecated fields included in the
// full-text index.
func (t *NodeType) SearchableFields() []FieldDef {
	var out []FieldDef
	for i := range t.Fields {
		if t.Fields[i].Searchable && !t.Fields[i].Deprecated {
			out = append(out, t.Fields[i])
		}
	}
	return out
}

// ValidatePayload checks a create payload against the type. Absent
// fields take their declared default before validation, so a required
// field with a default never fails. Returns all problems, not just the
// first.
func (t *NodeType) ValidatePayload(payload map[string]any) (bool, []string) {
	var errs []string

	known := make(map[string]struct{}, len(t.Fields))
	for i := range t.Fields {
		known[t.Fields[i].Name] = struct{}{}
	}
	var unknown []string
	for name := range payload {
		if _, ok := known[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		errs = append(errs, fmt.Sprintf("Unknown fields: %v", unknown))
	}

	for i := range t.Fields {
		f := &t.Fields[i]
		value, present := payload[f.Name]
		if !present {
			value = f.Default
		}
		if ok, msg := f.ValidateValue(value); !ok && msg != "" {
			errs = append(errs, msg)
		}
	}
	return len(errs) == 0, errs
}

func (t *NodeType) toMap() map[string]any {
	fields := make([]map[string]any, 0, len(t.Fields))
	for i := range t.Fields {
		fields = append(fields, t.Fields[i].toMap())
	}
	m := map[string]any{
		"type_id": t.TypeID,
		"name":    t.Name,
		"fields":  fields,
	}
	if t.Deprecated {
		m["deprecated"] = true
	}
	if t.Description != "" {
		m["description"] = t.Description
	}
	if len(t.DefaultACL) > 0 {
		acl := make([]map[string]any, 0, len(t.DefaultACL))
		for _, a := range t.DefaultACL {
			acl = append(acl, map[string]any{
				"principal":  a.Principal,
				"permission": string(a.Permission),
			})
		}
		m["default_acl"] = acl
	}
	return m
}

// EdgeType declares one unidirectional edge type between two node
// types, optionally carrying its own property fields.
type EdgeType struct {
	EdgeID        int32      `json:"edge_id" yaml:"edge_id"`
	Name          string     `json:"name" yaml:"name"`
	FromTypeID    int32      `json:"from_type_id" yaml:"from_type_id"`
	ToTypeID      int32      `json:"to_type_id" yaml:"to_type_id"`
	Props         []FieldDef `json:"props" yaml:"props"`
	UniquePerFrom bool       `json:"unique_per_from,omitempty" yaml:"unique_per_from,omitempty"`
	Deprecated    bool       `json:"deprecated,omitempty" yaml:"deprecated,omitempty"`
	Description   string     `json:"description,omitempty" yaml:"description,omitempty"`
}

// Validate checks the type and all its props.
func (e *EdgeType) Validate() error {
	if e.EdgeID <= 0 {
		return fmt.Errorf("edge_id must be positive, got %d", e.EdgeID)
	}
	if e.Name == "" {
		return errors.New("edge type name cannot be empty")
	}
	seenIDs := make(map[int32]struct{}, len(e.Props))
	for i := range e.Props {
		p := &e.Props[i]
		if err := p.Validate(); err != nil {
			return fmt.Errorf("edge type %q: %w", e.Name, err)
		}
		if _, dup := seenIDs[p.FieldID]; dup {
			return fmt.Errorf("duplicate field_id %d in edge type %q", p.FieldID, e.Name)
		}
		seenIDs[p.FieldID] = struct{}{}
	}
	return nil
}

// Prop returns the property with the given name, or nil.
func (e *EdgeType) Prop(name string) *FieldDef {
	for i := range e.Props {
		if e.Props[i].Name == name {
			return &e.Props[i]
		}
	}
	return nil
}

// PropByID returns the property with the given id, or nil.
func (e *EdgeType) PropByID(id int32) *FieldDef {
	for i := range e.Props {
		if e.Props[i].FieldID == id {
			return &e.Props[i]
		}
	}
	return nil
}

// ValidateProps checks edge property values the same way
// NodeType.ValidatePayload checks node payloads.
func (e *EdgeType) ValidateProps(props map[string]any) (bool, []string) {
	var errs []string

	known := make(map[string]struct{}, len(e.Props))
	for i := range e.Props {
		known[e.Props[i].Name] = struct{}{}
	}
	var unknown []string
	for name := range props {
		if _, ok := known[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		errs = append(errs, fmt.Sprintf("Unknown properties: %v", unknown))
	}

	for i := range e.Props {
		p := &e.Props[i]
		value, present := props[p.Name]
		if !present {
			value = p.Default
		}
		if ok, msg := p.ValidateValue(value); !ok && msg != "" {
			errs = append(errs, msg)
		}
	}
	return len(errs) == 0, errs
}

func (e *EdgeType) toMap() map[string]any {
	props := make([]map[string]any, 0, len(e.Props))
	for i := range e.Props {
		props = append(props, e.Props[i].toMap())
	}
	m := map[string]any{
		"edge_id":      e.EdgeID,
		"name":         e.Name,
		"from_type_id": e.FromTypeID,
		"to_type_id":   e.ToTypeID,
		"props":        props,
	}
	if e.UniquePerFrom {
		m["unique_per_from"] = true
	}
	if e.Deprecated {
		m["deprecated"] = true
	}
	if e.Description != "" {
		m["description"] = e.Description
	}
	return m
}
