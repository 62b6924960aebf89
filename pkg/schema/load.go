package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadFile reads a schema definition from a YAML or JSON file and
// registers every type. The returned registry is unfrozen so callers
// can add programmatic types before freezing.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file: %w", err)
	}

	var doc registryDoc
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse schema file %s: %w", path, err)
		}
	default:
		// YAML is a superset of JSON, so .yaml, .yml and everything
		// else go through the YAML parser.
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse schema file %s: %w", path, err)
		}
	}
	return fromDoc(&doc)
}

// SnapshotVersion is the current on-disk snapshot document version.
const SnapshotVersion = 1

// Snapshot is the schema snapshot document written by the CLI and used
// as the baseline for compatibility checks.
type Snapshot struct {
	Version     int            `json:"version"`
	Fingerprint string         `json:"fingerprint"`
	Schema      map[string]any `json:"schema"`
}

// Registry reconstructs a registry from the snapshot's schema.
func (s *Snapshot) Registry() (*Registry, error) {
	return FromMap(s.Schema)
}

// WriteSnapshot fingerprints the registry and writes a snapshot
// document with sorted keys, so consecutive snapshots of the same
// schema diff clean.
func WriteSnapshot(path string, r *Registry) (*Snapshot, error) {
	fp, err := ComputeFingerprint(r)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{
		Version:     SnapshotVersion,
		Fingerprint: fp,
		Schema:      r.ToMap(),
	}
	doc := map[string]any{
		"version":     snap.Version,
		"fingerprint": snap.Fingerprint,
		"schema":      snap.Schema,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode schema snapshot: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("write schema snapshot: %w", err)
	}
	return snap, nil
}

// ReadSnapshot loads a snapshot document written by WriteSnapshot.
func ReadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse schema snapshot %s: %w", path, err)
	}
	if snap.Version != SnapshotVersion {
		return nil, fmt.Errorf("unsupported schema snapshot version %d", snap.Version)
	}
	return &snap, nil
}
