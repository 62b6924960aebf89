/*
Package schema manages typed graph definitions: the declared registry,
its fingerprint, observed (inferred) types, and compatibility checking
between schema versions.

# Core Components

Registry: node and edge type definitions keyed by immutable numeric
ids. Freeze computes the canonical fingerprint ("sha256:..." over the
sorted JSON form) and latches the registry against further change; the
API uses the fingerprint to reject writes pinned to a stale schema.

Observer helpers: InferFieldKind and ObserveFields derive field shapes
from payloads the applier materializes, MergeFieldSets folds repeated
observations together, and MergeSchemas overlays a tenant's observed
types onto the declared registry for the schema endpoint. Declared
types always win; observed ones fill the gaps.

Compatibility: Check diffs two registries into a change list and
ValidateBreaking turns breaking changes into a SCHEMA_COMPAT_ERROR.
The evolution rules are strict: ids are immutable, kinds never change,
nothing is removed. Old types and fields are deprecated, new ids are
added.

Loading: LoadFile reads YAML or JSON definitions; WriteSnapshot and
ReadSnapshot persist a fingerprinted baseline for CI compatibility
gates.

# Usage

	reg, err := schema.LoadFile("schema.yaml")
	if err != nil {
		return err
	}
	fp, err := reg.Freeze()

	changes := schema.Check(oldReg, newReg)
	if err := schema.ValidateBreaking(changes); err != nil {
		return err // deploy gate
	}

# See Also

  - pkg/applier: fingerprint pinning and field observation
  - pkg/api: the merged schema endpoint
  - cmd/entdb: schema validate / snapshot / check
*/
package schema
