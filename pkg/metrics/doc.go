/*
Package metrics provides Prometheus instrumentation and health
endpoints for the service.

# Architecture

All collectors are package-level and registered at init, so any
component can record without wiring a registry through constructors:

	┌──────────────────── METRICS ─────────────────────────┐
	│                                                       │
	│  applier ──▶ entdb_events_applied_total{tenant_id}    │
	│              entdb_events_skipped_total               │
	│              entdb_events_failed_total{code}          │
	│              entdb_apply_duration_seconds             │
	│              entdb_applier_offset{partition}          │
	│                                                       │
	│  wal ──────▶ entdb_wal_appends_total{result}          │
	│  fanout ───▶ entdb_fanout_items_total                 │
	│                                                       │
	│  archiver ─▶ entdb_archive_segments_total             │
	│              entdb_archive_bytes_total                │
	│              entdb_archive_flush_failures_total       │
	│                                                       │
	│  snapshot ─▶ entdb_snapshots_total                    │
	│              entdb_snapshot_failures_total            │
	│              entdb_snapshot_duration_seconds          │
	│                                                       │
	│  api ──────▶ entdb_api_requests_total{route,status}   │
	│              entdb_api_request_duration_seconds{route}│
	│              entdb_wait_applied_timeouts_total        │
	│                                                       │
	│  collector ▶ entdb_tenants_total                      │
	│   (15s)      entdb_nodes_total{tenant_id}             │
	│              entdb_edges_total{tenant_id}             │
	│              entdb_ledger_entries_total{tenant_id}    │
	└───────────────────────────────────────────────────────┘

Counters and histograms are recorded inline at the call sites. Gauges
that require scanning the data directory come from the Collector, which
samples the canonical store every 15 seconds.

# Core Components

Collector: periodic sampler of per-tenant row counts from the canonical
store.

Timer: a small helper for histogram observations.

	timer := metrics.NewTimer()
	applyEvent(...)
	timer.ObserveDuration(metrics.ApplyDuration)

Health registry: process-wide component health behind
RegisterComponent/UpdateComponent. GetHealth aggregates every
registered component; GetReadiness additionally requires the critical
set (wal, applier, api) to be registered and healthy.

# HTTP Endpoints

Handler serves the Prometheus exposition format. HealthHandler,
ReadyHandler, and LivenessHandler serve JSON health documents; health
and readiness return 503 when degraded so they slot directly into
orchestrator probes.

# Usage

	metrics.SetVersion(version)
	metrics.RegisterComponent("wal", false, "connecting")
	...
	metrics.UpdateComponent("wal", true, "")

	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", metrics.HealthHandler())
	mux.HandleFunc("/readyz", metrics.ReadyHandler())
	mux.HandleFunc("/livez", metrics.LivenessHandler())

# See Also

  - pkg/server: wires the collector and health registrations
  - pkg/api: records the request metrics
*/
package metrics
