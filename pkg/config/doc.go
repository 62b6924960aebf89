/*
Package config loads the full service configuration from environment
variables via viper, with defaults that bring up a single-node
development instance out of the box.

# Configuration Groups

  - WAL_BACKEND selects the log: memory, bolt, kafka, or kinesis.
  - KAFKA_* / KINESIS_* configure the selected streaming backend.
  - S3_* points the archiver, snapshotter, and restore tool at object
    storage.
  - DATA_DIR and SQLITE_* tune the per-tenant databases.
  - APPLIER_*, ARCHIVER_*, SNAPSHOT_* tune the background consumers.
  - HTTP_BIND, HTTP_MAX_BODY_BYTES, WAIT_TIMEOUT_MS shape the API.
  - LOG_LEVEL, LOG_FORMAT, METRICS_* control observability.

Load validates the combination and fails fast: a kafka backend without
brokers, or an enabled archiver without a bucket, never starts.
Duration-style knobs are stored as integer milliseconds or seconds and
exposed through typed accessors (CommitInterval, FlushInterval,
WaitTimeout) so call sites never repeat the unit conversion.

# Usage

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	cfg.LogSummary() // secrets redacted

# See Also

  - pkg/server: the one consumer of the full Config
*/
package config
