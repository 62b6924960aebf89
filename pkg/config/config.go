package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/entdb/entdb/pkg/log"
)

// WALBackend selects the log stream implementation.
type WALBackend string

const (
	BackendMemory  WALBackend = "memory"
	BackendBolt    WALBackend = "bolt"
	BackendKafka   WALBackend = "kafka"
	BackendKinesis WALBackend = "kinesis"
)

// KafkaConfig holds producer and consumer settings for the Kafka backend.
type KafkaConfig struct {
	Brokers           []string
	Topic             string
	SecurityProtocol  string
	SASLMechanism     string
	SASLUsername      string
	SASLPassword      string
	EnableIdempotence bool
	MaxInFlight       int
	AutoOffsetReset   string
}

// KinesisConfig holds settings for the Kinesis backend.
type KinesisConfig struct {
	StreamName   string
	Region       string
	EndpointURL  string
	MaxRecords   int32
	IteratorType string
}

// S3Config holds object storage settings shared by the archiver,
// snapshotter, and restore tool.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	ArchivePrefix   string
	SnapshotPrefix  string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
}

// StorageConfig holds SQLite and filesystem settings.
type StorageConfig struct {
	DataDir       string
	WALMode       bool
	BusyTimeoutMS int
	CacheSize     int
	BoltPath      string
}

// ApplierConfig tunes the apply loop.
type ApplierConfig struct {
	Group            string
	BatchSize        int
	CommitIntervalMS int
	RetryDelayMS     int
	MaxRetries       int
}

// CommitInterval returns the longest time a consumed record may stay
// uncommitted.
func (c ApplierConfig) CommitInterval() time.Duration {
	return time.Duration(c.CommitIntervalMS) * time.Millisecond
}

// RetryDelay returns the pause between apply retries.
func (c ApplierConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMS) * time.Millisecond
}

// ArchiverConfig tunes segment building and flushing.
type ArchiverConfig struct {
	Enabled          bool
	Group            string
	FlushSeconds     int
	MaxSegmentBytes  int64
	MaxSegmentEvents int
	Compression      string
}

// FlushInterval returns the flush ticker period.
func (c ArchiverConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushSeconds) * time.Second
}

// Gzip reports whether segments are gzip-compressed.
func (c ArchiverConfig) Gzip() bool { return c.Compression == "gzip" }

// SnapshotConfig tunes the snapshotter.
type SnapshotConfig struct {
	Enabled         bool
	IntervalSeconds int
	MinEvents       int
	Compression     string
	MaxConcurrent   int64
}

// Interval returns the per-tenant snapshot age threshold.
func (c SnapshotConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// Gzip reports whether snapshots are gzip-compressed.
func (c SnapshotConfig) Gzip() bool { return c.Compression == "gzip" }

// ObservabilityConfig holds logging and metrics settings.
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string
	MetricsEnabled bool
	MetricsPort    int
}

// APIConfig holds the HTTP API settings.
type APIConfig struct {
	Bind          string
	MaxBodyBytes  int64
	WaitTimeoutMS int
}

// WaitTimeout returns the default wait_applied deadline.
func (c APIConfig) WaitTimeout() time.Duration {
	return time.Duration(c.WaitTimeoutMS) * time.Millisecond
}

// Config is the full service configuration, loaded from environment
// variables.
type Config struct {
	Backend       WALBackend
	Kafka         KafkaConfig
	Kinesis       KinesisConfig
	S3            S3Config
	Storage       StorageConfig
	Applier       ApplierConfig
	Archiver      ArchiverConfig
	Snapshot      SnapshotConfig
	Observability ObservabilityConfig
	API           APIConfig
}

// Topic returns the log topic for the active backend.
func (c *Config) Topic() string {
	if c.Backend == BackendKinesis {
		return c.Kinesis.StreamName
	}
	return c.Kafka.Topic
}

func newViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()

	// WAL backend selection
	v.SetDefault("wal_backend", "memory")

	// Kafka
	v.SetDefault("kafka_brokers", "localhost:9092")
	v.SetDefault("kafka_topic", "entdb-wal")
	v.SetDefault("kafka_security_protocol", "")
	v.SetDefault("kafka_sasl_mechanism", "")
	v.SetDefault("kafka_sasl_username", "")
	v.SetDefault("kafka_sasl_password", "")
	v.SetDefault("kafka_enable_idempotence", true)
	v.SetDefault("kafka_max_in_flight", 5)
	v.SetDefault("kafka_auto_offset_reset", "earliest")

	// Kinesis
	v.SetDefault("kinesis_stream_name", "entdb-wal")
	v.SetDefault("aws_region", "us-east-1")
	v.SetDefault("kinesis_endpoint_url", "")
	v.SetDefault("kinesis_max_records", 1000)
	v.SetDefault("kinesis_iterator_type", "TRIM_HORIZON")

	// S3
	v.SetDefault("s3_bucket", "entdb-storage")
	v.SetDefault("s3_region", "us-east-1")
	v.SetDefault("s3_endpoint", "")
	v.SetDefault("s3_archive_prefix", "archive")
	v.SetDefault("s3_snapshot_prefix", "snapshots")
	v.SetDefault("s3_force_path_style", false)
	v.SetDefault("aws_access_key_id", "")
	v.SetDefault("aws_secret_access_key", "")

	// Storage
	v.SetDefault("data_dir", "/var/lib/entdb")
	v.SetDefault("sqlite_wal_mode", true)
	v.SetDefault("sqlite_busy_timeout_ms", 5000)
	v.SetDefault("sqlite_cache_size", -64000)
	v.SetDefault("bolt_path", "")

	// Applier
	v.SetDefault("applier_group", "entdb-applier")
	v.SetDefault("applier_batch_size", 100)
	v.SetDefault("applier_commit_interval_ms", 1000)
	v.SetDefault("applier_retry_delay_ms", 100)
	v.SetDefault("applier_max_retries", 3)

	// Archiver
	v.SetDefault("archiver_enabled", true)
	v.SetDefault("archiver_group", "entdb-archiver")
	v.SetDefault("archive_flush_seconds", 60)
	v.SetDefault("archive_max_segment_bytes", int64(100*1024*1024))
	v.SetDefault("archive_max_segment_events", 10000)
	v.SetDefault("archive_compression", "gzip")

	// Snapshotter
	v.SetDefault("snapshot_enabled", true)
	v.SetDefault("snapshot_interval_seconds", 3600)
	v.SetDefault("snapshot_min_events", 1000)
	v.SetDefault("snapshot_compression", "gzip")
	v.SetDefault("snapshot_max_concurrent", 4)

	// Observability
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("metrics_enabled", true)
	v.SetDefault("metrics_port", 9090)

	// API
	v.SetDefault("http_bind", ":8080")
	v.SetDefault("http_max_body_bytes", int64(64*1024*1024))
	v.SetDefault("wait_timeout_ms", 30000)

	return v
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	v := newViper()

	cfg := &Config{
		Backend: WALBackend(strings.ToLower(v.GetString("wal_backend"))),
		Kafka: KafkaConfig{
			Brokers:           splitList(v.GetString("kafka_brokers")),
			Topic:             v.GetString("kafka_topic"),
			SecurityProtocol:  v.GetString("kafka_security_protocol"),
			SASLMechanism:     v.GetString("kafka_sasl_mechanism"),
			SASLUsername:      v.GetString("kafka_sasl_username"),
			SASLPassword:      v.GetString("kafka_sasl_password"),
			EnableIdempotence: v.GetBool("kafka_enable_idempotence"),
			MaxInFlight:       v.GetInt("kafka_max_in_flight"),
			AutoOffsetReset:   v.GetString("kafka_auto_offset_reset"),
		},
		Kinesis: KinesisConfig{
			StreamName:   v.GetString("kinesis_stream_name"),
			Region:       v.GetString("aws_region"),
			EndpointURL:  v.GetString("kinesis_endpoint_url"),
			MaxRecords:   v.GetInt32("kinesis_max_records"),
			IteratorType: v.GetString("kinesis_iterator_type"),
		},
		S3: S3Config{
			Bucket:          v.GetString("s3_bucket"),
			Region:          v.GetString("s3_region"),
			Endpoint:        v.GetString("s3_endpoint"),
			ArchivePrefix:   v.GetString("s3_archive_prefix"),
			SnapshotPrefix:  v.GetString("s3_snapshot_prefix"),
			AccessKeyID:     v.GetString("aws_access_key_id"),
			SecretAccessKey: v.GetString("aws_secret_access_key"),
			ForcePathStyle:  v.GetBool("s3_force_path_style"),
		},
		Storage: StorageConfig{
			DataDir:       v.GetString("data_dir"),
			WALMode:       v.GetBool("sqlite_wal_mode"),
			BusyTimeoutMS: v.GetInt("sqlite_busy_timeout_ms"),
			CacheSize:     v.GetInt("sqlite_cache_size"),
			BoltPath:      v.GetString("bolt_path"),
		},
		Applier: ApplierConfig{
			Group:            v.GetString("applier_group"),
			BatchSize:        v.GetInt("applier_batch_size"),
			CommitIntervalMS: v.GetInt("applier_commit_interval_ms"),
			RetryDelayMS:     v.GetInt("applier_retry_delay_ms"),
			MaxRetries:       v.GetInt("applier_max_retries"),
		},
		Archiver: ArchiverConfig{
			Enabled:          v.GetBool("archiver_enabled"),
			Group:            v.GetString("archiver_group"),
			FlushSeconds:     v.GetInt("archive_flush_seconds"),
			MaxSegmentBytes:  v.GetInt64("archive_max_segment_bytes"),
			MaxSegmentEvents: v.GetInt("archive_max_segment_events"),
			Compression:      v.GetString("archive_compression"),
		},
		Snapshot: SnapshotConfig{
			Enabled:         v.GetBool("snapshot_enabled"),
			IntervalSeconds: v.GetInt("snapshot_interval_seconds"),
			MinEvents:       v.GetInt("snapshot_min_events"),
			Compression:     v.GetString("snapshot_compression"),
			MaxConcurrent:   v.GetInt64("snapshot_max_concurrent"),
		},
		Observability: ObservabilityConfig{
			LogLevel:       strings.ToLower(v.GetString("log_level")),
			LogFormat:      strings.ToLower(v.GetString("log_format")),
			MetricsEnabled: v.GetBool("metrics_enabled"),
			MetricsPort:    v.GetInt("metrics_port"),
		},
		API: APIConfig{
			Bind:          v.GetString("http_bind"),
			MaxBodyBytes:  v.GetInt64("http_max_body_bytes"),
			WaitTimeoutMS: v.GetInt("wait_timeout_ms"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate fails fast on configurations that cannot work.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMemory, BackendBolt, BackendKafka, BackendKinesis:
	default:
		return fmt.Errorf("invalid WAL_BACKEND %q (valid: memory, bolt, kafka, kinesis)", c.Backend)
	}

	if c.Backend == BackendKafka {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS required for kafka backend")
		}
		if c.Kafka.Topic == "" {
			return fmt.Errorf("KAFKA_TOPIC required for kafka backend")
		}
	}
	if c.Backend == BackendKinesis && c.Kinesis.StreamName == "" {
		return fmt.Errorf("KINESIS_STREAM_NAME required for kinesis backend")
	}
	if (c.Archiver.Enabled || c.Snapshot.Enabled) && c.S3.Bucket == "" {
		return fmt.Errorf("S3_BUCKET required when archiver or snapshotter is enabled")
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("DATA_DIR must not be empty")
	}
	return nil
}

// LogSummary logs the effective configuration with secrets redacted.
func (c *Config) LogSummary() {
	logger := log.WithComponent("config")
	logger.Info().
		Str("wal_backend", string(c.Backend)).
		Str("topic", c.Topic()).
		Str("data_dir", c.Storage.DataDir).
		Bool("archiver_enabled", c.Archiver.Enabled).
		Bool("snapshot_enabled", c.Snapshot.Enabled).
		Str("s3_bucket", c.S3.Bucket).
		Str("http_bind", c.API.Bind).
		Int("metrics_port", c.Observability.MetricsPort).
		Msg("Configuration loaded")
	if c.Kafka.SASLPassword != "" || c.S3.SecretAccessKey != "" {
		logger.Debug().Msg("Credential values present (redacted)")
	}
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
