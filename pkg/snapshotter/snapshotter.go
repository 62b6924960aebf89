package snapshotter

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/entdb/entdb/pkg/config"
	"github.com/entdb/entdb/pkg/log"
	"github.com/entdb/entdb/pkg/metrics"
	"github.com/entdb/entdb/pkg/objstore"
	"github.com/entdb/entdb/pkg/store"
	"github.com/entdb/entdb/pkg/types"
)

// Manifest describes one uploaded snapshot. It lives as a
// ".manifest.json" sibling of the database blob so restore can pick a
// snapshot without downloading any of them.
type Manifest struct {
	TenantID          string `json:"tenant_id"`
	SnapshotTS        int64  `json:"snapshot_ts"`
	LastStreamPos     string `json:"last_stream_pos,omitempty"`
	SchemaFingerprint string `json:"schema_fingerprint,omitempty"`
	Checksum          string `json:"checksum"`
	SizeBytes         int64  `json:"size_bytes"`
	S3Key             string `json:"s3_key"`
}

const manifestSuffix = ".manifest.json"

// Snapshotter periodically uploads consistent copies of tenant
// databases to object storage. Copies use the engine's VACUUM INTO so
// the applier keeps writing while a snapshot is taken.
type Snapshotter struct {
	store       *store.Store
	objects     objstore.Store
	cfg         config.SnapshotConfig
	prefix      string
	fingerprint string
	sem         *semaphore.Weighted
	logger      zerolog.Logger
}

// New creates a snapshotter writing under prefix (e.g. "snapshots").
// fingerprint is the frozen schema fingerprint recorded in manifests;
// it may be empty.
func New(st *store.Store, objects objstore.Store, cfg config.SnapshotConfig, prefix, fingerprint string) *Snapshotter {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	return &Snapshotter{
		store:       st,
		objects:     objects,
		cfg:         cfg,
		prefix:      prefix,
		fingerprint: fingerprint,
		sem:         semaphore.NewWeighted(maxConcurrent),
		logger:      log.WithComponent("snapshotter"),
	}
}

// Run snapshots all tenants on the configured interval until ctx ends.
func (sn *Snapshotter) Run(ctx context.Context) error {
	interval := sn.cfg.Interval()
	if interval <= 0 {
		interval = time.Hour
	}

	sn.logger.Info().
		Dur("interval", interval).
		Str("prefix", sn.prefix).
		Msg("snapshotter started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sn.snapshotAll(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// snapshotAll walks every tenant and snapshots the due ones, bounded
// by the semaphore.
func (sn *Snapshotter) snapshotAll(ctx context.Context) {
	tenants, err := sn.store.TenantIDs()
	if err != nil {
		sn.logger.Warn().Err(err).Msg("tenant enumeration failed")
		return
	}

	for _, tenantID := range tenants {
		due, err := sn.shouldSnapshot(ctx, tenantID)
		if err != nil {
			sn.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("snapshot check failed")
			continue
		}
		if !due {
			continue
		}

		if err := sn.sem.Acquire(ctx, 1); err != nil {
			return
		}
		tenantID := tenantID
		go func() {
			defer sn.sem.Release(1)
			if _, err := sn.snapshotTenant(ctx, tenantID); err != nil {
				metrics.SnapshotFailures.Inc()
				sn.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("snapshot failed")
			}
		}()
	}
}

// shouldSnapshot reports whether the tenant has no snapshot yet or
// its newest one is older than the interval.
func (sn *Snapshotter) shouldSnapshot(ctx context.Context, tenantID string) (bool, error) {
	latest, err := sn.LatestManifest(ctx, tenantID)
	if err != nil {
		return false, err
	}
	if latest == nil {
		return true, nil
	}
	age := time.Since(time.UnixMilli(latest.SnapshotTS))
	if age < sn.cfg.Interval() {
		return false, nil
	}
	// With a minimum-activity threshold, an idle tenant is skipped
	// even when its snapshot is old.
	if sn.cfg.MinEvents > 0 {
		lastPos, err := sn.store.LastAppliedPosition(ctx, tenantID)
		if err != nil {
			return false, err
		}
		if lastPos == latest.LastStreamPos {
			return false, nil
		}
	}
	return true, nil
}

// SnapshotNow snapshots one tenant immediately, regardless of age.
func (sn *Snapshotter) SnapshotNow(ctx context.Context, tenantID string) (*Manifest, error) {
	if err := sn.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer sn.sem.Release(1)
	return sn.snapshotTenant(ctx, tenantID)
}

func (sn *Snapshotter) snapshotTenant(ctx context.Context, tenantID string) (*Manifest, error) {
	timer := metrics.NewTimer()

	tempDir, err := os.MkdirTemp("", "entdb-snapshot-")
	if err != nil {
		return nil, types.WrapErr(types.CodeInternal, err, "create temp dir")
	}
	defer os.RemoveAll(tempDir)

	tempPath := filepath.Join(tempDir, "snapshot.sqlite")
	if err := sn.store.Backup(ctx, tenantID, tempPath); err != nil {
		return nil, err
	}

	lastPos, err := sn.store.LastAppliedPosition(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(tempPath)
	if err != nil {
		return nil, types.WrapErr(types.CodeInternal, err, "read snapshot copy")
	}

	contentType := "application/vnd.sqlite3"
	if sn.cfg.Gzip() {
		var compressed bytes.Buffer
		zw := gzip.NewWriter(&compressed)
		if _, err := zw.Write(data); err != nil {
			return nil, types.WrapErr(types.CodeInternal, err, "compress snapshot")
		}
		if err := zw.Close(); err != nil {
			return nil, types.WrapErr(types.CodeInternal, err, "compress snapshot")
		}
		data = compressed.Bytes()
		contentType = "application/gzip"
	}

	ts := types.NowMS()
	key := SnapshotObjectKey(sn.prefix, tenantID, ts, sn.cfg.Gzip())
	sum := sha256.Sum256(data)

	if err := sn.objects.Put(ctx, key, data, contentType); err != nil {
		return nil, err
	}

	manifest := &Manifest{
		TenantID:          tenantID,
		SnapshotTS:        ts,
		LastStreamPos:     lastPos,
		SchemaFingerprint: sn.fingerprint,
		Checksum:          "sha256:" + hex.EncodeToString(sum[:]),
		SizeBytes:         int64(len(data)),
		S3Key:             key,
	}
	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return nil, types.WrapErr(types.CodeInternal, err, "encode manifest")
	}
	if err := sn.objects.Put(ctx, key+manifestSuffix, manifestJSON, "application/json"); err != nil {
		return nil, err
	}

	metrics.SnapshotsTaken.Inc()
	timer.ObserveDuration(metrics.SnapshotDuration)
	sn.logger.Info().
		Str("tenant_id", tenantID).
		Str("key", key).
		Int64("bytes", manifest.SizeBytes).
		Str("last_pos", lastPos).
		Msg("snapshot uploaded")

	return manifest, nil
}

// SnapshotObjectKey builds the object key for a tenant snapshot blob.
func SnapshotObjectKey(prefix, tenantID string, ts int64, compressed bool) string {
	key := fmt.Sprintf("%s/tenant=%s/ts=%d.sqlite", prefix, tenantID, ts)
	if compressed {
		key += ".gz"
	}
	return key
}

// ListSnapshots returns a tenant's manifests, newest first.
func ListSnapshots(ctx context.Context, objects objstore.Store, prefix, tenantID string) ([]*Manifest, error) {
	infos, err := objects.List(ctx, fmt.Sprintf("%s/tenant=%s/", prefix, tenantID))
	if err != nil {
		return nil, err
	}

	var manifests []*Manifest
	for _, info := range infos {
		if !strings.HasSuffix(info.Key, manifestSuffix) {
			continue
		}
		data, err := objects.Get(ctx, info.Key)
		if err != nil {
			return nil, err
		}
		var m Manifest
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, types.WrapErr(types.CodeInternal, err, "parse manifest %s", info.Key)
		}
		manifests = append(manifests, &m)
	}
	sort.Slice(manifests, func(i, j int) bool {
		return manifests[i].SnapshotTS > manifests[j].SnapshotTS
	})
	return manifests, nil
}

// LatestManifest returns the newest manifest for a tenant, or nil when
// the tenant has never been snapshotted.
func (sn *Snapshotter) LatestManifest(ctx context.Context, tenantID string) (*Manifest, error) {
	manifests, err := ListSnapshots(ctx, sn.objects, sn.prefix, tenantID)
	if err != nil {
		return nil, err
	}
	if len(manifests) == 0 {
		return nil, nil
	}
	return manifests[0], nil
}
