package restore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"github.com/entdb/entdb/pkg/applier"
	"github.com/entdb/entdb/pkg/archiver"
	"github.com/entdb/entdb/pkg/config"
	"github.com/entdb/entdb/pkg/log"
	"github.com/entdb/entdb/pkg/objstore"
	"github.com/entdb/entdb/pkg/snapshotter"
	"github.com/entdb/entdb/pkg/store"
	"github.com/entdb/entdb/pkg/types"
	"github.com/entdb/entdb/pkg/wal"
)

// Options selects what to rebuild and from where.
type Options struct {
	TenantID       string
	Storage        config.StorageConfig
	SnapshotPrefix string
	ArchivePrefix  string

	// DryRun reports what would be restored without touching the
	// data directory.
	DryRun bool
	// Verify runs an integrity check on the rebuilt database.
	Verify bool
	// SkipArchive restores the snapshot only, without replay.
	SkipArchive bool
}

// Result reports what a restore did.
type Result struct {
	Success        bool
	SnapshotUsed   string
	EventsReplayed int
	FinalStreamPos string
	Duration       time.Duration
	Err            error
}

// Run rebuilds one tenant's canonical database from the latest
// snapshot plus archived events past it. With no snapshot it replays
// the full archive into an empty database. Re-running against the same
// snapshot and archive is idempotent: replayed events dedup against
// the restored ledger.
func Run(ctx context.Context, objects objstore.Store, opts Options) *Result {
	started := time.Now()
	logger := log.WithComponent("restore").With().Str("tenant_id", opts.TenantID).Logger()

	res := &Result{}
	res.Err = run(ctx, objects, opts, logger, res)
	res.Success = res.Err == nil
	res.Duration = time.Since(started)

	if res.Err != nil {
		logger.Error().Err(res.Err).Msg("restore failed")
	} else {
		logger.Info().
			Str("snapshot", res.SnapshotUsed).
			Int("events_replayed", res.EventsReplayed).
			Str("final_pos", res.FinalStreamPos).
			Dur("duration", res.Duration).
			Msg("restore finished")
	}
	return res
}

func run(ctx context.Context, objects objstore.Store, opts Options, logger zerolog.Logger, res *Result) error {
	if opts.TenantID == "" {
		return types.E(types.CodeInvalidArgument, "missing tenant_id")
	}
	if opts.Storage.DataDir == "" {
		return types.E(types.CodeInvalidArgument, "missing data dir")
	}

	manifest, err := latestManifest(ctx, objects, opts)
	if err != nil {
		return err
	}

	if opts.DryRun {
		return dryRun(ctx, objects, opts, manifest, logger, res)
	}

	st, err := store.NewStore(opts.Storage)
	if err != nil {
		return err
	}
	defer st.Close()

	dbPath := st.DBPath(opts.TenantID)
	if err := backupExisting(dbPath, logger); err != nil {
		return err
	}

	if manifest != nil {
		res.SnapshotUsed = manifest.S3Key
		res.FinalStreamPos = manifest.LastStreamPos
		if err := materializeSnapshot(ctx, objects, manifest, dbPath); err != nil {
			return err
		}
	}
	if err := st.EnsureTenant(ctx, opts.TenantID); err != nil {
		return err
	}

	if !opts.SkipArchive {
		if err := replayArchive(ctx, objects, opts, st, logger, res); err != nil {
			return err
		}
	}

	if opts.Verify {
		if err := st.IntegrityCheck(ctx, opts.TenantID); err != nil {
			return err
		}
	}
	return nil
}

func latestManifest(ctx context.Context, objects objstore.Store, opts Options) (*snapshotter.Manifest, error) {
	manifests, err := snapshotter.ListSnapshots(ctx, objects, opts.SnapshotPrefix, opts.TenantID)
	if err != nil {
		return nil, err
	}
	if len(manifests) == 0 {
		return nil, nil
	}
	return manifests[0], nil
}

func dryRun(ctx context.Context, objects objstore.Store, opts Options, manifest *snapshotter.Manifest, logger zerolog.Logger, res *Result) error {
	segmentCount := 0
	if !opts.SkipArchive {
		segments, err := archiver.ListSegments(ctx, objects, opts.ArchivePrefix, opts.TenantID)
		if err != nil {
			return err
		}
		segmentCount = len(segments)
	}
	if manifest != nil {
		res.SnapshotUsed = manifest.S3Key
		res.FinalStreamPos = manifest.LastStreamPos
	}
	logger.Info().
		Str("snapshot", res.SnapshotUsed).
		Int("archive_segments", segmentCount).
		Msg("dry run, nothing restored")
	return nil
}

// backupExisting moves an existing database (and its WAL siblings) out
// of the way instead of deleting it.
func backupExisting(dbPath string, logger zerolog.Logger) error {
	if _, err := os.Stat(dbPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return types.WrapErr(types.CodeInternal, err, "stat %s", dbPath)
	}
	backupPath := dbPath + ".backup"
	if err := os.Rename(dbPath, backupPath); err != nil {
		return types.WrapErr(types.CodeInternal, err, "back up %s", dbPath)
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		os.Remove(dbPath + suffix)
	}
	logger.Info().Str("backup", backupPath).Msg("existing database moved aside")
	return nil
}

// materializeSnapshot downloads, checksums, decompresses, and
// atomically installs the snapshot blob at dbPath.
func materializeSnapshot(ctx context.Context, objects objstore.Store, manifest *snapshotter.Manifest, dbPath string) error {
	blob, err := objects.Get(ctx, manifest.S3Key)
	if err != nil {
		return err
	}

	if manifest.Checksum != "" {
		sum := sha256.Sum256(blob)
		got := "sha256:" + hex.EncodeToString(sum[:])
		if got != manifest.Checksum {
			return types.E(types.CodeInternal, "snapshot %s checksum mismatch: manifest %s, blob %s",
				manifest.S3Key, manifest.Checksum, got)
		}
	}

	data := blob
	if strings.HasSuffix(manifest.S3Key, ".gz") {
		zr, err := gzip.NewReader(bytes.NewReader(blob))
		if err != nil {
			return types.WrapErr(types.CodeInternal, err, "decompress snapshot %s", manifest.S3Key)
		}
		data, err = io.ReadAll(zr)
		zr.Close()
		if err != nil {
			return types.WrapErr(types.CodeInternal, err, "decompress snapshot %s", manifest.S3Key)
		}
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return types.WrapErr(types.CodeInternal, err, "create data dir")
	}
	tempPath := dbPath + ".restore-tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return types.WrapErr(types.CodeInternal, err, "write snapshot copy")
	}
	if err := os.Rename(tempPath, dbPath); err != nil {
		os.Remove(tempPath)
		return types.WrapErr(types.CodeInternal, err, "install snapshot")
	}
	return nil
}

// replayArchive applies archived events past the ledger's last
// offset, committing per event through the applier's code path.
func replayArchive(ctx context.Context, objects objstore.Store, opts Options, st *store.Store, logger zerolog.Logger, res *Result) error {
	startOffset := int64(-1)
	lastPos, err := st.LastAppliedPosition(ctx, opts.TenantID)
	if err != nil {
		return err
	}
	if lastPos != "" {
		pos, err := wal.ParseStreamPos(lastPos)
		if err != nil {
			return types.WrapErr(types.CodeInternal, err, "ledger position %q", lastPos)
		}
		startOffset = pos.Offset
		res.FinalStreamPos = lastPos
	}

	segments, err := archiver.ListSegments(ctx, objects, opts.ArchivePrefix, opts.TenantID)
	if err != nil {
		return err
	}

	ap := applier.New(nil, st, nil, nil, nil, config.ApplierConfig{}, "")

	for _, seg := range segments {
		if seg.ToOffset <= startOffset {
			continue
		}
		entries, err := archiver.ReadSegment(ctx, objects, seg)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if entry.Position.Offset <= startOffset {
				continue
			}
			event, err := types.DecodeTransactionEvent(entry.Event)
			if err != nil {
				logger.Warn().
					Err(err).
					Str("segment", seg.Key).
					Int64("offset", entry.Position.Offset).
					Msg("skipping malformed archive entry")
				continue
			}
			r, err := ap.ApplyEvent(ctx, event, entry.Position)
			if err != nil {
				return types.WrapErr(types.CodeOf(err), err, "replay offset %d", entry.Position.Offset)
			}
			if !r.Skipped {
				res.EventsReplayed++
			}
			res.FinalStreamPos = entry.Position.String()
		}
	}
	return nil
}
