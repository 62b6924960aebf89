package wal

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConnectedBolt(t *testing.T, path string) *BoltStream {
	t.Helper()
	s := NewBoltStream(path, 4)
	require.NoError(t, s.Connect(context.Background()))
	return s
}

func TestBoltAppendAndSubscribe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.bolt")
	s := newConnectedBolt(t, path)
	defer s.Close()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := s.Append(ctx, "t", "tenant-a", []byte(fmt.Sprintf("e%d", i)), nil)
		require.NoError(t, err)
	}

	sub, err := s.Subscribe(ctx, "t", "g", nil)
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 4; i++ {
		rec, err := sub.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("e%d", i), string(rec.Value))
		assert.Equal(t, "tenant-a", rec.Key)
	}
}

func TestBoltDurableAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.bolt")
	ctx := context.Background()

	s := newConnectedBolt(t, path)
	pos, err := s.Append(ctx, "t", "tenant-a", []byte("persisted"), map[string][]byte{"h": []byte("v")})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2 := newConnectedBolt(t, path)
	defer s2.Close()

	sub, err := s2.Subscribe(ctx, "t", "g", nil)
	require.NoError(t, err)
	defer sub.Close()

	rec, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "persisted", string(rec.Value))
	assert.Equal(t, pos.Offset, rec.Position.Offset)
	assert.Equal(t, "v", string(rec.Headers["h"]))
}

func TestBoltCommitPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.bolt")
	ctx := context.Background()

	s := newConnectedBolt(t, path)
	_, err := s.Append(ctx, "t", "tenant-a", []byte("e0"), nil)
	require.NoError(t, err)
	_, err = s.Append(ctx, "t", "tenant-a", []byte("e1"), nil)
	require.NoError(t, err)

	sub, err := s.Subscribe(ctx, "t", "g", nil)
	require.NoError(t, err)
	rec, err := sub.Next(ctx)
	require.NoError(t, err)
	require.NoError(t, sub.Commit(ctx, rec))
	sub.Close()
	require.NoError(t, s.Close())

	s2 := newConnectedBolt(t, path)
	defer s2.Close()

	positions, err := s2.Positions(ctx, "t", "g")
	require.NoError(t, err)
	require.Contains(t, positions, rec.Position.Partition)
	assert.Equal(t, rec.Position.Offset+1, positions[rec.Position.Partition].Offset)

	sub2, err := s2.Subscribe(ctx, "t", "g", nil)
	require.NoError(t, err)
	defer sub2.Close()
	rec2, err := sub2.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "e1", string(rec2.Value))
}

func TestBoltCommitDoesNotRegress(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.bolt")
	ctx := context.Background()
	s := newConnectedBolt(t, path)
	defer s.Close()

	_, err := s.Append(ctx, "t", "tenant-a", []byte("e0"), nil)
	require.NoError(t, err)
	_, err = s.Append(ctx, "t", "tenant-a", []byte("e1"), nil)
	require.NoError(t, err)

	sub, err := s.Subscribe(ctx, "t", "g", nil)
	require.NoError(t, err)
	defer sub.Close()

	first, err := sub.Next(ctx)
	require.NoError(t, err)
	second, err := sub.Next(ctx)
	require.NoError(t, err)

	require.NoError(t, sub.Commit(ctx, second))
	require.NoError(t, sub.Commit(ctx, first)) // out of order, ignored

	positions, err := s.Positions(ctx, "t", "g")
	require.NoError(t, err)
	assert.Equal(t, second.Position.Offset+1, positions[second.Position.Partition].Offset)
}

func TestBoltSubscribeBlocksUntilAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.bolt")
	ctx := context.Background()
	s := newConnectedBolt(t, path)
	defer s.Close()

	sub, err := s.Subscribe(ctx, "t", "g", nil)
	require.NoError(t, err)
	defer sub.Close()

	got := make(chan *Record, 1)
	go func() {
		rec, err := sub.Next(ctx)
		if err == nil {
			got <- rec
		}
	}()

	time.Sleep(50 * time.Millisecond)
	_, err = s.Append(ctx, "t", "tenant-a", []byte("wake"), nil)
	require.NoError(t, err)

	select {
	case rec := <-got:
		assert.Equal(t, "wake", string(rec.Value))
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber was not woken by append")
	}
}

func TestBoltPartitionCountPersisted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.bolt")
	ctx := context.Background()

	s := NewBoltStream(path, 8)
	require.NoError(t, s.Connect(ctx))
	require.NoError(t, s.Close())

	// A different configured count is ignored in favor of the stored one.
	s2 := NewBoltStream(path, 2)
	require.NoError(t, s2.Connect(ctx))
	defer s2.Close()
	assert.Equal(t, int32(8), s2.numPartitions)
}
