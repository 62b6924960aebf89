package wal

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConnectedMemory(t *testing.T) *MemoryStream {
	t.Helper()
	s := NewMemoryStream(4)
	require.NoError(t, s.Connect(context.Background()))
	return s
}

func TestMemoryAppendAssignsOffsets(t *testing.T) {
	s := newConnectedMemory(t)
	ctx := context.Background()

	pos1, err := s.Append(ctx, "t", "tenant-a", []byte("e1"), nil)
	require.NoError(t, err)
	pos2, err := s.Append(ctx, "t", "tenant-a", []byte("e2"), nil)
	require.NoError(t, err)

	// Same key, same partition, consecutive offsets.
	assert.Equal(t, pos1.Partition, pos2.Partition)
	assert.Equal(t, pos1.Offset+1, pos2.Offset)
}

func TestMemoryAppendRequiresConnect(t *testing.T) {
	s := NewMemoryStream(4)
	_, err := s.Append(context.Background(), "t", "k", []byte("v"), nil)
	assert.Error(t, err)
}

func TestMemorySubscribeReceivesInOrder(t *testing.T) {
	s := newConnectedMemory(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.Append(ctx, "t", "tenant-a", []byte(fmt.Sprintf("e%d", i)), nil)
		require.NoError(t, err)
	}

	sub, err := s.Subscribe(ctx, "t", "g1", nil)
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 5; i++ {
		rec, err := sub.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("e%d", i), string(rec.Value))
		assert.Equal(t, int64(i), rec.Position.Offset)
	}
}

func TestMemorySubscribeBlocksUntilAppend(t *testing.T) {
	s := newConnectedMemory(t)
	ctx := context.Background()

	sub, err := s.Subscribe(ctx, "t", "g1", nil)
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

func TestMemoryNextHonorsContext(t *testing.T) {
	s := newConnectedMemory(t)
	sub, err := s.Subscribe(context.Background(), "t", "g1", nil)
	require.NoError(t, err)
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryCommitIsPerGroup(t *testing.T) {
	s := newConnectedMemory(t)
	ctx := context.Background()

	pos, err := s.Append(ctx, "t", "tenant-a", []byte("e1"), nil)
	require.NoError(t, err)
	_, err = s.Append(ctx, "t", "tenant-a", []byte("e2"), nil)
	require.NoError(t, err)

	subA, err := s.Subscribe(ctx, "t", "group-a", nil)
	require.NoError(t, err)
	rec, err := subA.Next(ctx)
	require.NoError(t, err)
	require.NoError(t, subA.Commit(ctx, rec))
	subA.Close()

	// group-a committed past offset 0.
	posA, err := s.Positions(ctx, "t", "group-a")
	require.NoError(t, err)
	assert.Equal(t, pos.Offset+1, posA[pos.Partition].Offset)

	// group-b has no commits and re-reads from the start.
	posB, err := s.Positions(ctx, "t", "group-b")
	require.NoError(t, err)
	assert.Empty(t, posB)

	subB, err := s.Subscribe(ctx, "t", "group-b", nil)
	require.NoError(t, err)
	defer subB.Close()
	first, err := subB.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "e1", string(first.Value))
}

func TestMemoryResubscribeResumesFromCommit(t *testing.T) {
	s := newConnectedMemory(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.Append(ctx, "t", "tenant-a", []byte(fmt.Sprintf("e%d", i)), nil)
		require.NoError(t, err)
	}

	sub, err := s.Subscribe(ctx, "t", "g", nil)
	require.NoError(t, err)
	rec, err := sub.Next(ctx)
	require.NoError(t, err)
	require.NoError(t, sub.Commit(ctx, rec))
	sub.Close()

	sub2, err := s.Subscribe(ctx, "t", "g", nil)
	require.NoError(t, err)
	defer sub2.Close()
	rec2, err := sub2.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "e1", string(rec2.Value))
}

func TestMemorySubscribeWithStartPosition(t *testing.T) {
	s := newConnectedMemory(t)
	ctx := context.Background()

	var last StreamPos
	for i := 0; i < 3; i++ {
		pos, err := s.Append(ctx, "t", "tenant-a", []byte(fmt.Sprintf("e%d", i)), nil)
		require.NoError(t, err)
		if i == 1 {
			last = pos
		}
	}

	sub, err := s.Subscribe(ctx, "t", "g", &last)
	require.NoError(t, err)
	defer sub.Close()
	rec, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "e2", string(rec.Value))
}

func TestMemoryTestingHelpers(t *testing.T) {
	s := newConnectedMemory(t)
	ctx := context.Background()

	_, err := s.Append(ctx, "t", "a", []byte("1"), nil)
	require.NoError(t, err)
	_, err = s.Append(ctx, "t", "b", []byte("2"), nil)
	require.NoError(t, err)

	assert.Equal(t, 2, s.RecordCount("t"))
	assert.Len(t, s.AllRecords("t"), 2)

	s.ClearTopic("t")
	assert.Equal(t, 0, s.RecordCount("t"))
}

func TestMemoryHeadersCopied(t *testing.T) {
	s := newConnectedMemory(t)
	ctx := context.Background()

	headers := map[string][]byte{"trace": []byte("abc")}
	_, err := s.Append(ctx, "t", "k", []byte("v"), headers)
	require.NoError(t, err)
	headers["trace"][0] = 'x'

	recs := s.AllRecords("t")
	require.Len(t, recs, 1)
	assert.Equal(t, "abc", string(recs[0].Headers["trace"]))
}
