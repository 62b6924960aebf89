package wal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStreamPosString(t *testing.T) {
	pos := StreamPos{Topic: "entdb-wal", Partition: 2, Offset: 41, TimestampMS: 1700000000000}
	assert.Equal(t, "entdb-wal:2:41", pos.String())
}

func TestParseStreamPos(t *testing.T) {
	pos, err := ParseStreamPos("entdb-wal:2:41")
	assert.NoError(t, err)
	assert.Equal(t, "entdb-wal", pos.Topic)
	assert.Equal(t, int32(2), pos.Partition)
	assert.Equal(t, int64(41), pos.Offset)
}

func TestParseStreamPosTopicWithColon(t *testing.T) {
	// Only the two rightmost fields are numeric; the rest is topic.
	pos, err := ParseStreamPos("env:prod:wal:0:7")
	assert.NoError(t, err)
	assert.Equal(t, "env:prod:wal", pos.Topic)
	assert.Equal(t, int32(0), pos.Partition)
	assert.Equal(t, int64(7), pos.Offset)
}

func TestParseStreamPosInvalid(t *testing.T) {
	cases := []string{"", "topic", "topic:1", "topic:x:1", "topic:1:x", ":1:2"}
	for _, in := range cases {
		_, err := ParseStreamPos(in)
		assert.Error(t, err, "input %q", in)
	}
}

func TestParseStreamPosRoundTrip(t *testing.T) {
	pos := StreamPos{Topic: "entdb-wal", Partition: 3, Offset: 123456}
	parsed, err := ParseStreamPos(pos.String())
	assert.NoError(t, err)
	assert.Equal(t, pos.Topic, parsed.Topic)
	assert.Equal(t, pos.Partition, parsed.Partition)
	assert.Equal(t, pos.Offset, parsed.Offset)
}

func TestPartitionForKeyStable(t *testing.T) {
	// Same key always lands on the same partition.
	p1 := partitionForKey("tenant-acme", 4)
	p2 := partitionForKey("tenant-acme", 4)
	assert.Equal(t, p1, p2)
	assert.GreaterOrEqual(t, p1, int32(0))
	assert.Less(t, p1, int32(4))
}

func TestPartitionForKeySpread(t *testing.T) {
	seen := make(map[int32]bool)
	keys := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k", "l"}
	for _, k := range keys {
		seen[partitionForKey(k, 4)] = true
	}
	// A dozen keys should hit more than one partition.
	assert.Greater(t, len(seen), 1)
}
