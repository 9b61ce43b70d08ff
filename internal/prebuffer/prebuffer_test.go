package prebuffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nightlatch/nvrcore/internal/packet"
)

func TestRing_AddAndLen(t *testing.T) {
	r := New(3)
	desc := &packet.Descriptor{Kind: packet.KindVideo}

	r.Add(packet.New(0, 0, 1, 1, []byte("a")), desc)
	r.Add(packet.New(0, 0, 2, 2, []byte("b")), desc)

	assert.Equal(t, 2, r.Len())
	r.Close()
}

func TestRing_EvictsOldestOnOverflow(t *testing.T) {
	r := New(2)
	desc := &packet.Descriptor{Kind: packet.KindVideo}

	r.Add(packet.New(0, 0, 1, 1, []byte("first")), desc)
	r.Add(packet.New(0, 0, 2, 2, []byte("second")), desc)
	r.Add(packet.New(0, 0, 3, 3, []byte("third")), desc)

	assert.Equal(t, 2, r.Len())

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, int64(2), snap[0].Packet.PTS)
	assert.Equal(t, int64(3), snap[1].Packet.PTS)

	for _, e := range snap {
		e.Packet.Release()
	}
	r.Close()
}

func TestRing_SnapshotReturnsOwnReferences(t *testing.T) {
	r := New(2)
	desc := &packet.Descriptor{Kind: packet.KindVideo}

	r.Add(packet.New(0, 0, 1, 1, []byte("x")), desc)

	snap := r.Snapshot()
	require.Len(t, snap, 1)

	// Releasing the snapshot's reference must not panic the ring's own
	// reference, and vice versa.
	snap[0].Packet.Release()
	r.Close()
}

func TestRing_SnapshotOrderedOldestFirst(t *testing.T) {
	r := New(3)
	desc := &packet.Descriptor{Kind: packet.KindAudio}

	for i := int64(1); i <= 3; i++ {
		r.Add(packet.New(1, 0, i, i, nil), desc)
	}

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, int64(1), snap[0].Packet.PTS)
	assert.Equal(t, int64(2), snap[1].Packet.PTS)
	assert.Equal(t, int64(3), snap[2].Packet.PTS)

	for _, e := range snap {
		e.Packet.Release()
	}
	r.Close()
}
