package packet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_InitialRefcount(t *testing.T) {
	p := New(0, FlagKeyframe, 1000, 1000, []byte("data"))
	require.NotNil(t, p)
	assert.True(t, p.IsKeyframe())
	assert.Equal(t, int64(1000), p.PTS)
}

func TestPacket_IsKeyframe(t *testing.T) {
	kf := New(0, FlagKeyframe, 0, 0, nil)
	assert.True(t, kf.IsKeyframe())

	nonKf := New(0, 0, 0, 0, nil)
	assert.False(t, nonKf.IsKeyframe())
}

func TestPacket_RefSharesPayload(t *testing.T) {
	p := New(1, 0, 42, 42, []byte("shared"))
	clone := p.Ref()

	assert.Equal(t, p.Payload, clone.Payload)
	assert.Equal(t, p.PTS, clone.PTS)

	// Releasing both references must not panic.
	p.Release()
	clone.Release()
}

func TestPacket_ReleaseBeyondRefcountPanics(t *testing.T) {
	p := New(0, 0, 0, 0, nil)
	p.Release()

	assert.Panics(t, func() {
		p.Release()
	})
}

func TestPacket_RefIndependentValues(t *testing.T) {
	p := New(0, 0, 0, 0, []byte("x"))
	clone := p.Ref()
	defer p.Release()
	defer clone.Release()

	clone.StreamIndex = 99
	assert.Equal(t, 0, p.StreamIndex)
	assert.Equal(t, 99, clone.StreamIndex)
}
