package recctl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nightlatch/nvrcore/internal/config"
	"github.com/nightlatch/nvrcore/internal/packet"
	"github.com/nightlatch/nvrcore/internal/storage"
)

func newTestController(t *testing.T) *Controller {
	t.Helper()
	sandbox, err := storage.NewSandbox(t.TempDir())
	require.NoError(t, err)
	return New(sandbox, config.StorageConfig{BaseDir: sandbox.BaseDir()}, nil)
}

func TestGet_NoActiveRecordingReturnsNil(t *testing.T) {
	c := newTestController(t)
	assert.Nil(t, c.Get("cam-a"))
}

func TestStartRecording_RegistersRecorder(t *testing.T) {
	c := newTestController(t)
	videoDesc := &packet.Descriptor{Codec: packet.CodecH264, SPS: []byte{0x67, 0x42}, PPS: []byte{0x68}}

	err := c.StartRecording("cam-a", videoDesc, nil, false, "session.mp4")
	require.NoError(t, err)

	rec := c.Get("cam-a")
	require.NotNil(t, rec)
	assert.NoError(t, rec.Stop())
}

func TestStopRecording_OnUnknownStreamIsNoOp(t *testing.T) {
	c := newTestController(t)
	assert.NoError(t, c.StopRecording("cam-unknown"))
}

func TestStartRecording_ReplacesPriorSession(t *testing.T) {
	c := newTestController(t)
	videoDesc := &packet.Descriptor{Codec: packet.CodecH264, SPS: []byte{0x67, 0x42}, PPS: []byte{0x68}}

	require.NoError(t, c.StartRecording("cam-a", videoDesc, nil, false, "first.mp4"))
	first := c.Get("cam-a")

	require.NoError(t, c.StartRecording("cam-a", videoDesc, nil, false, "second.mp4"))
	second := c.Get("cam-a")

	assert.NotSame(t, first, second)
}

func TestStopAll_ClearsEverySession(t *testing.T) {
	c := newTestController(t)
	videoDesc := &packet.Descriptor{Codec: packet.CodecH264, SPS: []byte{0x67, 0x42}, PPS: []byte{0x68}}

	require.NoError(t, c.StartRecording("cam-a", videoDesc, nil, false, "a.mp4"))
	require.NoError(t, c.StartRecording("cam-b", videoDesc, nil, false, "b.mp4"))

	c.StopAll()

	assert.Nil(t, c.Get("cam-a"))
	assert.Nil(t, c.Get("cam-b"))
}
