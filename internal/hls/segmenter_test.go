package hls

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bluenviron/gohlslib/v2/pkg/codecs"

	"github.com/nightlatch/nvrcore/internal/packet"
)

func TestConfig_SetDefaults(t *testing.T) {
	var cfg Config
	cfg.setDefaults()

	assert.Equal(t, 7, cfg.SegmentCount)
	assert.Equal(t, 1*time.Second, cfg.SegmentMinDuration)
	assert.Equal(t, 200*time.Millisecond, cfg.PartMinDuration)
	assert.Equal(t, uint64(50*1024*1024), cfg.SegmentMaxSize)
	assert.NotNil(t, cfg.Logger)
}

func TestBuildVideoTrack_H264(t *testing.T) {
	desc := &packet.Descriptor{Codec: packet.CodecH264, SPS: []byte{1}, PPS: []byte{2}}
	track, codec, err := buildVideoTrack(desc)
	require.NoError(t, err)
	require.NotNil(t, track)

	h264, ok := codec.(*codecs.H264)
	require.True(t, ok)
	assert.Equal(t, []byte{1}, h264.SPS)
	assert.Equal(t, []byte{2}, h264.PPS)
}

func TestBuildVideoTrack_H265(t *testing.T) {
	desc := &packet.Descriptor{Codec: packet.CodecH265, VPS: []byte{9}, SPS: []byte{1}, PPS: []byte{2}}
	_, codec, err := buildVideoTrack(desc)
	require.NoError(t, err)

	h265, ok := codec.(*codecs.H265)
	require.True(t, ok)
	assert.Equal(t, []byte{9}, h265.VPS)
}

func TestBuildVideoTrack_UnsupportedCodec(t *testing.T) {
	desc := &packet.Descriptor{Codec: packet.CodecMP2}
	_, _, err := buildVideoTrack(desc)
	assert.Error(t, err)
}

func TestBuildAudioTrack_RejectsNonAAC(t *testing.T) {
	desc := &packet.Descriptor{Codec: packet.CodecMP2}
	_, err := buildAudioTrack(desc)
	assert.Error(t, err)
}

func TestBuildAudioTrack_AAC(t *testing.T) {
	desc := &packet.Descriptor{Codec: packet.CodecAAC, SampleRate: 48000, ChannelCount: 2}
	track, err := buildAudioTrack(desc)
	require.NoError(t, err)

	aac, ok := track.Codec.(*codecs.MPEG4Audio)
	require.True(t, ok)
	assert.Equal(t, 48000, aac.Config.SampleRate)
	assert.Equal(t, 2, aac.Config.ChannelCount)
}

func TestSegmenter_CloseOnNilIsNoOp(t *testing.T) {
	var s *Segmenter
	assert.NoError(t, s.Close())
}

func TestSegmenter_CloseIsIdempotent(t *testing.T) {
	s := &Segmenter{}
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}

func TestNew_RejectsNilVideoDescriptor(t *testing.T) {
	_, err := New(nil, "hls", nil, nil, Config{})
	assert.ErrorIs(t, err, ErrNoVideoTrack)
}
