// Package packet defines the reference-counted media unit that flows from
// the Input Opener through the Stream Thread to its fan-out consumers
// (HLS Segmenter, MP4 Recorder, Pre-buffer, Detection Dispatcher).
package packet

import (
	"sync/atomic"
)

// Kind distinguishes the elementary-stream type a Descriptor describes.
type Kind uint8

const (
	KindVideo Kind = iota
	KindAudio
)

func (k Kind) String() string {
	if k == KindAudio {
		return "audio"
	}
	return "video"
}

// Codec is the small vocabulary of elementary-stream codecs this pipeline
// understands. Anything else demultiplexes to CodecOpaque and is carried
// through without keyframe-aware handling.
type Codec uint8

const (
	CodecOpaque Codec = iota
	CodecH264
	CodecH265
	CodecAAC
	CodecMP2
)

func (c Codec) String() string {
	switch c {
	case CodecH264:
		return "h264"
	case CodecH265:
		return "h265"
	case CodecAAC:
		return "aac"
	case CodecMP2:
		return "mp2"
	default:
		return "opaque"
	}
}

// Descriptor describes one elementary stream discovered inside a container:
// its kind, codec, presentation time base, and codec-specific parameters
// (e.g. H.264 SPS/PPS, an AAC AudioSpecificConfig) needed by downstream
// muxers. The ingest loop resolves at most one video and one audio
// Descriptor per input.
type Descriptor struct {
	Kind       Kind
	Codec      Codec
	StreamIndex int

	// TimeBase is the number of clock ticks per second for PTS/DTS values
	// carried on Packets referencing this descriptor. MPEG-TS convention
	// (90kHz) is used throughout this pipeline.
	TimeBase int64

	// SPS/PPS hold H.264/H.265 parameter sets, when Codec is CodecH264 or
	// CodecH265. VPS is additionally populated for CodecH265.
	VPS []byte
	SPS []byte
	PPS []byte

	// AudioConfig holds the raw mpeg4audio.AudioSpecificConfig bytes when
	// Codec is CodecAAC.
	AudioConfig []byte

	// SampleRate and ChannelCount describe audio tracks; zero for video.
	SampleRate   int
	ChannelCount int
}

// Flag bits carried on a Packet.
type Flag uint8

const (
	// FlagKeyframe marks a packet that can be decoded without reference to
	// any prior packet (an IDR/IRAP access unit, for video).
	FlagKeyframe Flag = 1 << iota
)

// Packet is an opaque, reference-counted, immutable-once-emitted media
// unit. The demuxer allocates the initial reference; every consumer that
// wants to retain the packet past its own processing window must call
// Ref and is responsible for a matching Release. The payload itself is
// never copied on Ref — only the refcount changes — so fan-out to HLS,
// MP4, and the pre-buffer is cheap.
type Packet struct {
	StreamIndex int
	Flags       Flag
	PTS         int64
	DTS         int64
	Payload     []byte

	refcount *int32
}

// New allocates a Packet with an initial reference count of one. payload
// is taken by reference, not copied; callers must not mutate it after
// handing the Packet to New.
func New(streamIndex int, flags Flag, pts, dts int64, payload []byte) *Packet {
	rc := int32(1)
	return &Packet{
		StreamIndex: streamIndex,
		Flags:       flags,
		PTS:         pts,
		DTS:         dts,
		Payload:     payload,
		refcount:    &rc,
	}
}

// IsKeyframe reports whether FlagKeyframe is set.
func (p *Packet) IsKeyframe() bool {
	return p.Flags&FlagKeyframe != 0
}

// Ref returns a new handle to the same underlying payload, incrementing
// the shared refcount. The returned *Packet is a distinct Go value (so
// callers may pass it around independently) but shares storage and
// lifetime tracking with the original.
func (p *Packet) Ref() *Packet {
	atomic.AddInt32(p.refcount, 1)
	clone := *p
	return &clone
}

// Release decrements the shared refcount. Once it reaches zero the
// payload is eligible for reuse/GC; Release is safe to call exactly once
// per Packet value obtained from New or Ref. Calling it more times than
// there are outstanding references is a caller bug and will panic in the
// same way a double-close would.
func (p *Packet) Release() {
	n := atomic.AddInt32(p.refcount, -1)
	if n < 0 {
		panic("packet: Release called more times than there were references")
	}
}
