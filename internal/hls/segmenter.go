// Package hls implements the HLS Segmenter: it maintains a rolling set of
// segment files plus a playlist in a stream's output directory, rotating
// segments so each one starts on a keyframe and is independently
// decodable.
//
// Grounded on internal/relay/hls_muxer.go (gohlslib wiring,
// track setup, Write* method shape) and mediacommon's codec parameter
// types. Segment rotation itself is delegated to gohlslib, which already
// aligns segment boundaries to keyframes; the layer added here is the
// directory existence/writability check before construction. Segmenter
// has no flush method and no flush timer: the Stream Thread hands every
// video packet to WriteVideo and does not flush the output itself.
package hls

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gohlslib "github.com/bluenviron/gohlslib/v2"
	"github.com/bluenviron/gohlslib/v2/pkg/codecs"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"

	"github.com/nightlatch/nvrcore/internal/packet"
	"github.com/nightlatch/nvrcore/internal/storage"
)

// Variant selects the HLS segment container.
type Variant int

const (
	VariantMPEGTS Variant = iota
	VariantFMP4
	VariantLowLatency
)

func (v Variant) toGohlslib() gohlslib.MuxerVariant {
	switch v {
	case VariantFMP4:
		return gohlslib.MuxerVariantFMP4
	case VariantLowLatency:
		return gohlslib.MuxerVariantLowLatency
	default:
		return gohlslib.MuxerVariantMPEGTS
	}
}

// Errors returned by Segmenter.
var (
	ErrClosed       = errors.New("hls: segmenter closed")
	ErrNoVideoTrack = errors.New("hls: no video track configured")
)

// Config configures a Segmenter.
type Config struct {
	Variant            Variant
	SegmentCount       int
	SegmentMinDuration time.Duration
	PartMinDuration    time.Duration
	SegmentMaxSize     uint64
	Logger             *slog.Logger
}

func (c *Config) setDefaults() {
	if c.SegmentCount <= 0 {
		c.SegmentCount = 7
	}
	if c.SegmentMinDuration <= 0 {
		c.SegmentMinDuration = 1 * time.Second
	}
	if c.PartMinDuration <= 0 {
		c.PartMinDuration = 200 * time.Millisecond
	}
	if c.SegmentMaxSize == 0 {
		c.SegmentMaxSize = 50 * 1024 * 1024
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Segmenter writes demuxed packets to HLS playlists/segments on disk.
// The zero value is not usable; construct with New.
type Segmenter struct {
	cfg Config

	mu         sync.Mutex
	muxer      *gohlslib.Muxer
	videoTrack *gohlslib.Track
	audioTrack *gohlslib.Track
	closed     bool
}

// New ensures relDir exists and is writable within sandbox, then
// constructs and starts a gohlslib-backed segmenter writing directly to
// that directory. videoDesc is required; audioDesc may be nil for
// video-only streams.
func New(sandbox *storage.Sandbox, relDir string, videoDesc, audioDesc *packet.Descriptor, cfg Config) (*Segmenter, error) {
	if videoDesc == nil {
		return nil, ErrNoVideoTrack
	}
	cfg.setDefaults()

	if err := sandbox.EnsureWritable(relDir); err != nil {
		return nil, fmt.Errorf("hls: output directory unusable: %w", err)
	}
	absDir, err := sandbox.ResolvePath(relDir)
	if err != nil {
		return nil, fmt.Errorf("hls: resolving output directory: %w", err)
	}

	videoTrack, videoCodec, err := buildVideoTrack(videoDesc)
	if err != nil {
		return nil, err
	}

	tracks := []*gohlslib.Track{videoTrack}

	var audioTrack *gohlslib.Track
	if audioDesc != nil {
		audioTrack, err = buildAudioTrack(audioDesc)
		if err != nil {
			cfg.Logger.Warn("hls: audio track unusable, continuing video-only",
				slog.String("error", err.Error()))
		} else {
			tracks = append(tracks, audioTrack)
		}
	}

	muxer := &gohlslib.Muxer{
		Variant:            cfg.Variant.toGohlslib(),
		SegmentCount:       cfg.SegmentCount,
		SegmentMinDuration: cfg.SegmentMinDuration,
		PartMinDuration:    cfg.PartMinDuration,
		SegmentMaxSize:     cfg.SegmentMaxSize,
		Tracks:             tracks,
		Directory:          absDir,
	}
	if err := muxer.Start(); err != nil {
		return nil, fmt.Errorf("hls: starting muxer: %w", err)
	}

	cfg.Logger.Info("hls: segmenter started",
		slog.String("variant", fmt.Sprintf("%T", videoCodec)),
		slog.String("dir", absDir),
		slog.Bool("has_audio", audioTrack != nil),
	)

	return &Segmenter{
		cfg:        cfg,
		muxer:      muxer,
		videoTrack: videoTrack,
		audioTrack: audioTrack,
	}, nil
}

func buildVideoTrack(desc *packet.Descriptor) (*gohlslib.Track, codecs.Codec, error) {
	switch desc.Codec {
	case packet.CodecH264:
		c := &codecs.H264{SPS: desc.SPS, PPS: desc.PPS}
		return &gohlslib.Track{Codec: c}, c, nil
	case packet.CodecH265:
		c := &codecs.H265{VPS: desc.VPS, SPS: desc.SPS, PPS: desc.PPS}
		return &gohlslib.Track{Codec: c}, c, nil
	default:
		return nil, nil, fmt.Errorf("hls: unsupported video codec %v", desc.Codec)
	}
}

func buildAudioTrack(desc *packet.Descriptor) (*gohlslib.Track, error) {
	if desc.Codec != packet.CodecAAC {
		return nil, fmt.Errorf("hls: unsupported audio codec %v", desc.Codec)
	}
	c := &codecs.MPEG4Audio{
		Config: mpeg4audio.Config{
			Type:         mpeg4audio.ObjectTypeAACLC,
			SampleRate:   desc.SampleRate,
			ChannelCount: desc.ChannelCount,
		},
	}
	return &gohlslib.Track{Codec: c}, nil
}

// WriteVideo writes one video packet. au is the access unit split into
// individual NAL units (Annex-B start codes stripped).
func (s *Segmenter) WriteVideo(pkt *packet.Packet, au [][]byte, isH265 bool) error {
	s.mu.Lock()
	muxer := s.muxer
	track := s.videoTrack
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return ErrClosed
	}

	var err error
	if isH265 {
		err = muxer.WriteH265(track, time.Now(), pkt.PTS, au)
	} else {
		err = muxer.WriteH264(track, time.Now(), pkt.PTS, au)
	}
	if err != nil {
		return fmt.Errorf("hls: writing video sample: %w", err)
	}
	return nil
}

// WriteAudio writes one audio access unit. Returns nil without writing if
// no audio track was configured (the caller need not special-case this).
func (s *Segmenter) WriteAudio(pkt *packet.Packet) error {
	s.mu.Lock()
	muxer := s.muxer
	track := s.audioTrack
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if track == nil {
		return nil
	}

	if err := muxer.WriteMPEG4Audio(track, time.Now(), pkt.PTS, [][]byte{pkt.Payload}); err != nil {
		return fmt.Errorf("hls: writing audio sample: %w", err)
	}
	return nil
}

// Close stops the muxer. Close is safe to call on a nil Segmenter and is
// idempotent.
func (s *Segmenter) Close() error {
	if s == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.muxer != nil {
		s.muxer.Close()
	}
	return nil
}
