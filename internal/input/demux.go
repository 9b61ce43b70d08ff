package input

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/asticode/go-astits"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"

	"github.com/nightlatch/nvrcore/internal/packet"
)

// trackInitTimeout bounds how long Stream waits for a PMT announcing a
// video track before giving up with ErrNoVideoTrack.
const trackInitTimeout = 10 * time.Second

// Stream is a demuxed, live elementary-stream input. Packets arrive on
// Packets in wall-clock order; Errs carries terminal demux errors. Both
// channels are closed once the underlying reader reaches EOF or Close is
// called.
type Stream struct {
	Packets <-chan *packet.Packet
	Errs    <-chan error

	VideoDescriptor *packet.Descriptor
	AudioDescriptor *packet.Descriptor

	closer io.Closer
	cancel context.CancelFunc
}

// Close stops demuxing and releases the underlying connection. Close is
// idempotent.
func (s *Stream) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

func newStream(r io.ReadCloser) *Stream {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Stream{
		closer: r,
		cancel: cancel,
	}

	packets := make(chan *packet.Packet, 64)
	errs := make(chan error, 1)
	s.Packets = packets
	s.Errs = errs

	d := &demuxer{
		r:       r,
		packets: packets,
		errs:    errs,
	}

	ready := make(chan struct{})
	go d.run(ctx, ready)

	select {
	case <-ready:
	case <-time.After(trackInitTimeout):
	case <-ctx.Done():
	}

	s.VideoDescriptor = d.videoDescriptor()
	s.AudioDescriptor = d.audioDescriptor()

	return s
}

// videoTrack and audioTrack record the astits PID/codec assignment
// resolved from the stream's first PMT, plus any parameter sets seen so
// far so later access units can be checked for completeness.
type videoTrack struct {
	pid   uint16
	codec packet.Codec
	vps   []byte
	sps   []byte
	pps   []byte
}

type audioTrack struct {
	pid          uint16
	codec        packet.Codec
	sampleRate   int
	channelCount int
}

type demuxer struct {
	r       io.Reader
	packets chan<- *packet.Packet
	errs    chan<- error

	mu    chanMutex
	video *videoTrack
	audio *audioTrack
}

// chanMutex is a minimal mutual-exclusion primitive built on a buffered
// channel, avoiding a second import purely for guarding two pointer
// fields that are written once (on PMT) and read thereafter.
type chanMutex chan struct{}

func newChanMutex() chanMutex {
	c := make(chanMutex, 1)
	c <- struct{}{}
	return c
}

func (m chanMutex) lock()   { <-m }
func (m chanMutex) unlock() { m <- struct{}{} }

func (d *demuxer) videoDescriptor() *packet.Descriptor {
	d.mu.lock()
	defer d.mu.unlock()
	if d.video == nil {
		return nil
	}
	return &packet.Descriptor{
		Kind:        packet.KindVideo,
		Codec:       d.video.codec,
		StreamIndex: VideoStreamIndex,
		VPS:         d.video.vps,
		SPS:         d.video.sps,
		PPS:         d.video.pps,
	}
}

func (d *demuxer) audioDescriptor() *packet.Descriptor {
	d.mu.lock()
	defer d.mu.unlock()
	if d.audio == nil {
		return nil
	}
	return &packet.Descriptor{
		Kind:         packet.KindAudio,
		Codec:        d.audio.codec,
		StreamIndex:  AudioStreamIndex,
		SampleRate:   d.audio.sampleRate,
		ChannelCount: d.audio.channelCount,
	}
}

func (d *demuxer) run(ctx context.Context, ready chan<- struct{}) {
	d.mu = newChanMutex()
	defer close(d.packets)
	defer close(d.errs)

	dmx := astits.NewDemuxer(ctx, d.r)

	signaled := false
	for {
		data, err := dmx.NextData()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			select {
			case d.errs <- err:
			default:
			}
			return
		}

		if data.PMT != nil {
			d.handlePMT(data.PMT)
			if !signaled && d.video != nil {
				signaled = true
				close(ready)
			}
		}

		if data.PES != nil {
			d.handlePES(ctx, data)
		}
	}
}

func (d *demuxer) handlePMT(pmt *astits.PMTData) {
	d.mu.lock()
	defer d.mu.unlock()

	for _, es := range pmt.ElementaryStreams {
		switch es.StreamType {
		case astits.StreamTypeH264Video:
			if d.video == nil {
				d.video = &videoTrack{pid: es.ElementaryPID, codec: packet.CodecH264}
			}
		case astits.StreamTypeH265Video:
			if d.video == nil {
				d.video = &videoTrack{pid: es.ElementaryPID, codec: packet.CodecH265}
			}
		case astits.StreamTypeAACAudio, astits.StreamTypeAACLATMAudio:
			if d.audio == nil {
				d.audio = &audioTrack{pid: es.ElementaryPID, codec: packet.CodecAAC}
			}
		case astits.StreamTypeMPEG1Audio, astits.StreamTypeMPEG2Audio:
			if d.audio == nil {
				d.audio = &audioTrack{pid: es.ElementaryPID, codec: packet.CodecMP2}
			}
		}
	}
}

func (d *demuxer) handlePES(ctx context.Context, data *astits.DemuxerData) {
	pid := data.FirstPacket.Header.PID

	d.mu.lock()
	video := d.video
	audio := d.audio
	d.mu.unlock()

	header := data.PES.Header.OptionalHeader
	if header == nil || header.PTS == nil {
		return
	}
	pts := header.PTS.Base
	dts := pts
	if header.DTS != nil {
		dts = header.DTS.Base
	}

	switch {
	case video != nil && pid == video.pid:
		d.emitVideo(ctx, video, pts, dts, splitAnnexB(data.PES.Data))
	case audio != nil && pid == audio.pid:
		d.emitAudio(ctx, audio, pts, data.PES.Data)
	}
}

func (d *demuxer) emitVideo(ctx context.Context, track *videoTrack, pts, dts int64, au [][]byte) {
	if len(au) == 0 {
		return
	}

	isH265 := track.codec == packet.CodecH265
	au = reorderNALUnits(au, isH265)

	var isKeyframe bool
	if isH265 {
		isKeyframe = h265.IsRandomAccess(au)
	} else {
		isKeyframe = h264.IsRandomAccess(au)
	}

	d.captureParameterSets(track, au, isH265)

	payload, err := h264.AnnexB(au).Marshal()
	if err != nil || len(payload) == 0 {
		return
	}

	var flags packet.Flag
	if isKeyframe {
		flags |= packet.FlagKeyframe
	}

	pkt := packet.New(VideoStreamIndex, flags, pts, dts, payload)
	d.send(ctx, pkt)
}

func (d *demuxer) emitAudio(ctx context.Context, track *audioTrack, pts int64, data []byte) {
	if len(data) == 0 {
		return
	}
	pkt := packet.New(AudioStreamIndex, 0, pts, pts, data)
	d.send(ctx, pkt)
}

func (d *demuxer) send(ctx context.Context, pkt *packet.Packet) {
	select {
	case d.packets <- pkt:
	case <-ctx.Done():
		pkt.Release()
	}
}

// captureParameterSets records the first VPS/SPS/PPS seen on the video
// track so later Descriptor lookups (and the HLS/MP4 writers that
// consult them at stream startup) have codec parameters without parsing
// every access unit.
func (d *demuxer) captureParameterSets(track *videoTrack, au [][]byte, isH265 bool) {
	d.mu.lock()
	defer d.mu.unlock()

	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		if isH265 {
			naluType := (nalu[0] >> 1) & 0x3F
			switch naluType {
			case h265NALTypeVPS:
				if track.vps == nil {
					track.vps = append([]byte(nil), nalu...)
				}
			case h265NALTypeSPS:
				if track.sps == nil {
					track.sps = append([]byte(nil), nalu...)
				}
			case h265NALTypePPS:
				if track.pps == nil {
					track.pps = append([]byte(nil), nalu...)
				}
			}
			continue
		}

		naluType := nalu[0] & 0x1F
		switch naluType {
		case h264NALTypeSPS:
			if track.sps == nil {
				track.sps = append([]byte(nil), nalu...)
			}
		case h264NALTypePPS:
			if track.pps == nil {
				track.pps = append([]byte(nil), nalu...)
			}
		}
	}
}

// splitAnnexB splits a PES payload that astits hands back as a single
// Annex-B-framed buffer into individual NAL units, stripping start codes.
func splitAnnexB(data []byte) [][]byte {
	var nalus [][]byte
	start := -1
	i := 0
	for i < len(data) {
		if isStartCode(data, i) {
			if start >= 0 {
				nalus = append(nalus, data[start:i])
			}
			if data[i+2] == 1 {
				i += 3
			} else {
				i += 4
			}
			start = i
			continue
		}
		i++
	}
	if start >= 0 && start < len(data) {
		nalus = append(nalus, data[start:])
	}
	return nalus
}

func isStartCode(data []byte, i int) bool {
	if i+3 <= len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
		return true
	}
	if i+4 <= len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 0 && data[i+3] == 1 {
		return true
	}
	return false
}
