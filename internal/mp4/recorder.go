// Package mp4 implements the MP4 Recorder: a continuous per-session
// fragmented-MP4 file writer, built directly on github.com/abema/go-mp4
// rather than shelling out to FFmpeg.
//
// Grounded structurally on other_examples'
// Spatial-NVR/SpatialNVR/internal/recording/recorder.go — its state
// machine (idle → starting → running → stopping → error), mutex-guarded
// status fields, and its FFmpeg invocation's
// "-movflags +frag_keyframe+empty_moov+default_base_moof" output shape,
// which this package reproduces directly: an empty moov (no sample
// table, just track/timing metadata) followed by one moof+mdat fragment
// per GOP, rather than spawning FFmpeg to do the muxing.
package mp4

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/abema/go-mp4"

	"github.com/nightlatch/nvrcore/internal/packet"
	"github.com/nightlatch/nvrcore/internal/storage"
)

// State is the Recorder's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ErrNotRunning is returned by Write* when the recorder isn't accepting
// samples.
var ErrNotRunning = errors.New("mp4: recorder not running")

const timescale = 90000 // matches the 90kHz PTS/DTS clock used throughout the pipeline

// Recorder writes one continuous fragmented-MP4 file per recording
// session. It is not owned by the Stream Thread: callers look it up per
// packet, so its lifetime spans an externally-controlled start/stop that
// may occur mid-stream.
type Recorder struct {
	logger *slog.Logger

	mu                    sync.Mutex
	state                 State
	file                  *os.File
	writer                *mp4.Writer
	hasAudio              bool
	videoDesc             *packet.Descriptor
	audioDesc             *packet.Descriptor
	sawFirstVideoKeyframe bool
	fragmentSeq           uint32
	videoTrackID          uint32
	audioTrackID          uint32
	pendingVideo          []sample
	pendingAudio          []sample
	baseVideoTime         int64
	baseAudioTime         int64
	lastError             error
}

// LastError returns the error that last moved the recorder into
// StateError, if any.
func (r *Recorder) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastError
}

type sample struct {
	data       []byte
	pts        int64
	dts        int64
	isKeyframe bool
}

// New creates an idle Recorder. The video and audio descriptors are
// supplied later, to Start.
func New(logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{logger: logger, state: StateIdle, videoTrackID: 1, audioTrackID: 2}
}

// Start opens relPath within sandbox and writes the initial ftyp+moov
// header. hasAudio gates whether an audio track is declared; if true,
// audioDesc must be non-nil.
func (r *Recorder) Start(sandbox *storage.Sandbox, relPath string, videoDesc, audioDesc *packet.Descriptor, hasAudio bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateRunning || r.state == StateStarting {
		return nil
	}
	r.state = StateStarting

	if hasAudio && audioDesc == nil {
		r.state = StateError
		return errors.New("mp4: hasAudio set without an audio descriptor")
	}

	file, err := sandbox.OpenFile(relPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		r.state = StateError
		return fmt.Errorf("mp4: opening output file: %w", err)
	}

	r.file = file
	r.writer = mp4.NewWriter(file)
	r.videoDesc = videoDesc
	r.audioDesc = audioDesc
	r.hasAudio = hasAudio
	r.sawFirstVideoKeyframe = false
	r.fragmentSeq = 0

	if err := r.writeHeader(); err != nil {
		file.Close()
		r.state = StateError
		return fmt.Errorf("mp4: writing header: %w", err)
	}

	r.state = StateRunning
	r.logger.Info("mp4: recording started", slog.String("path", relPath), slog.Bool("has_audio", hasAudio))
	return nil
}

// WriteVideo appends a video packet. Packets before the first keyframe
// are dropped so the resulting file is playable from its first fragment.
func (r *Recorder) WriteVideo(pkt *packet.Packet) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateRunning {
		return ErrNotRunning
	}

	if pkt.IsKeyframe() {
		if r.sawFirstVideoKeyframe && len(r.pendingVideo) > 0 {
			if err := r.flushFragment(); err != nil {
				r.state = StateError
				r.lastError = err
				return err
			}
		}
		r.sawFirstVideoKeyframe = true
	}

	if !r.sawFirstVideoKeyframe {
		return nil
	}

	r.pendingVideo = append(r.pendingVideo, sample{
		data:       append([]byte(nil), pkt.Payload...),
		pts:        pkt.PTS,
		dts:        pkt.DTS,
		isKeyframe: pkt.IsKeyframe(),
	})
	return nil
}

// WriteAudio appends an audio packet. Silently a no-op if the recorder
// was not constructed with audio enabled, so the Stream Thread need not
// special-case audio-disabled recordings.
func (r *Recorder) WriteAudio(pkt *packet.Packet) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateRunning {
		return ErrNotRunning
	}
	if !r.hasAudio {
		return nil
	}
	if !r.sawFirstVideoKeyframe {
		return nil
	}

	r.pendingAudio = append(r.pendingAudio, sample{
		data: append([]byte(nil), pkt.Payload...),
		pts:  pkt.PTS,
		dts:  pkt.PTS,
	})
	return nil
}

// Stop flushes any buffered fragment and closes the file. Stop is
// idempotent and safe to call on a nil Recorder.
func (r *Recorder) Stop() error {
	if r == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateRunning {
		return nil
	}
	r.state = StateStopping

	var flushErr error
	if len(r.pendingVideo) > 0 {
		flushErr = r.flushFragment()
	}

	if r.file != nil {
		if err := r.file.Close(); err != nil && flushErr == nil {
			flushErr = err
		}
	}

	r.state = StateIdle
	r.logger.Info("mp4: recording stopped")
	return flushErr
}

// State returns the recorder's current lifecycle state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Recorder) writeHeader() error {
	w := r.writer

	if _, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeFtyp()}); err != nil {
		return err
	}
	if _, err := mp4.Marshal(w, &mp4.Ftyp{
		MajorBrand:   mp4.BrandISOM(),
		MinorVersion: 1,
		CompatibleBrands: []mp4.CompatibleBrandElem{
			{CompatibleBrand: mp4.BrandISOM()},
			{CompatibleBrand: mp4.BrandISO2()},
			{CompatibleBrand: mp4.BrandAVC1()},
			{CompatibleBrand: mp4.BrandMP41()},
		},
	}, mp4.Context{}); err != nil {
		return err
	}
	if _, err := w.EndBox(); err != nil {
		return err
	}

	return r.writeMoov()
}

func (r *Recorder) writeMoov() error {
	w := r.writer

	if _, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeMoov()}); err != nil {
		return err
	}

	if _, err := mp4.Marshal(w, &mp4.Mvhd{
		Timescale:   timescale,
		Rate:        0x00010000,
		Volume:      0x0100,
		Matrix:      [9]int32{0x00010000, 0, 0, 0, 0x00010000, 0, 0, 0, 0x40000000},
		NextTrackID: 3,
	}, mp4.Context{}); err != nil {
		return err
	}

	if err := r.writeVideoTrak(); err != nil {
		return err
	}
	if r.hasAudio {
		if err := r.writeAudioTrak(); err != nil {
			return err
		}
	}
	if err := r.writeMvex(); err != nil {
		return err
	}

	_, err := w.EndBox()
	return err
}

func (r *Recorder) writeVideoTrak() error {
	w := r.writer
	desc := r.videoDesc

	if _, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeTrak()}); err != nil {
		return err
	}
	if _, err := mp4.Marshal(w, &mp4.Tkhd{
		Flags:      [3]byte{0, 0, 3}, // enabled + in movie
		TrackID:    r.videoTrackID,
		Duration:   0,
		Matrix:     [9]int32{0x00010000, 0, 0, 0, 0x00010000, 0, 0, 0, 0x40000000},
		Width:      0, // populated by the decoder from SPS; not tracked here
		Height:     0,
	}, mp4.Context{}); err != nil {
		return err
	}

	if _, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeMdia()}); err != nil {
		return err
	}
	if _, err := mp4.Marshal(w, &mp4.Mdhd{Timescale: timescale, Language: [3]byte{'u', 'n', 'd'}}, mp4.Context{}); err != nil {
		return err
	}
	if _, err := mp4.Marshal(w, &mp4.Hdlr{HandlerType: [4]byte{'v', 'i', 'd', 'e'}, Name: "nvrcore video"}, mp4.Context{}); err != nil {
		return err
	}

	if _, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeMinf()}); err != nil {
		return err
	}
	if _, err := mp4.Marshal(w, &mp4.Vmhd{}, mp4.Context{}); err != nil {
		return err
	}
	if err := writeEmptyDinf(w); err != nil {
		return err
	}
	if err := r.writeVideoStbl(desc); err != nil {
		return err
	}
	if _, err := w.EndBox(); err != nil { // minf
		return err
	}
	if _, err := w.EndBox(); err != nil { // mdia
		return err
	}
	_, err := w.EndBox() // trak
	return err
}

func (r *Recorder) writeVideoStbl(desc *packet.Descriptor) error {
	w := r.writer

	if _, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeStbl()}); err != nil {
		return err
	}
	if _, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeStsd()}); err != nil {
		return err
	}

	if desc.Codec == packet.CodecH265 {
		if err := writeHEV1(w, desc); err != nil {
			return err
		}
	} else {
		if err := writeAVC1(w, desc); err != nil {
			return err
		}
	}

	if _, err := w.EndBox(); err != nil { // stsd
		return err
	}
	if err := writeEmptySampleTables(w); err != nil {
		return err
	}
	_, err := w.EndBox() // stbl
	return err
}

func (r *Recorder) writeAudioTrak() error {
	w := r.writer
	desc := r.audioDesc

	if _, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeTrak()}); err != nil {
		return err
	}
	if _, err := mp4.Marshal(w, &mp4.Tkhd{
		Flags:   [3]byte{0, 0, 3},
		TrackID: r.audioTrackID,
		Matrix:  [9]int32{0x00010000, 0, 0, 0, 0x00010000, 0, 0, 0, 0x40000000},
		Volume:  0x0100,
	}, mp4.Context{}); err != nil {
		return err
	}

	if _, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeMdia()}); err != nil {
		return err
	}
	// Timescale is the 90kHz PTS clock, not desc.SampleRate: writeTraf computes
	// every audio Tfdt/Trun duration directly from packet PTS deltas, which
	// arrive off the MPEG-TS PES header in that clock for both tracks. The
	// sample entry below still advertises the true SampleRate for decoders.
	if _, err := mp4.Marshal(w, &mp4.Mdhd{Timescale: timescale, Language: [3]byte{'u', 'n', 'd'}}, mp4.Context{}); err != nil {
		return err
	}
	if _, err := mp4.Marshal(w, &mp4.Hdlr{HandlerType: [4]byte{'s', 'o', 'u', 'n'}, Name: "nvrcore audio"}, mp4.Context{}); err != nil {
		return err
	}

	if _, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeMinf()}); err != nil {
		return err
	}
	if _, err := mp4.Marshal(w, &mp4.Smhd{}, mp4.Context{}); err != nil {
		return err
	}
	if err := writeEmptyDinf(w); err != nil {
		return err
	}

	if _, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeStbl()}); err != nil {
		return err
	}
	if _, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeStsd()}); err != nil {
		return err
	}
	if err := writeMP4A(w, desc); err != nil {
		return err
	}
	if _, err := w.EndBox(); err != nil { // stsd
		return err
	}
	if err := writeEmptySampleTables(w); err != nil {
		return err
	}
	if _, err := w.EndBox(); err != nil { // stbl
		return err
	}

	if _, err := w.EndBox(); err != nil { // minf
		return err
	}
	if _, err := w.EndBox(); err != nil { // mdia
		return err
	}
	_, err := w.EndBox() // trak
	return err
}

func (r *Recorder) writeMvex() error {
	w := r.writer

	if _, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeMvex()}); err != nil {
		return err
	}
	if _, err := mp4.Marshal(w, &mp4.Trex{TrackID: r.videoTrackID, DefaultSampleDescriptionIndex: 1}, mp4.Context{}); err != nil {
		return err
	}
	if r.hasAudio {
		if _, err := mp4.Marshal(w, &mp4.Trex{TrackID: r.audioTrackID, DefaultSampleDescriptionIndex: 1}, mp4.Context{}); err != nil {
			return err
		}
	}
	_, err := w.EndBox()
	return err
}

// flushFragment writes one moof+mdat pair covering every buffered video
// (and interleaved audio) sample, then clears the pending buffers.
func (r *Recorder) flushFragment() error {
	w := r.writer
	r.fragmentSeq++

	videoSamples := r.pendingVideo
	audioSamples := r.pendingAudio
	r.pendingVideo = nil
	r.pendingAudio = nil

	if _, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeMoof()}); err != nil {
		return err
	}
	if _, err := mp4.Marshal(w, &mp4.Mfhd{SequenceNumber: r.fragmentSeq}, mp4.Context{}); err != nil {
		return err
	}

	if err := writeTraf(w, r.videoTrackID, videoSamples, &r.baseVideoTime, true); err != nil {
		return err
	}
	if r.hasAudio && len(audioSamples) > 0 {
		if err := writeTraf(w, r.audioTrackID, audioSamples, &r.baseAudioTime, false); err != nil {
			return err
		}
	}

	if _, err := w.EndBox(); err != nil { // moof
		return err
	}

	return writeMdat(w, videoSamples, audioSamples)
}

func writeTraf(w *mp4.Writer, trackID uint32, samples []sample, baseTime *int64, video bool) error {
	if _, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeTraf()}); err != nil {
		return err
	}
	if _, err := mp4.Marshal(w, &mp4.Tfhd{
		Flags:   [3]byte{0x02, 0x00, 0x00}, // default-base-is-moof
		TrackID: trackID,
	}, mp4.Context{}); err != nil {
		return err
	}
	if _, err := mp4.Marshal(w, &mp4.Tfdt{
		Flags:                  [3]byte{0x01, 0, 0}, // version 1, 64-bit
		BaseMediaDecodeTimeV1:  uint64(*baseTime),
	}, mp4.Context{}); err != nil {
		return err
	}

	entries := make([]mp4.TrunEntry, 0, len(samples))
	for i, s := range samples {
		duration := uint32(3000) // placeholder inter-sample duration; refined below from PTS deltas
		if i+1 < len(samples) {
			d := samples[i+1].pts - s.pts
			if d > 0 {
				duration = uint32(d)
			}
		}
		flags := uint32(0x00010000) // sample_is_non_sync_sample
		if video && s.isKeyframe {
			flags = 0
		}
		entries = append(entries, mp4.TrunEntry{
			SampleDuration: duration,
			SampleSize:     uint32(len(s.data)),
			SampleFlags:    flags,
		})
	}

	if len(samples) > 0 {
		*baseTime += samples[len(samples)-1].pts - samples[0].pts
	}

	if _, err := mp4.Marshal(w, &mp4.Trun{
		Flags: [3]byte{0x00, 0x07, 0x01}, // data-offset + sample-duration + sample-size + sample-flags present
		Entries: entries,
	}, mp4.Context{}); err != nil {
		return err
	}

	_, err := w.EndBox()
	return err
}

func writeMdat(w *mp4.Writer, videoSamples, audioSamples []sample) error {
	if _, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeMdat()}); err != nil {
		return err
	}
	for _, s := range videoSamples {
		if _, err := w.Write(s.data); err != nil {
			return err
		}
	}
	for _, s := range audioSamples {
		if _, err := w.Write(s.data); err != nil {
			return err
		}
	}
	_, err := w.EndBox()
	return err
}

func writeEmptyDinf(w *mp4.Writer) error {
	if _, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeDinf()}); err != nil {
		return err
	}
	if _, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeDref()}); err != nil {
		return err
	}
	if _, err := mp4.Marshal(w, &mp4.Url{Flags: [3]byte{0, 0, 1}}, mp4.Context{}); err != nil {
		return err
	}
	if _, err := w.EndBox(); err != nil { // dref
		return err
	}
	_, err := w.EndBox() // dinf
	return err
}

// writeEmptySampleTables writes the stts/stsc/stsz/stco boxes with zero
// entries, matching FFmpeg's "empty_moov" fragmented layout — samples
// live only in per-fragment moof/trun boxes, never in the moov's own
// sample table.
func writeEmptySampleTables(w *mp4.Writer) error {
	if _, err := mp4.Marshal(w, &mp4.Stts{}, mp4.Context{}); err != nil {
		return err
	}
	if _, err := mp4.Marshal(w, &mp4.Stsc{}, mp4.Context{}); err != nil {
		return err
	}
	if _, err := mp4.Marshal(w, &mp4.Stsz{}, mp4.Context{}); err != nil {
		return err
	}
	if _, err := mp4.Marshal(w, &mp4.Stco{}, mp4.Context{}); err != nil {
		return err
	}
	return nil
}

func writeAVC1(w *mp4.Writer, desc *packet.Descriptor) error {
	if _, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeAvc1()}); err != nil {
		return err
	}
	if _, err := mp4.Marshal(w, &mp4.VisualSampleEntry{
		SampleEntry:    mp4.SampleEntry{DataReferenceIndex: 1},
		Width:          0,
		Height:         0,
		Horizresolution: 0x00480000,
		Vertresolution:  0x00480000,
		FrameCount:      1,
		Depth:           0x0018,
		PreDefined3:     -1,
	}, mp4.Context{}); err != nil {
		return err
	}
	if _, err := mp4.Marshal(w, &mp4.AVCDecoderConfiguration{
		ConfigurationVersion:       1,
		Profile:                    profileByte(desc.SPS),
		ProfileCompatibility:       0,
		Level:                      levelByte(desc.SPS),
		LengthSizeMinusOne:         3,
		NumOfSequenceParameterSets: 1,
		SequenceParameterSets: []mp4.AVCParameterSet{
			{Length: uint16(len(desc.SPS)), NALUnit: desc.SPS},
		},
		NumOfPictureParameterSets: 1,
		PictureParameterSets: []mp4.AVCParameterSet{
			{Length: uint16(len(desc.PPS)), NALUnit: desc.PPS},
		},
	}, mp4.Context{}); err != nil {
		return err
	}
	_, err := w.EndBox()
	return err
}

func writeHEV1(w *mp4.Writer, desc *packet.Descriptor) error {
	if _, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeHev1()}); err != nil {
		return err
	}
	if _, err := mp4.Marshal(w, &mp4.VisualSampleEntry{
		SampleEntry:    mp4.SampleEntry{DataReferenceIndex: 1},
		Horizresolution: 0x00480000,
		Vertresolution:  0x00480000,
		FrameCount:      1,
		Depth:           0x0018,
		PreDefined3:     -1,
	}, mp4.Context{}); err != nil {
		return err
	}
	if _, err := mp4.Marshal(w, &mp4.HvcC{
		ConfigurationVersion: 1,
		LengthSizeMinusOne:   3,
		NumOfArrays:          3,
		NaluArrays: []mp4.HEVCNaluArray{
			hevcNaluArray(32, desc.VPS),
			hevcNaluArray(33, desc.SPS),
			hevcNaluArray(34, desc.PPS),
		},
	}, mp4.Context{}); err != nil {
		return err
	}
	_, err := w.EndBox()
	return err
}

func hevcNaluArray(naluType uint8, data []byte) mp4.HEVCNaluArray {
	return mp4.HEVCNaluArray{
		NaluType: naluType,
		NumNalus: 1,
		Nalus:    []mp4.HEVCNalu{{Length: uint16(len(data)), NALUnit: data}},
	}
}

func writeMP4A(w *mp4.Writer, desc *packet.Descriptor) error {
	if _, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeMp4a()}); err != nil {
		return err
	}
	channels := uint16(desc.ChannelCount)
	if channels == 0 {
		channels = 2
	}
	if _, err := mp4.Marshal(w, &mp4.AudioSampleEntry{
		SampleEntry:   mp4.SampleEntry{DataReferenceIndex: 1},
		ChannelCount:  channels,
		SampleSize:    16,
		SampleRate:    uint32(desc.SampleRate) << 16,
	}, mp4.Context{}); err != nil {
		return err
	}
	if _, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeEsds()}); err != nil {
		return err
	}
	if _, err := mp4.Marshal(w, &mp4.Esds{
		Descriptors: []mp4.Descriptor{
			{
				Tag:  mp4.ESDescrTag,
				Size: 0,
				ESDescriptor: &mp4.ESDescriptor{ESID: uint16(desc.StreamIndex + 1)},
			},
			{
				Tag:  mp4.DecoderConfigDescrTag,
				Size: 0,
				DecoderConfigDescriptor: &mp4.DecoderConfigDescriptor{
					ObjectTypeIndication: 0x40, // MPEG-4 Audio (AAC)
					StreamType:           0x05,
				},
			},
			{
				Tag:  mp4.DecSpecificInfoTag,
				Size: uint32(len(desc.AudioConfig)),
				Data: desc.AudioConfig,
			},
			{
				Tag:  mp4.SLConfigDescrTag,
				Size: 1,
				Data: []byte{0x02},
			},
		},
	}, mp4.Context{}); err != nil {
		return err
	}
	if _, err := w.EndBox(); err != nil { // esds
		return err
	}
	_, err := w.EndBox() // mp4a
	return err
}

// profileByte and levelByte extract the AVCProfileIndication and
// AVCLevelIndication bytes from a raw SPS NAL unit (bytes 1 and 3 of the
// SPS payload, per ITU-T H.264 Annex A).
func profileByte(sps []byte) uint8 {
	if len(sps) < 2 {
		return 0
	}
	return sps[1]
}

func levelByte(sps []byte) uint8 {
	if len(sps) < 4 {
		return 0
	}
	return sps[3]
}
