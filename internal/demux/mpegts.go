package demux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"

	"github.com/jmylchreest/fragmentr/internal/observability"
	"github.com/jmylchreest/fragmentr/internal/segmenter"
)

const (
	// mpegtsTimeScale is the PES clock rate.
	mpegtsTimeScale = 90000
	// aacFrameSamples is the number of PCM samples in an AAC-LC frame.
	aacFrameSamples = 1024
	// defaultVideoDuration is used when a video frame duration cannot be
	// derived from the next frame (one frame at 30 fps).
	defaultVideoDuration = 3000
)

// ErrNoParameterSets is returned when the input ends before the H.264
// SPS and PPS have been seen.
var ErrNoParameterSets = errors.New("h264 parameter sets not found")

type tsTrack struct {
	index int
	h264  *mp4.CodecH264

	sampleRate int
	started    bool
	dropped    int

	// pending waits for the next DTS to learn its duration.
	pending      *timedSample
	lastDuration uint32
}

// MPEGTSDemuxer reads H.264 and AAC from an MPEG transport stream.
type MPEGTSDemuxer struct {
	reader *mpegts.Reader
	logger *slog.Logger

	streams []segmenter.Stream
	tracks  []*tsTrack
	q       *interleaver
}

var _ Demuxer = (*MPEGTSDemuxer)(nil)

// NewMPEGTS reads the program tables and enough of the stream to learn the
// H.264 parameter sets. Samples read meanwhile are kept for Run.
func NewMPEGTS(r io.Reader, logger *slog.Logger) (*MPEGTSDemuxer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &MPEGTSDemuxer{
		reader: &mpegts.Reader{R: r},
		logger: observability.WithComponent(logger, "mpegts_demuxer"),
	}

	if err := d.reader.Initialize(); err != nil {
		return nil, fmt.Errorf("initializing mpegts reader: %w", err)
	}

	for _, track := range d.reader.Tracks() {
		d.setupTrack(track)
	}
	if len(d.streams) == 0 {
		return nil, ErrNoTracks
	}
	d.q = newInterleaver(len(d.streams))

	d.reader.OnDecodeError(func(err error) {
		d.logger.Debug("MPEG-TS decode error", slog.String("error", err.Error()))
	})

	for !d.hasParameterSets() {
		if err := d.reader.Read(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, ErrNoParameterSets
			}
			return nil, fmt.Errorf("reading mpegts: %w", err)
		}
	}

	for i := range d.streams {
		describe(&d.streams[i])
	}
	return d, nil
}

func (d *MPEGTSDemuxer) setupTrack(track *mpegts.Track) {
	t := &tsTrack{index: len(d.streams)}

	switch codec := track.Codec.(type) {
	case *mpegts.CodecH264:
		t.h264 = &mp4.CodecH264{}
		d.streams = append(d.streams, segmenter.Stream{
			Type:      segmenter.MediaTypeVideo,
			TimeScale: mpegtsTimeScale,
			Codec:     t.h264,
		})
		d.reader.OnDataH264(track, func(pts, dts int64, au [][]byte) error {
			return d.handleH264(t, pts, dts, au)
		})
		d.logger.Debug("Found H.264 video track", slog.Uint64("pid", uint64(track.PID)))

	case *mpegts.CodecMPEG4Audio:
		t.sampleRate = codec.Config.SampleRate
		if t.sampleRate <= 0 {
			d.logger.Warn("Skipping AAC track without sample rate", slog.Uint64("pid", uint64(track.PID)))
			return
		}
		d.streams = append(d.streams, segmenter.Stream{
			Type:      segmenter.MediaTypeAudio,
			TimeScale: uint32(t.sampleRate),
			Codec:     &mp4.CodecMPEG4Audio{Config: codec.Config},
		})
		d.reader.OnDataMPEG4Audio(track, func(pts int64, aus [][]byte) error {
			return d.handleMPEG4Audio(t, pts, aus)
		})
		d.logger.Debug("Found AAC audio track",
			slog.Uint64("pid", uint64(track.PID)),
			slog.Int("sample_rate", codec.Config.SampleRate),
			slog.Int("channels", codec.Config.ChannelCount))

	default:
		d.logger.Debug("Skipping unsupported track",
			slog.Uint64("pid", uint64(track.PID)),
			slog.String("type", fmt.Sprintf("%T", track.Codec)))
		return
	}

	d.tracks = append(d.tracks, t)
}

func (d *MPEGTSDemuxer) hasParameterSets() bool {
	for _, t := range d.tracks {
		if t.h264 != nil && (t.h264.SPS == nil || t.h264.PPS == nil) {
			return false
		}
	}
	return true
}

// handleH264 moves parameter sets out of band and queues the access unit
// as a length-prefixed sample.
func (d *MPEGTSDemuxer) handleH264(t *tsTrack, pts, dts int64, au [][]byte) error {
	nalus := make([][]byte, 0, len(au))
	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		switch h264.NALUType(nalu[0] & 0x1f) {
		case h264.NALUTypeSPS:
			if t.h264.SPS == nil {
				t.h264.SPS = append([]byte(nil), nalu...)
			}
			continue
		case h264.NALUTypePPS:
			if t.h264.PPS == nil {
				t.h264.PPS = append([]byte(nil), nalu...)
			}
			continue
		case h264.NALUTypeAccessUnitDelimiter:
			continue
		}
		nalus = append(nalus, nalu)
	}
	if len(nalus) == 0 {
		return nil
	}

	key := h264.IsRandomAccess(au)
	if !t.started {
		if !key {
			t.dropped++
			return nil
		}
		t.started = true
		if t.dropped > 0 {
			d.logger.Debug("Dropped frames before first key frame", slog.Int("frames", t.dropped))
		}
	}

	data, err := h264.AVCC(nalus).Marshal()
	if err != nil {
		return fmt.Errorf("encoding access unit: %w", err)
	}

	d.queueVideo(t, timedSample{
		dts:   dts,
		scale: mpegtsTimeScale,
		sample: &segmenter.Sample{
			Data:              data,
			CompositionOffset: int32(pts - dts),
			IsKeyFrame:        key,
		},
	})
	return nil
}

// queueVideo holds one frame back until the next DTS gives its duration.
func (d *MPEGTSDemuxer) queueVideo(t *tsTrack, ts timedSample) {
	if prev := t.pending; prev != nil {
		dur := ts.dts - prev.dts
		if dur > 0 {
			t.lastDuration = uint32(dur)
		}
		prev.sample.Duration = t.lastDuration
		if prev.sample.Duration == 0 {
			prev.sample.Duration = defaultVideoDuration
		}
		d.q.push(t.index, *prev)
	}
	t.pending = &ts
}

func (d *MPEGTSDemuxer) handleMPEG4Audio(t *tsTrack, pts int64, aus [][]byte) error {
	base := pts * int64(t.sampleRate) / mpegtsTimeScale
	for i, au := range aus {
		if len(au) == 0 {
			continue
		}
		d.q.push(t.index, timedSample{
			dts:   base + int64(i*aacFrameSamples),
			scale: uint32(t.sampleRate),
			sample: &segmenter.Sample{
				Data:       au,
				Duration:   aacFrameSamples,
				IsKeyFrame: true,
			},
		})
	}
	return nil
}

// Streams implements Demuxer.
func (d *MPEGTSDemuxer) Streams() []segmenter.Stream {
	return d.streams
}

// Run implements Demuxer.
func (d *MPEGTSDemuxer) Run(ctx context.Context, h Handler) error {
	if err := d.q.drain(h, false); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := d.reader.Read(); err != nil {
			if !errors.Is(err, io.EOF) {
				return fmt.Errorf("reading mpegts: %w", err)
			}
			return d.finish(h)
		}

		if err := d.q.drain(h, false); err != nil {
			return err
		}
	}
}

func (d *MPEGTSDemuxer) finish(h Handler) error {
	for _, t := range d.tracks {
		if t.pending == nil {
			continue
		}
		t.pending.sample.Duration = t.lastDuration
		if t.pending.sample.Duration == 0 {
			t.pending.sample.Duration = defaultVideoDuration
		}
		d.q.push(t.index, *t.pending)
		t.pending = nil
	}
	return d.q.drain(h, true)
}
