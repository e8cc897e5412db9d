package demux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	gomp4 "github.com/abema/go-mp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"

	"github.com/jmylchreest/fragmentr/internal/observability"
	"github.com/jmylchreest/fragmentr/internal/segmenter"
)

// FMP4Demuxer reads a fragmented MP4 file: ftyp and moov, then moof/mdat
// pairs.
type FMP4Demuxer struct {
	r      io.Reader
	logger *slog.Logger

	streams []segmenter.Stream
	byID    map[int]int
}

var _ Demuxer = (*FMP4Demuxer)(nil)

// NewFMP4 reads boxes up to and including moov.
func NewFMP4(r io.Reader, logger *slog.Logger) (*FMP4Demuxer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &FMP4Demuxer{
		r:      r,
		logger: observability.WithComponent(logger, "fmp4_demuxer"),
		byID:   make(map[int]int),
	}

	for {
		typ, data, err := readBox(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("%w: moov not found", ErrNoTracks)
			}
			return nil, err
		}
		if typ != "moov" {
			d.logger.Debug("Skipping box before moov", slog.String("type", typ))
			continue
		}
		if err := d.parseInit(data); err != nil {
			return nil, err
		}
		return d, nil
	}
}

func (d *FMP4Demuxer) parseInit(moov []byte) error {
	var init fmp4.Init
	if err := init.Unmarshal(bytes.NewReader(moov)); err != nil {
		return fmt.Errorf("parsing moov: %w", err)
	}

	meta, err := readTrackMetadata(moov)
	if err != nil {
		return err
	}

	for _, track := range init.Tracks {
		st := segmenter.Stream{
			TimeScale: track.TimeScale,
			Codec:     track.Codec,
		}
		describe(&st)
		if m, ok := meta.tracks[uint32(track.ID)]; ok {
			st.Language = m.language
		}
		if meta.duration > 0 && meta.timeScale > 0 {
			st.Duration = segmenter.Rescale(meta.duration, meta.timeScale, track.TimeScale)
		}

		d.byID[track.ID] = len(d.streams)
		d.streams = append(d.streams, st)

		d.logger.Info("Found track",
			slog.Int("track_id", track.ID),
			slog.String("type", st.Type.String()),
			slog.Uint64("timescale", uint64(track.TimeScale)),
			slog.String("language", st.Language))
	}

	if len(d.streams) == 0 {
		return ErrNoTracks
	}
	return nil
}

type trackMetadata struct {
	language string
}

type movieMetadata struct {
	timeScale uint32
	duration  uint64
	tracks    map[uint32]trackMetadata
}

// readTrackMetadata collects the fields mediacommon does not expose: the
// mdhd language of each track and the fragment duration from mehd.
func readTrackMetadata(moov []byte) (*movieMetadata, error) {
	moovType := gomp4.BoxTypeMoov()
	trak := gomp4.BoxTypeTrak()
	boxes, err := gomp4.ExtractBoxesWithPayload(bytes.NewReader(moov), nil, []gomp4.BoxPath{
		{moovType, gomp4.BoxTypeMvhd()},
		{moovType, gomp4.BoxTypeMvex(), gomp4.BoxTypeMehd()},
		{moovType, trak, gomp4.BoxTypeTkhd()},
		{moovType, trak, gomp4.BoxTypeMdia(), gomp4.BoxTypeMdhd()},
	})
	if err != nil {
		return nil, fmt.Errorf("reading track metadata: %w", err)
	}

	m := &movieMetadata{tracks: make(map[uint32]trackMetadata)}
	var trackID uint32
	for _, b := range boxes {
		switch box := b.Payload.(type) {
		case *gomp4.Mvhd:
			m.timeScale = box.Timescale
		case *gomp4.Mehd:
			m.duration = box.GetFragmentDuration()
		case *gomp4.Tkhd:
			trackID = box.TrackID
		case *gomp4.Mdhd:
			m.tracks[trackID] = trackMetadata{language: unpackLanguage(box.Language)}
		}
	}
	return m, nil
}

// unpackLanguage decodes the 5-bit mdhd language characters. "und" maps to
// the empty string.
func unpackLanguage(l [3]byte) string {
	code := string([]byte{l[0] + 0x60, l[1] + 0x60, l[2] + 0x60})
	for _, c := range code {
		if c < 'a' || c > 'z' {
			return ""
		}
	}
	if code == "und" {
		return ""
	}
	return code
}

// Streams implements Demuxer.
func (d *FMP4Demuxer) Streams() []segmenter.Stream {
	return d.streams
}

// Run implements Demuxer. Samples of each fragment are interleaved by
// decode time before delivery.
func (d *FMP4Demuxer) Run(ctx context.Context, h Handler) error {
	var moof []byte
	q := newInterleaver(len(d.streams))
	fragments := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		typ, data, err := readBox(d.r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				d.logger.Debug("Input finished", slog.Int("fragments", fragments))
				return nil
			}
			return err
		}

		switch typ {
		case "moof":
			moof = data
		case "mdat":
			if moof == nil {
				d.logger.Warn("Skipping mdat without moof")
				continue
			}
			if err := d.parseFragment(append(moof, data...), q); err != nil {
				return err
			}
			moof = nil
			fragments++
			if err := q.drain(h, true); err != nil {
				return err
			}
		}
	}
}

func (d *FMP4Demuxer) parseFragment(data []byte, q *interleaver) error {
	var parts fmp4.Parts
	if err := parts.Unmarshal(data); err != nil {
		return fmt.Errorf("parsing fragment: %w", err)
	}

	for _, part := range parts {
		for _, track := range part.Tracks {
			idx, ok := d.byID[track.ID]
			if !ok {
				continue
			}
			scale := d.streams[idx].TimeScale
			dts := track.BaseTime
			for _, s := range track.Samples {
				q.push(idx, timedSample{
					dts:   int64(dts),
					scale: scale,
					sample: &segmenter.Sample{
						Data:              s.Payload,
						Duration:          s.Duration,
						CompositionOffset: s.PTSOffset,
						IsKeyFrame:        !s.IsNonSyncSample,
					},
				})
				dts += uint64(s.Duration)
			}
		}
	}
	return nil
}
