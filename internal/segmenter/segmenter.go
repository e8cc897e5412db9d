// Package segmenter groups time-aligned tracks into fragmented MP4 segments.
//
// A Segmenter owns one TrackFragment per stream. Samples are added per
// track and each track finalizes its fragment independently; the fragment
// is only assembled once every track has finalized. Offsets inside the
// movie fragment are resolved in two passes: box sizes are fixed first,
// then the run data offsets and auxiliary information offsets are filled
// in.
//
// A Segmenter is not safe for concurrent use. Wrap it in a Gate when
// tracks are fed from separate goroutines.
package segmenter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"

	"github.com/jmylchreest/fragmentr/internal/mp4box"
	"github.com/jmylchreest/fragmentr/internal/observability"
)

// Options configures a Segmenter.
type Options struct {
	Layout Layout
	Sink   Sink

	// Optional listeners.
	MuxerListener    MuxerListener
	ProgressListener ProgressListener

	// Encryption is the default protection advertised in the init segment.
	// Nil produces clear sample entries.
	Encryption *EncryptionConfig

	Logger *slog.Logger
}

// Segmenter assembles movie fragments from per-track samples.
type Segmenter struct {
	opts   Options
	logger *slog.Logger

	streams  []Stream
	tracks   []*TrackFragment
	moof     *mp4box.Moof
	metadata EncryptionMetadataBuilder
	index    SegmentIndexBuilder
	progress *ProgressReporter

	refTrack  int
	timeScale uint32
	duration  uint64

	// fragments holds the assembled fragments of the open segment.
	fragments        bytes.Buffer
	segmentEncrypted bool
	segmentNumber    uint32
	initWritten      bool

	activeKey   *EncryptionConfig
	reportedKey *EncryptionConfig

	// Single-file output.
	tmp     *os.File
	tmpSize uint64
	vodRefs []SegmentReference
}

// New creates a Segmenter. Initialize must be called before adding
// samples.
func New(opts Options) (*Segmenter, error) {
	if err := opts.Layout.validate(); err != nil {
		return nil, err
	}
	if opts.Sink == nil {
		return nil, fmt.Errorf("%w: sink is required", ErrInvalidArgument)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Segmenter{
		opts:      opts,
		logger:    observability.WithComponent(opts.Logger, "segmenter"),
		activeKey: opts.Encryption,
	}, nil
}

// Initialize sets up one track per stream. The first video stream, or
// stream 0 when there is none, is the reference stream: its timescale is
// the movie timescale and its duration is the progress target.
func (s *Segmenter) Initialize(streams []Stream) error {
	if len(streams) == 0 {
		return fmt.Errorf("%w: no streams", ErrInvalidArgument)
	}

	s.refTrack = -1
	for i, st := range streams {
		if st.TimeScale == 0 {
			return fmt.Errorf("%w: stream %d has no timescale", ErrInvalidArgument, i)
		}
		if st.Type == MediaTypeVideo && s.refTrack < 0 {
			s.refTrack = i
		}
	}
	if s.refTrack < 0 {
		s.refTrack = 0
	}

	s.streams = append([]Stream(nil), streams...)
	s.moof = &mp4box.Moof{SequenceNumber: 1}
	s.tracks = make([]*TrackFragment, len(streams))
	for i, st := range streams {
		traf := &mp4box.Traf{TrackID: uint32(i + 1)}
		s.moof.Trafs = append(s.moof.Trafs, traf)
		s.tracks[i] = newTrackFragment(traf, st.TimeScale)
	}
	s.metadata = EncryptionMetadataBuilder{moof: s.moof}

	ref := streams[s.refTrack]
	s.timeScale = ref.TimeScale
	s.index = SegmentIndexBuilder{
		referenceID: uint32(s.refTrack + 1),
		timeScale:   ref.TimeScale,
	}
	s.progress = NewProgressReporter(s.opts.ProgressListener, ref.Duration)

	s.logger.Debug("Segmenter initialized",
		slog.Int("streams", len(streams)),
		slog.Int("reference_track", s.refTrack),
		slog.Any("timescale", s.timeScale),
		slog.String("layout", s.opts.Layout.Kind.String()))

	return nil
}

func (s *Segmenter) track(i int) (*TrackFragment, error) {
	if s.moof == nil {
		return nil, ErrNotInitialized
	}
	if i < 0 || i >= len(s.tracks) {
		return nil, fmt.Errorf("%w: track index %d out of range", ErrInvalidArgument, i)
	}
	return s.tracks[i], nil
}

// AddSample appends a sample to track i.
func (s *Segmenter) AddSample(i int, sample *Sample) error {
	t, err := s.track(i)
	if err != nil {
		return err
	}
	return t.AddSample(sample)
}

// FinalizeSegment seals the fragment of track i. When it was the last open
// track the fragment is assembled; unless info marks it as a subsegment the
// segment is then written to the sink.
func (s *Segmenter) FinalizeSegment(i int, info SegmentInfo) error {
	t, err := s.track(i)
	if err != nil {
		return err
	}

	// Rotation metadata goes into the fragment before it is sealed, so the
	// pssh boxes precede the first encrypted fragment.
	if info.KeyRotation != nil {
		s.metadata.Apply(i, info.IsEncrypted, info.KeyRotation)
		s.activeKey = info.KeyRotation
	}

	t.FinalizeFragment()
	if info.IsEncrypted {
		s.segmentEncrypted = true
	}

	for _, other := range s.tracks {
		if !other.IsFinalized() {
			return nil
		}
	}

	if err := s.assembleFragment(); err != nil {
		return err
	}

	if info.IsSubsegment {
		return nil
	}
	return s.flushSegment()
}

// assembleFragment resolves the offsets of the sealed fragment and appends
// it to the open segment.
func (s *Segmenter) assembleFragment() error {
	enc, err := s.moof.Encode()
	if err != nil {
		return fmt.Errorf("encoding moof: %w", err)
	}

	sizes := make([]uint64, len(s.tracks))
	for i, t := range s.tracks {
		sizes[i] = t.PayloadSize()
	}
	mdat, offsets, err := layoutPayload(enc.Size(), sizes)
	if err != nil {
		return err
	}

	var payload uint64
	for i, off := range offsets {
		if aux, ok := enc.SencDataOffset(i); ok {
			if err := enc.SetAuxOffset(i, aux); err != nil {
				return fmt.Errorf("resolving aux offset of track %d: %w", i, err)
			}
		}
		if err := enc.SetDataOffset(i, off); err != nil {
			return fmt.Errorf("resolving data offset of track %d: %w", i, err)
		}
		payload += sizes[i]
	}
	dataOffset := enc.Size() + uint64(len(mdat))

	ref := s.tracks[s.refTrack].reference()
	ref.Size = dataOffset + payload
	s.index.Add(ref)

	s.fragments.Write(enc.Bytes())
	s.fragments.Write(mdat)
	for _, t := range s.tracks {
		s.fragments.Write(t.Payload())
	}

	s.logger.Log(context.Background(), observability.LevelTrace, "Fragment assembled",
		slog.Any("sequence_number", s.moof.SequenceNumber),
		slog.Uint64("moof_size", enc.Size()),
		slog.Uint64("payload_size", payload))

	s.moof.SequenceNumber++
	for _, t := range s.tracks {
		t.ClearFinalized()
	}
	return nil
}

// layoutPayload returns the mdat header for the given track payload sizes
// and the trun data offset of each track, relative to the moof start.
func layoutPayload(moofSize uint64, sizes []uint64) ([]byte, []int32, error) {
	var total uint64
	for _, n := range sizes {
		total += n
	}
	mdat := mp4box.MdatHeader(total)

	offsets := make([]int32, len(sizes))
	off := moofSize + uint64(len(mdat))
	for i, n := range sizes {
		if off > math.MaxInt32 {
			return nil, nil, fmt.Errorf("data offset %d of track %d exceeds trun range", off, i)
		}
		offsets[i] = int32(off)
		off += n
	}
	return mdat, offsets, nil
}

// flushSegment writes the open segment and reports it.
func (s *Segmenter) flushSegment() error {
	if s.index.Len() == 0 {
		return nil
	}

	if !s.initWritten {
		if err := s.writeInit(); err != nil {
			return err
		}
		s.initWritten = true
		if l := s.opts.MuxerListener; l != nil {
			if err := l.OnMediaStart(s.mediaInfo()); err != nil {
				return err
			}
		}
	}

	s.segmentNumber++
	ev := SegmentEvent{
		Number:      s.segmentNumber,
		Start:       s.index.EarliestPresentationTime(),
		Duration:    s.index.Duration(),
		IsEncrypted: s.segmentEncrypted,
	}
	if s.segmentEncrypted && s.activeKey != nil {
		ev.Encryption = s.activeKey
		ev.KeyChanged = s.activeKey != s.reportedKey
		s.reportedKey = s.activeKey
	}

	switch s.opts.Layout.Kind {
	case LayoutMultiFile:
		data, err := s.multiFileSegment()
		if err != nil {
			return err
		}
		ev.Name = s.opts.Layout.SegmentName(ev.Number)
		ev.Size = uint64(len(data))
		if err := s.opts.Sink.AtomicWrite(ev.Name, data); err != nil {
			return fmt.Errorf("writing segment %s: %w", ev.Name, err)
		}

	case LayoutSingleFile:
		if s.tmp == nil {
			tmp, err := s.opts.Sink.CreateTemp("fragments-*")
			if err != nil {
				return fmt.Errorf("creating fragment file: %w", err)
			}
			s.tmp = tmp
		}
		if _, err := s.tmp.Write(s.fragments.Bytes()); err != nil {
			return fmt.Errorf("buffering segment: %w", err)
		}
		ev.Name = s.opts.Layout.FileName
		ev.Offset = s.tmpSize
		ev.Size = uint64(s.fragments.Len())
		s.tmpSize += ev.Size
		s.vodRefs = append(s.vodRefs, s.index.Combined())
	}

	s.logger.Debug("Segment written",
		slog.String("name", ev.Name),
		slog.Any("number", ev.Number),
		slog.Uint64("size", ev.Size),
		slog.Int("fragments", s.index.Len()),
		slog.Bool("encrypted", ev.IsEncrypted))

	s.progress.Update(ev.Duration)
	s.fragments.Reset()
	s.index.Clear()
	s.segmentEncrypted = false

	if l := s.opts.MuxerListener; l != nil {
		return l.OnNewSegment(ev)
	}
	return nil
}

// multiFileSegment prefixes the open segment with styp and a sidx over its
// fragments.
func (s *Segmenter) multiFileSegment() ([]byte, error) {
	styp, err := mp4box.Marshal(mp4box.Styp())
	if err != nil {
		return nil, fmt.Errorf("encoding styp: %w", err)
	}
	sidx, err := mp4box.Marshal(s.index.Index(s.index.References()).Box())
	if err != nil {
		return nil, fmt.Errorf("encoding sidx: %w", err)
	}

	out := make([]byte, 0, len(styp)+len(sidx)+s.fragments.Len())
	out = append(out, styp...)
	out = append(out, sidx...)
	out = append(out, s.fragments.Bytes()...)
	return out, nil
}

func (s *Segmenter) initSegment() ([]byte, error) {
	p := &mp4box.InitParams{
		TimeScale: s.timeScale,
		Duration:  s.duration,
	}
	for i, st := range s.streams {
		if st.Codec == nil {
			return nil, fmt.Errorf("%w: stream %d has no codec for the init segment", ErrInvalidArgument, i)
		}
		t := s.tracks[i]
		it := &mp4box.InitTrack{
			ID:                    i + 1,
			TimeScale:             st.TimeScale,
			Codec:                 st.Codec,
			DefaultSampleDuration: t.DefaultSampleDuration(),
			Language:              st.Language,
			Protection:            protection(s.opts.Encryption),
		}
		if s.duration > 0 {
			it.Duration = t.MediaDuration()
			it.MovieDuration = Rescale(t.MediaDuration(), t.TimeScale(), s.timeScale)
		}
		p.Tracks = append(p.Tracks, it)
	}
	if s.opts.Encryption != nil {
		p.PSSH = psshBoxes(s.opts.Encryption.ProtectionSystems)
	}

	init, err := mp4box.BuildInit(p)
	if err != nil {
		return nil, fmt.Errorf("building init segment: %w", err)
	}
	return init, nil
}

func (s *Segmenter) writeInit() error {
	if s.opts.Layout.Kind != LayoutMultiFile {
		return nil
	}
	init, err := s.initSegment()
	if err != nil {
		return err
	}
	if err := s.opts.Sink.AtomicWrite(s.opts.Layout.InitName, init); err != nil {
		return fmt.Errorf("writing init segment: %w", err)
	}
	return nil
}

func (s *Segmenter) mediaInfo() MediaInfo {
	return MediaInfo{
		TimeScale:  s.timeScale,
		Streams:    s.streams,
		InitName:   s.opts.Layout.initName(),
		Encryption: s.opts.Encryption,
	}
}

// Finalize closes the session. The movie duration becomes the longest
// track duration in the movie timescale, and the init segment (or the
// single output file) is written with final durations.
func (s *Segmenter) Finalize() error {
	if s.moof == nil {
		return ErrNotInitialized
	}

	for i, t := range s.tracks {
		if t.IsFinalized() || t.PayloadSize() > 0 {
			s.logger.Warn("Discarding incomplete fragment", slog.Int("track", i))
		}
	}

	if err := s.flushSegment(); err != nil {
		return err
	}

	for _, t := range s.tracks {
		d := Rescale(t.MediaDuration(), t.TimeScale(), s.timeScale)
		if d > s.duration {
			s.duration = d
		}
	}

	end := MediaEndInfo{Duration: s.Duration()}

	switch s.opts.Layout.Kind {
	case LayoutMultiFile:
		if err := s.writeInit(); err != nil {
			return err
		}
		if !s.initWritten {
			s.initWritten = true
			if l := s.opts.MuxerListener; l != nil {
				if err := l.OnMediaStart(s.mediaInfo()); err != nil {
					return err
				}
			}
		}

	case LayoutSingleFile:
		header, initSize, err := s.singleFileHeader()
		if err != nil {
			return err
		}
		if err := s.writeSingleFile(header); err != nil {
			return err
		}
		end.HeaderSize = uint64(len(header))
		end.InitRange = &ByteRange{Offset: 0, Size: initSize}
		end.IndexRange = &ByteRange{Offset: initSize, Size: uint64(len(header)) - initSize}
		if !s.initWritten {
			s.initWritten = true
			if l := s.opts.MuxerListener; l != nil {
				if err := l.OnMediaStart(s.mediaInfo()); err != nil {
					return err
				}
			}
		}
	}

	s.progress.SetComplete()

	s.logger.Info("Segmenter finalized",
		slog.Any("segments", s.segmentNumber),
		slog.Float64("duration_seconds", end.Duration))

	if l := s.opts.MuxerListener; l != nil {
		return l.OnMediaEnd(end)
	}
	return nil
}

// singleFileHeader returns the init segment followed by a sidx over every
// segment, and the size of the init segment.
func (s *Segmenter) singleFileHeader() ([]byte, uint64, error) {
	init, err := s.initSegment()
	if err != nil {
		return nil, 0, err
	}
	sidx, err := mp4box.Marshal(s.index.Index(s.vodRefs).Box())
	if err != nil {
		return nil, 0, fmt.Errorf("encoding sidx: %w", err)
	}
	return append(init, sidx...), uint64(len(init)), nil
}

func (s *Segmenter) writeSingleFile(header []byte) (err error) {
	var body io.Reader = bytes.NewReader(nil)
	if s.tmp != nil {
		defer func() {
			name := s.tmp.Name()
			closeErr := s.tmp.Close()
			removeErr := os.Remove(name)
			s.tmp = nil
			if err == nil {
				err = errors.Join(closeErr, removeErr)
			}
		}()
		if _, err := s.tmp.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("rewinding fragment file: %w", err)
		}
		body = s.tmp
	}

	name := s.opts.Layout.FileName
	if err := s.opts.Sink.AtomicWriteReader(name, io.MultiReader(bytes.NewReader(header), body)); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}

// Duration returns the movie duration in seconds, 0 before Initialize.
func (s *Segmenter) Duration() float64 {
	if s.timeScale == 0 {
		return 0
	}
	return float64(s.duration) / float64(s.timeScale)
}

// ReferenceTimeScale returns the movie timescale.
func (s *Segmenter) ReferenceTimeScale() uint32 {
	return s.timeScale
}

// ReferenceTrack returns the index of the reference stream.
func (s *Segmenter) ReferenceTrack() int {
	return s.refTrack
}

// SequenceNumber returns the sequence number of the next fragment.
func (s *Segmenter) SequenceNumber() uint32 {
	if s.moof == nil {
		return 0
	}
	return s.moof.SequenceNumber
}

// References returns the index entries of the open segment.
func (s *Segmenter) References() []SegmentReference {
	return s.index.References()
}

// PSSH returns the protection system boxes carried by the next fragment.
func (s *Segmenter) PSSH() []mp4box.PSSH {
	if s.moof == nil {
		return nil
	}
	return append([]mp4box.PSSH(nil), s.moof.PSSH...)
}
