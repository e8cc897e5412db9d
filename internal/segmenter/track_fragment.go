package segmenter

import (
	"bytes"
	"fmt"
	"math"

	"github.com/jmylchreest/fragmentr/internal/mp4box"
)

// TrackFragment accumulates the samples of one track for the open fragment.
// It persists for the whole session and is reset after every boundary.
type TrackFragment struct {
	traf      *mp4box.Traf
	timeScale uint32

	finalized bool

	defaultSampleDuration uint32
	hasDefault            bool

	// mediaDuration is the sum of all sample durations of the session.
	mediaDuration uint64
	// nextDecodeTime is the decode time of the next sample.
	nextDecodeTime uint64

	// Per-fragment state.
	data             bytes.Buffer
	fragmentDuration uint64
	earliestPTS      int64
	hasSamples       bool
	startsWithSAP    bool
	encrypted        bool
	sencEntries      []mp4box.SencEntry
}

func newTrackFragment(traf *mp4box.Traf, timeScale uint32) *TrackFragment {
	return &TrackFragment{
		traf:      traf,
		timeScale: timeScale,
	}
}

// AddSample appends a sample to the open fragment.
func (t *TrackFragment) AddSample(s *Sample) error {
	if t.finalized {
		return ErrAlreadyFinalized
	}
	if uint64(len(s.Data)) > math.MaxUint32 {
		return fmt.Errorf("%w: sample of %d bytes", ErrInvalidArgument, len(s.Data))
	}

	if !t.hasDefault {
		t.defaultSampleDuration = s.Duration
		t.hasDefault = true
	}

	if !t.hasSamples {
		t.traf.BaseMediaDecodeTime = t.nextDecodeTime
		t.earliestPTS = int64(t.nextDecodeTime) + int64(s.CompositionOffset)
		t.startsWithSAP = s.IsKeyFrame
		t.hasSamples = true
	} else if pts := int64(t.nextDecodeTime) + int64(s.CompositionOffset); pts < t.earliestPTS {
		t.earliestPTS = pts
	}

	t.traf.Entries = append(t.traf.Entries, mp4box.RunEntry{
		Duration:          s.Duration,
		Size:              uint32(len(s.Data)),
		Flags:             mp4box.SampleFlags(s.IsKeyFrame),
		CompositionOffset: s.CompositionOffset,
	})
	t.data.Write(s.Data)

	if s.encrypted() {
		t.encrypted = true
	}
	t.sencEntries = append(t.sencEntries, mp4box.SencEntry{
		IV:         s.IV,
		Subsamples: s.Subsamples,
	})

	t.nextDecodeTime += uint64(s.Duration)
	t.fragmentDuration += uint64(s.Duration)
	t.mediaDuration += uint64(s.Duration)
	return nil
}

// FinalizeFragment seals the run. Further samples are rejected until
// ClearFinalized.
func (t *TrackFragment) FinalizeFragment() {
	if t.finalized {
		return
	}
	if t.encrypted {
		t.traf.Encryption = &mp4box.SampleEncryption{Entries: t.sencEntries}
	}
	t.finalized = true
}

// ClearFinalized reopens the track for the next fragment and discards the
// per-fragment state.
func (t *TrackFragment) ClearFinalized() {
	t.finalized = false
	t.traf.Reset()
	// An empty fragment still carries the track's current decode time.
	t.traf.BaseMediaDecodeTime = t.nextDecodeTime
	t.data.Reset()
	t.fragmentDuration = 0
	t.earliestPTS = 0
	t.hasSamples = false
	t.startsWithSAP = false
	t.encrypted = false
	t.sencEntries = nil
}

// IsFinalized reports whether the fragment is sealed.
func (t *TrackFragment) IsFinalized() bool { return t.finalized }

// DefaultSampleDuration is the duration of the first sample of the session.
func (t *TrackFragment) DefaultSampleDuration() uint32 { return t.defaultSampleDuration }

// MediaDuration is the cumulative duration of the session in the track
// timescale.
func (t *TrackFragment) MediaDuration() uint64 { return t.mediaDuration }

// TimeScale returns the track timescale.
func (t *TrackFragment) TimeScale() uint32 { return t.timeScale }

// PayloadSize is the number of sample bytes in the open fragment.
func (t *TrackFragment) PayloadSize() uint64 { return uint64(t.data.Len()) }

// Payload returns the sample bytes of the open fragment.
func (t *TrackFragment) Payload() []byte { return t.data.Bytes() }

// reference describes the fragment as a segment index entry. Size is filled
// by the caller.
func (t *TrackFragment) reference() SegmentReference {
	ref := SegmentReference{
		Duration:      t.fragmentDuration,
		StartsWithSAP: t.startsWithSAP,
	}
	if t.earliestPTS > 0 {
		ref.EarliestPresentationTime = uint64(t.earliestPTS)
	}
	if t.startsWithSAP {
		ref.SAPType = mp4box.SAPType1
	}
	return ref
}
