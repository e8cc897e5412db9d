package chunker

import (
	"bytes"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/fragmentr/internal/cenc"
	"github.com/jmylchreest/fragmentr/internal/segmenter"
	"github.com/jmylchreest/fragmentr/internal/storage"
)

var testSPS = []byte{
	0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
	0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
	0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9, 0x20,
}

func testStreams() []segmenter.Stream {
	return []segmenter.Stream{
		{
			Type:      segmenter.MediaTypeVideo,
			TimeScale: 90000,
			Codec:     &mp4.CodecH264{SPS: testSPS, PPS: []byte{0x08, 0x06, 0x07, 0x08}},
		},
		{
			Type:      segmenter.MediaTypeAudio,
			TimeScale: 48000,
			Codec: &mp4.CodecMPEG4Audio{Config: mpeg4audio.AudioSpecificConfig{
				Type:         mpeg4audio.ObjectTypeAACLC,
				SampleRate:   48000,
				ChannelCount: 2,
			}},
		},
	}
}

type input struct {
	track int
	at    float64
	s     *segmenter.Sample
}

// interleave returns 30 fps video with a key frame every gop frames and
// 48 kHz AAC covering the same span, in decode order.
func interleave(t *testing.T, frames, gop int) []input {
	t.Helper()
	var in []input
	for n := 0; n < frames; n++ {
		typ := h264.NALUTypeNonIDR
		if n%gop == 0 {
			typ = h264.NALUTypeIDR
		}
		nalu := append([]byte{byte(typ)}, bytes.Repeat([]byte{byte(n)}, 40)...)
		data, err := h264.AVCC([][]byte{nalu}).Marshal()
		require.NoError(t, err)
		in = append(in, input{track: 0, at: float64(n) / 30, s: &segmenter.Sample{
			Data:       data,
			Duration:   3000,
			IsKeyFrame: n%gop == 0,
		}})
	}

	end := float64(frames) / 30
	for m := 0; float64(m*1024)/48000 < end; m++ {
		in = append(in, input{track: 1, at: float64(m*1024) / 48000, s: &segmenter.Sample{
			Data:       bytes.Repeat([]byte{0xa0}, 16),
			Duration:   1024,
			IsKeyFrame: true,
		}})
	}

	sort.SliceStable(in, func(i, j int) bool { return in[i].at < in[j].at })
	return in
}

type fragment struct {
	info    segmenter.SegmentInfo
	samples [][]*segmenter.Sample
}

// recorder collects fragments the way the segmenter barrier sees them.
type recorder struct {
	open      [][]*segmenter.Sample
	sealed    int
	fragments []fragment
}

func newRecorder(tracks int) *recorder {
	return &recorder{open: make([][]*segmenter.Sample, tracks)}
}

func (r *recorder) AddSample(i int, s *segmenter.Sample) error {
	r.open[i] = append(r.open[i], s)
	return nil
}

func (r *recorder) FinalizeSegment(_ int, info segmenter.SegmentInfo) error {
	r.sealed++
	if r.sealed < len(r.open) {
		return nil
	}
	r.fragments = append(r.fragments, fragment{info: info, samples: r.open})
	r.open = make([][]*segmenter.Sample, len(r.open))
	r.sealed = 0
	return nil
}

func (r *recorder) counts(track int) []int {
	out := make([]int, len(r.fragments))
	for i, f := range r.fragments {
		out[i] = len(f.samples[track])
	}
	return out
}

func run(t *testing.T, cfg Config, in []input) *recorder {
	t.Helper()
	c, err := New(cfg)
	require.NoError(t, err)

	rec := newRecorder(2)
	require.NoError(t, c.Start(rec, testStreams()))
	for _, x := range in {
		require.NoError(t, c.AddSample(x.track, x.s))
	}
	require.NoError(t, c.Flush())
	return rec
}

func TestChunker_SegmentBoundaries(t *testing.T) {
	rec := run(t, Config{SegmentDuration: 2 * time.Second}, interleave(t, 180, 30))

	require.Len(t, rec.fragments, 3)
	assert.Equal(t, []int{60, 60, 60}, rec.counts(0))
	assert.Equal(t, []int{94, 94, 94}, rec.counts(1), "audio cut at the video boundary")
	for _, f := range rec.fragments {
		assert.False(t, f.info.IsSubsegment)
		assert.False(t, f.info.IsEncrypted)
		assert.True(t, f.samples[0][0].IsKeyFrame)
	}
}

func TestChunker_LateKeyFrame(t *testing.T) {
	rec := run(t, Config{SegmentDuration: time.Second}, interleave(t, 135, 45))

	require.Len(t, rec.fragments, 3)
	assert.Equal(t, []int{45, 45, 45}, rec.counts(0))
	// Audio follows the actual cut at 1.5 s and 3.0 s, not the 1 s grid.
	assert.Equal(t, []int{71, 70, 70}, rec.counts(1))
}

func TestChunker_Subsegments(t *testing.T) {
	rec := run(t, Config{
		SegmentDuration:    2 * time.Second,
		SubsegmentDuration: time.Second,
	}, interleave(t, 120, 30))

	require.Len(t, rec.fragments, 4)
	var sub []bool
	for _, f := range rec.fragments {
		sub = append(sub, f.info.IsSubsegment)
	}
	assert.Equal(t, []bool{true, false, true, false}, sub)
	assert.Equal(t, []int{30, 30, 30, 30}, rec.counts(0))
}

func TestChunker_ClearLeadAndRotation(t *testing.T) {
	k0 := cenc.Key{ID: uuid.UUID{0xa}, Key: bytes.Repeat([]byte{1}, cenc.KeySize)}
	k1 := cenc.Key{ID: uuid.UUID{0xb}, Key: bytes.Repeat([]byte{2}, cenc.KeySize)}
	keys, err := cenc.NewRoundRobin([]cenc.Key{k0, k1})
	require.NoError(t, err)

	rec := run(t, Config{
		SegmentDuration: time.Second,
		Encryption: &Encryption{
			Keys:         keys,
			IVSize:       8,
			ClearLead:    time.Second,
			CryptoPeriod: 2 * time.Second,
			Systems:      []uuid.UUID{cenc.SystemCommon},
			KeyURI:       "https://keys.example/" + KeyIDPlaceholder,
		},
	}, interleave(t, 120, 30))

	require.Len(t, rec.fragments, 4)

	var encrypted []bool
	for _, f := range rec.fragments {
		encrypted = append(encrypted, f.info.IsEncrypted)
	}
	assert.Equal(t, []bool{false, true, true, true}, encrypted)

	require.NotNil(t, rec.fragments[0].info.KeyRotation)
	assert.Equal(t, k0.ID, rec.fragments[0].info.KeyRotation.KeyID)
	assert.Nil(t, rec.fragments[1].info.KeyRotation)
	require.NotNil(t, rec.fragments[2].info.KeyRotation)
	assert.Equal(t, k1.ID, rec.fragments[2].info.KeyRotation.KeyID)
	assert.Nil(t, rec.fragments[3].info.KeyRotation)

	rot := rec.fragments[2].info.KeyRotation
	assert.Equal(t, MethodSampleAESCTR, rot.Method)
	assert.Equal(t, fmt.Sprintf("https://keys.example/%x", k1.ID[:]), rot.KeyURI)
	require.Len(t, rot.ProtectionSystems, 1)
	assert.Equal(t, []uuid.UUID{k1.ID}, rot.ProtectionSystems[0].KeyIDs)

	plain := rec.fragments[0]
	assert.Nil(t, plain.samples[0][0].IV)
	assert.Nil(t, plain.samples[1][0].IV)

	enc := rec.fragments[1]
	assert.Len(t, enc.samples[0][0].IV, 8)
	assert.NotEmpty(t, enc.samples[0][0].Subsamples, "video uses subsample encryption")
	assert.Len(t, enc.samples[1][0].IV, 8)
	assert.Nil(t, enc.samples[1][0].Subsamples, "audio is fully encrypted")
}

func TestChunker_EncryptionConfig(t *testing.T) {
	c, err := New(Config{SegmentDuration: time.Second})
	require.NoError(t, err)
	assert.Nil(t, c.EncryptionConfig())

	keys, err := cenc.NewRoundRobin([]cenc.Key{{ID: uuid.UUID{1}, Key: make([]byte, cenc.KeySize)}})
	require.NoError(t, err)
	c, err = New(Config{
		SegmentDuration: time.Second,
		Encryption:      &Encryption{Keys: keys, IVSize: 16, KeyFormat: "identity"},
	})
	require.NoError(t, err)

	cfg := c.EncryptionConfig()
	require.NotNil(t, cfg)
	assert.Equal(t, uuid.UUID{1}, cfg.KeyID)
	assert.Equal(t, uint8(16), cfg.PerSampleIVSize)
	assert.Equal(t, "identity", cfg.KeyFormat)
}

func TestChunker_Errors(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"zero segment", Config{}},
		{"subsegment too long", Config{SegmentDuration: time.Second, SubsegmentDuration: 2 * time.Second}},
		{"no keys", Config{SegmentDuration: time.Second, Encryption: &Encryption{IVSize: 8}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	keys, err := cenc.NewRoundRobin([]cenc.Key{{Key: make([]byte, cenc.KeySize)}})
	require.NoError(t, err)
	_, err = New(Config{SegmentDuration: time.Second, Encryption: &Encryption{Keys: keys, IVSize: 12}})
	assert.ErrorIs(t, err, cenc.ErrInvalidIVSize)

	c, err := New(Config{SegmentDuration: time.Second})
	require.NoError(t, err)
	assert.ErrorIs(t, c.AddSample(0, &segmenter.Sample{}), ErrNotStarted)
	assert.ErrorIs(t, c.Flush(), ErrNotStarted)

	require.NoError(t, c.Start(newRecorder(2), testStreams()))
	assert.ErrorIs(t, c.AddSample(2, &segmenter.Sample{}), segmenter.ErrInvalidArgument)
}

func TestChunker_WithSegmenter(t *testing.T) {
	sandbox, err := storage.NewSandbox(t.TempDir())
	require.NoError(t, err)

	var events []segmenter.SegmentEvent
	seg, err := segmenter.New(segmenter.Options{
		Layout: segmenter.Layout{
			Kind:        segmenter.LayoutMultiFile,
			InitName:    "init.mp4",
			SegmentName: func(n uint32) string { return fmt.Sprintf("seg_%d.m4s", n) },
		},
		Sink:          sandbox,
		MuxerListener: &eventLog{events: &events},
	})
	require.NoError(t, err)

	streams := testStreams()
	require.NoError(t, seg.Initialize(streams))

	c, err := New(Config{SegmentDuration: 2 * time.Second})
	require.NoError(t, err)
	require.NoError(t, c.Start(segmenter.NewGate(seg), streams))

	for _, x := range interleave(t, 120, 30) {
		require.NoError(t, c.AddSample(x.track, x.s))
	}
	require.NoError(t, c.Flush())
	require.NoError(t, seg.Finalize())

	for _, name := range []string{"init.mp4", "seg_1.m4s", "seg_2.m4s"} {
		data, err := sandbox.ReadFile(name)
		require.NoError(t, err, name)
		assert.NotEmpty(t, data)
	}
	require.Len(t, events, 2)
	assert.Equal(t, uint64(180000), events[1].Start)
	assert.Equal(t, uint64(180000), events[1].Duration)
	// The last AAC frame ends just past 4 s.
	assert.InDelta(t, 4.0, seg.Duration(), 0.02)
}

type eventLog struct {
	events *[]segmenter.SegmentEvent
}

func (e *eventLog) OnMediaStart(segmenter.MediaInfo) error { return nil }

func (e *eventLog) OnNewSegment(ev segmenter.SegmentEvent) error {
	*e.events = append(*e.events, ev)
	return nil
}

func (e *eventLog) OnMediaEnd(segmenter.MediaEndInfo) error { return nil }
