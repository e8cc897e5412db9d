package segmenter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/fragmentr/internal/mp4box"
)

func TestRescale(t *testing.T) {
	tests := []struct {
		value    uint64
		from, to uint32
		want     uint64
	}{
		{10, 1000, 90000, 900},
		{10000, 1000, 90000, 900000},
		{10240, 48000, 90000, 19200},
		{10241, 48000, 90000, 19201},
		{1, 3, 1, 0},
		{2, 3, 1, 0},
		{1001, 30000, 90000, 3003},
		{5, 0, 90000, 0},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Rescale(tt.value, tt.from, tt.to), "Rescale(%d, %d, %d)", tt.value, tt.from, tt.to)
	}
}

func TestProgressReporter(t *testing.T) {
	t.Run("clamps at one", func(t *testing.T) {
		var got []float64
		p := NewProgressReporter(ProgressFunc(func(f float64) { got = append(got, f) }), 100)

		p.Update(40)
		p.Update(40)
		p.Update(40)
		p.Update(1000)

		assert.Equal(t, []float64{0.4, 0.8, 1.0, 1.0}, got)
	})

	t.Run("zero target is a no-op", func(t *testing.T) {
		called := false
		p := NewProgressReporter(ProgressFunc(func(float64) { called = true }), 0)
		p.Update(10)
		assert.False(t, called)
	})

	t.Run("no listener", func(t *testing.T) {
		p := NewProgressReporter(nil, 10)
		assert.NotPanics(t, func() {
			p.Update(5)
			p.SetComplete()
		})
	})

	t.Run("set complete", func(t *testing.T) {
		var got []float64
		p := NewProgressReporter(ProgressFunc(func(f float64) { got = append(got, f) }), 0)
		p.SetComplete()
		assert.Equal(t, []float64{1.0}, got)
	})
}

func TestTrackFragment(t *testing.T) {
	traf := &mp4box.Traf{TrackID: 1}
	tf := newTrackFragment(traf, 90000)

	require.NoError(t, tf.AddSample(&Sample{Data: make([]byte, 10), Duration: 3000, IsKeyFrame: true, CompositionOffset: 3000}))
	require.NoError(t, tf.AddSample(&Sample{Data: make([]byte, 5), Duration: 2000}))

	assert.Equal(t, uint32(3000), tf.DefaultSampleDuration())
	assert.Equal(t, uint64(15), tf.PayloadSize())
	assert.Len(t, traf.Entries, 2)
	assert.True(t, traf.Entries[0].IsSync())
	assert.False(t, traf.Entries[1].IsSync())

	ref := tf.reference()
	assert.Equal(t, uint64(5000), ref.Duration)
	assert.Equal(t, uint64(3000), ref.EarliestPresentationTime)
	assert.True(t, ref.StartsWithSAP)

	tf.FinalizeFragment()
	assert.True(t, tf.IsFinalized())
	assert.Nil(t, traf.Encryption, "clear samples carry no senc")
	assert.ErrorIs(t, tf.AddSample(&Sample{Duration: 1}), ErrAlreadyFinalized)

	tf.ClearFinalized()
	assert.False(t, tf.IsFinalized())
	assert.Empty(t, traf.Entries)
	assert.Zero(t, tf.PayloadSize())

	// Default duration comes from the first sample ever; media duration and
	// decode time run across fragments.
	require.NoError(t, tf.AddSample(&Sample{Data: make([]byte, 1), Duration: 1000, IsKeyFrame: true}))
	assert.Equal(t, uint32(3000), tf.DefaultSampleDuration())
	assert.Equal(t, uint64(6000), tf.MediaDuration())
	assert.Equal(t, uint64(5000), traf.BaseMediaDecodeTime)
}

func TestTrackFragment_Encryption(t *testing.T) {
	traf := &mp4box.Traf{TrackID: 1}
	tf := newTrackFragment(traf, 48000)

	require.NoError(t, tf.AddSample(&Sample{Data: make([]byte, 4), Duration: 1024, IV: []byte{1, 2, 3, 4, 5, 6, 7, 8}}))
	tf.FinalizeFragment()

	require.NotNil(t, traf.Encryption)
	require.Len(t, traf.Encryption.Entries, 1)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, traf.Encryption.Entries[0].IV)

	tf.ClearFinalized()
	assert.Nil(t, traf.Encryption)
}

func TestSegmentIndexBuilder(t *testing.T) {
	b := SegmentIndexBuilder{referenceID: 1, timeScale: 90000}
	b.Add(SegmentReference{EarliestPresentationTime: 100, Duration: 3000, Size: 500, StartsWithSAP: true, SAPType: mp4box.SAPType1})
	b.Add(SegmentReference{EarliestPresentationTime: 3100, Duration: 2000, Size: 300})

	assert.Equal(t, 2, b.Len())
	assert.Equal(t, uint64(5000), b.Duration())
	assert.Equal(t, uint64(800), b.Size())
	assert.Equal(t, uint64(100), b.EarliestPresentationTime())

	combined := b.Combined()
	assert.Equal(t, uint64(5000), combined.Duration)
	assert.Equal(t, uint64(800), combined.Size)
	assert.True(t, combined.StartsWithSAP)

	idx := b.Index(b.References())
	assert.Equal(t, uint32(1), idx.ReferenceID)
	assert.Equal(t, uint32(90000), idx.Timescale)
	assert.Equal(t, uint64(100), idx.EarliestPresentationTime)
	require.Len(t, idx.References, 2)
	assert.Equal(t, uint32(300), idx.References[1].ReferencedSize)

	b.Clear()
	assert.Zero(t, b.Len())
	assert.Equal(t, SegmentReference{}, b.Combined())
}

func TestEncryptionMetadataBuilder(t *testing.T) {
	moof := &mp4box.Moof{Trafs: []*mp4box.Traf{{TrackID: 1}, {TrackID: 2}}}
	b := EncryptionMetadataBuilder{moof: moof}

	b.Apply(0, false, testRotation(1))
	assert.Len(t, moof.PSSH, 1)
	assert.Empty(t, moof.Trafs[0].SampleGroups)

	cfg := testRotation(2)
	cfg.PerSampleIVSize = 0
	cfg.ConstantIV = []byte{1, 2, 3, 4, 5, 6, 7, 8}
	b.Apply(1, true, cfg)
	require.Len(t, moof.PSSH, 1, "pssh is replaced, not appended")
	assert.Equal(t, [16]byte{2}, moof.PSSH[0].KIDs[0])
	assert.Empty(t, moof.Trafs[0].SampleGroups)
	require.Len(t, moof.Trafs[1].SampleGroups, 1)
	assert.Equal(t, cfg.ConstantIV, moof.Trafs[1].SampleGroups[0].ConstantIV)
}

func TestProtection(t *testing.T) {
	assert.Nil(t, protection(nil))

	p := protection(&EncryptionConfig{PerSampleIVSize: 16})
	assert.Equal(t, mp4box.SchemeCENC, p.Scheme)
	assert.Equal(t, uint8(16), p.PerSampleIVSize)
}
