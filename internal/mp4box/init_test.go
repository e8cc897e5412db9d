package mp4box

import (
	"bytes"
	"testing"

	gomp4 "github.com/abema/go-mp4"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testSPS = []byte{ // 1920x1080 baseline
		0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
		0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
		0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9, 0x20,
	}
	testPPS = []byte{0x08, 0x06, 0x07, 0x08}
)

func testInitParams() *InitParams {
	return &InitParams{
		TimeScale: 1000,
		Duration:  10000,
		Tracks: []*InitTrack{
			{
				ID:                    1,
				TimeScale:             90000,
				Codec:                 &mp4.CodecH264{SPS: testSPS, PPS: testPPS},
				Duration:              900000,
				MovieDuration:         10000,
				DefaultSampleDuration: 3000,
			},
			{
				ID:        2,
				TimeScale: 48000,
				Codec: &mp4.CodecMPEG4Audio{Config: mpeg4audio.AudioSpecificConfig{
					Type:         mpeg4audio.ObjectTypeAACLC,
					SampleRate:   48000,
					ChannelCount: 2,
				}},
				Duration:              480000,
				MovieDuration:         10000,
				DefaultSampleDuration: 1024,
				Language:              "eng",
			},
		},
	}
}

func TestBuildInit_Clear(t *testing.T) {
	buf, err := BuildInit(testInitParams())
	require.NoError(t, err)

	ftyp := extract(t, buf, gomp4.BoxTypeFtyp())
	require.Len(t, ftyp, 1)
	assert.Equal(t, [4]byte{'i', 's', 'o', 'm'}, ftyp[0].Payload.(*gomp4.Ftyp).MajorBrand)

	mvhd := extract(t, buf, gomp4.BoxTypeMoov(), gomp4.BoxTypeMvhd())
	require.Len(t, mvhd, 1)
	assert.Equal(t, uint32(1000), mvhd[0].Payload.(*gomp4.Mvhd).Timescale)
	assert.Equal(t, uint32(10000), mvhd[0].Payload.(*gomp4.Mvhd).DurationV0)

	mehd := extract(t, buf, gomp4.BoxTypeMoov(), gomp4.BoxTypeMvex(), gomp4.BoxTypeMehd())
	require.Len(t, mehd, 1)
	assert.Equal(t, uint32(10000), mehd[0].Payload.(*gomp4.Mehd).FragmentDurationV0)

	trex := extract(t, buf, gomp4.BoxTypeMoov(), gomp4.BoxTypeMvex(), gomp4.BoxTypeTrex())
	require.Len(t, trex, 2)
	assert.Equal(t, uint32(3000), trex[0].Payload.(*gomp4.Trex).DefaultSampleDuration)
	assert.Equal(t, uint32(1024), trex[1].Payload.(*gomp4.Trex).DefaultSampleDuration)

	tkhd := extract(t, buf, gomp4.BoxTypeMoov(), gomp4.BoxTypeTrak(), gomp4.BoxTypeTkhd())
	require.Len(t, tkhd, 2)
	assert.Equal(t, uint32(10000), tkhd[0].Payload.(*gomp4.Tkhd).DurationV0)

	mdhd := extract(t, buf, gomp4.BoxTypeMoov(), gomp4.BoxTypeTrak(), gomp4.BoxTypeMdia(), gomp4.BoxTypeMdhd())
	require.Len(t, mdhd, 2)
	assert.Equal(t, uint32(900000), mdhd[0].Payload.(*gomp4.Mdhd).DurationV0)
	assert.Equal(t, uint32(480000), mdhd[1].Payload.(*gomp4.Mdhd).DurationV0)
	assert.Equal(t, [3]byte{'e' - 0x60, 'n' - 0x60, 'g' - 0x60}, mdhd[1].Payload.(*gomp4.Mdhd).Language)

	// The rewritten init must still be readable by mediacommon.
	var init fmp4.Init
	require.NoError(t, init.Unmarshal(bytes.NewReader(buf)))
	require.Len(t, init.Tracks, 2)
	assert.Equal(t, uint32(90000), init.Tracks[0].TimeScale)
	assert.IsType(t, &mp4.CodecMPEG4Audio{}, init.Tracks[1].Codec)
}

func TestBuildInit_Live(t *testing.T) {
	p := testInitParams()
	p.Duration = 0

	buf, err := BuildInit(p)
	require.NoError(t, err)

	mehd := extract(t, buf, gomp4.BoxTypeMoov(), gomp4.BoxTypeMvex(), gomp4.BoxTypeMehd())
	assert.Empty(t, mehd)
}

func TestBuildInit_Protected(t *testing.T) {
	kid := [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	p := testInitParams()
	p.Tracks[0].Protection = &Protection{
		Scheme:          SchemeCENC,
		KID:             kid,
		PerSampleIVSize: 8,
	}
	p.Tracks[1].Protection = &Protection{
		Scheme:         SchemeCBCS,
		KID:            kid,
		ConstantIV:     bytes.Repeat([]byte{7}, 16),
		CryptByteBlock: 1,
		SkipByteBlock:  9,
	}
	p.PSSH = []PSSH{{SystemID: [16]byte{0xed, 0xef}, KIDs: [][16]byte{kid}}}

	buf, err := BuildInit(p)
	require.NoError(t, err)

	stsd := []gomp4.BoxType{
		gomp4.BoxTypeMoov(), gomp4.BoxTypeTrak(), gomp4.BoxTypeMdia(),
		gomp4.BoxTypeMinf(), gomp4.BoxTypeStbl(), gomp4.BoxTypeStsd(),
	}

	encv := extract(t, buf, append(stsd, gomp4.BoxTypeEncv())...)
	require.Len(t, encv, 1)
	enca := extract(t, buf, append(stsd, gomp4.BoxTypeEnca())...)
	require.Len(t, enca, 1)

	frma := extract(t, buf, append(stsd, gomp4.BoxTypeEncv(), gomp4.BoxTypeSinf(), gomp4.BoxTypeFrma())...)
	require.Len(t, frma, 1)
	assert.Equal(t, [4]byte{'a', 'v', 'c', '1'}, frma[0].Payload.(*gomp4.Frma).DataFormat)

	schm := extract(t, buf, append(stsd, gomp4.BoxTypeEnca(), gomp4.BoxTypeSinf(), gomp4.BoxTypeSchm())...)
	require.Len(t, schm, 1)
	assert.Equal(t, SchemeCBCS, schm[0].Payload.(*gomp4.Schm).SchemeType)

	videoTenc := extract(t, buf, append(stsd, gomp4.BoxTypeEncv(), gomp4.BoxTypeSinf(), gomp4.BoxTypeSchi(), gomp4.BoxTypeTenc())...)
	require.Len(t, videoTenc, 1)
	vt := videoTenc[0].Payload.(*gomp4.Tenc)
	assert.Equal(t, kid, vt.DefaultKID)
	assert.Equal(t, uint8(8), vt.DefaultPerSampleIVSize)
	assert.Equal(t, uint8(0), vt.GetVersion())

	audioTenc := extract(t, buf, append(stsd, gomp4.BoxTypeEnca(), gomp4.BoxTypeSinf(), gomp4.BoxTypeSchi(), gomp4.BoxTypeTenc())...)
	require.Len(t, audioTenc, 1)
	at := audioTenc[0].Payload.(*gomp4.Tenc)
	assert.Equal(t, uint8(1), at.GetVersion())
	assert.Equal(t, uint8(1), at.DefaultCryptByteBlock)
	assert.Equal(t, uint8(9), at.DefaultSkipByteBlock)
	assert.Equal(t, bytes.Repeat([]byte{7}, 16), at.DefaultConstantIV)

	pssh := extract(t, buf, gomp4.BoxTypeMoov(), gomp4.BoxTypePssh())
	require.Len(t, pssh, 1)
	assert.Equal(t, [16]byte{0xed, 0xef}, pssh[0].Payload.(*gomp4.Pssh).SystemID)
}

func TestPackedLanguage(t *testing.T) {
	tests := []struct {
		code string
		ok   bool
	}{
		{"eng", true},
		{"fra", true},
		{"", false},
		{"en", false},
		{"ENG", false},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			_, ok := packedLanguage(tt.code)
			assert.Equal(t, tt.ok, ok)
		})
	}
}
