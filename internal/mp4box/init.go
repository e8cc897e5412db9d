package mp4box

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	gomp4 "github.com/abema/go-mp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
)

// Protection scheme types.
var (
	SchemeCENC = [4]byte{'c', 'e', 'n', 'c'}
	SchemeCBCS = [4]byte{'c', 'b', 'c', 's'}
)

// ErrUnsupportedSampleEntry is returned when a protected track uses a
// sample entry that cannot be rewritten to encv or enca.
var ErrUnsupportedSampleEntry = errors.New("unsupported sample entry for protection")

// Protection describes the default encryption parameters of a track.
type Protection struct {
	Scheme          [4]byte
	KID             [16]byte
	PerSampleIVSize uint8
	ConstantIV      []byte
	CryptByteBlock  uint8
	SkipByteBlock   uint8
}

// InitTrack is one track of an initialization segment.
type InitTrack struct {
	ID        int
	TimeScale uint32
	Codec     mp4.Codec
	// Duration is the media duration in the track timescale.
	Duration uint64
	// MovieDuration is the track duration in the movie timescale.
	MovieDuration uint64
	// DefaultSampleDuration is written to trex.
	DefaultSampleDuration uint32
	// Language is an ISO 639-2/T code; empty keeps "und".
	Language   string
	Protection *Protection
}

// InitParams configures BuildInit.
type InitParams struct {
	TimeScale uint32
	// Duration is the presentation duration in TimeScale; 0 for live.
	Duration uint64
	Tracks   []*InitTrack
	PSSH     []PSSH
}

// BuildInit returns an ftyp+moov initialization segment.
//
// The track boxes are produced by mediacommon and then rewritten with the
// movie timescale and durations, trex defaults, mehd, protection scheme
// information and pssh boxes.
func BuildInit(p *InitParams) ([]byte, error) {
	init := fmp4.Init{}
	for _, t := range p.Tracks {
		init.Tracks = append(init.Tracks, &fmp4.InitTrack{
			ID:        t.ID,
			TimeScale: t.TimeScale,
			Codec:     t.Codec,
		})
	}

	var src seekablebuffer.Buffer
	if err := init.Marshal(&src); err != nil {
		return nil, fmt.Errorf("marshaling init: %w", err)
	}

	var out seekablebuffer.Buffer
	rw := &initRewriter{
		params: p,
		r:      bytes.NewReader(src.Bytes()),
		bw:     newBoxWriter(&out),
		tracks: make(map[uint32]*InitTrack, len(p.Tracks)),
	}
	for _, t := range p.Tracks {
		rw.tracks[uint32(t.ID)] = t
	}

	if _, err := gomp4.ReadBoxStructure(rw.r, rw.handle); err != nil {
		return nil, fmt.Errorf("rewriting init: %w", err)
	}

	return out.Bytes(), nil
}

type initRewriter struct {
	params *InitParams
	r      *bytes.Reader
	bw     *boxWriter
	tracks map[uint32]*InitTrack
	cur    *InitTrack
}

func (rw *initRewriter) handle(h *gomp4.ReadHandle) (interface{}, error) {
	bw := rw.bw

	switch h.BoxInfo.Type {
	case gomp4.BoxTypeFtyp():
		_, _, err := bw.writeBox(Ftyp())
		return nil, err

	case gomp4.BoxTypeMoov():
		return nil, rw.container(h, &gomp4.Moov{}, func() error {
			for _, p := range rw.params.PSSH {
				if _, _, err := bw.writeBox(p.Box()); err != nil {
					return err
				}
			}
			return nil
		})

	case gomp4.BoxTypeTrak():
		rw.cur = nil
		return nil, rw.container(h, &gomp4.Trak{}, nil)

	case gomp4.BoxTypeMdia():
		return nil, rw.container(h, &gomp4.Mdia{}, nil)

	case gomp4.BoxTypeMinf():
		return nil, rw.container(h, &gomp4.Minf{}, nil)

	case gomp4.BoxTypeStbl():
		return nil, rw.container(h, &gomp4.Stbl{}, nil)

	case gomp4.BoxTypeStsd():
		box, _, err := h.ReadPayload()
		if err != nil {
			return nil, err
		}
		return nil, rw.container(h, box, nil)

	case gomp4.BoxTypeMvex():
		if _, err := bw.writeBoxStart(&gomp4.Mvex{}); err != nil {
			return nil, err
		}
		if rw.params.Duration > 0 {
			mehd := &gomp4.Mehd{}
			if rw.params.Duration > math.MaxUint32 {
				mehd.SetVersion(1)
				mehd.FragmentDurationV1 = rw.params.Duration
			} else {
				mehd.FragmentDurationV0 = uint32(rw.params.Duration)
			}
			if _, _, err := bw.writeBox(mehd); err != nil {
				return nil, err
			}
		}
		if _, err := h.Expand(); err != nil {
			return nil, err
		}
		_, err := bw.writeBoxEnd()
		return nil, err

	case gomp4.BoxTypeMvhd():
		box, _, err := h.ReadPayload()
		if err != nil {
			return nil, err
		}
		mvhd := box.(*gomp4.Mvhd)
		mvhd.Timescale = rw.params.TimeScale
		if rw.params.Duration > math.MaxUint32 {
			mvhd.SetVersion(1)
			mvhd.CreationTimeV1 = uint64(mvhd.CreationTimeV0)
			mvhd.ModificationTimeV1 = uint64(mvhd.ModificationTimeV0)
			mvhd.DurationV1 = rw.params.Duration
		} else {
			mvhd.DurationV0 = uint32(rw.params.Duration)
		}
		mvhd.NextTrackID = uint32(len(rw.params.Tracks) + 1)
		_, _, err = bw.writeBox(mvhd)
		return nil, err

	case gomp4.BoxTypeTkhd():
		box, _, err := h.ReadPayload()
		if err != nil {
			return nil, err
		}
		tkhd := box.(*gomp4.Tkhd)
		rw.cur = rw.tracks[tkhd.TrackID]
		if rw.cur != nil {
			if rw.cur.MovieDuration > math.MaxUint32 {
				tkhd.SetVersion(1)
				tkhd.CreationTimeV1 = uint64(tkhd.CreationTimeV0)
				tkhd.ModificationTimeV1 = uint64(tkhd.ModificationTimeV0)
				tkhd.DurationV1 = rw.cur.MovieDuration
			} else {
				tkhd.DurationV0 = uint32(rw.cur.MovieDuration)
			}
		}
		_, _, err = bw.writeBox(tkhd)
		return nil, err

	case gomp4.BoxTypeMdhd():
		box, _, err := h.ReadPayload()
		if err != nil {
			return nil, err
		}
		mdhd := box.(*gomp4.Mdhd)
		if rw.cur != nil {
			if rw.cur.Duration > math.MaxUint32 {
				mdhd.SetVersion(1)
				mdhd.CreationTimeV1 = uint64(mdhd.CreationTimeV0)
				mdhd.ModificationTimeV1 = uint64(mdhd.ModificationTimeV0)
				mdhd.DurationV1 = rw.cur.Duration
			} else {
				mdhd.DurationV0 = uint32(rw.cur.Duration)
			}
			if lang, ok := packedLanguage(rw.cur.Language); ok {
				mdhd.Language = lang
			}
		}
		_, _, err = bw.writeBox(mdhd)
		return nil, err

	case gomp4.BoxTypeTrex():
		box, _, err := h.ReadPayload()
		if err != nil {
			return nil, err
		}
		trex := box.(*gomp4.Trex)
		if t, ok := rw.tracks[trex.TrackID]; ok {
			trex.DefaultSampleDuration = t.DefaultSampleDuration
		}
		_, _, err = bw.writeBox(trex)
		return nil, err
	}

	if n := len(h.Path); n >= 2 && h.Path[n-2] == gomp4.BoxTypeStsd() &&
		rw.cur != nil && rw.cur.Protection != nil {
		return nil, rw.protectedSampleEntry(h, rw.cur.Protection)
	}

	return nil, bw.w.CopyBox(rw.r, &h.BoxInfo)
}

// container re-emits a box and its children, then lets after append more
// children before the box is closed.
func (rw *initRewriter) container(h *gomp4.ReadHandle, box gomp4.IImmutableBox, after func() error) error {
	if _, err := rw.bw.writeBoxStart(box); err != nil {
		return err
	}
	if _, err := h.Expand(); err != nil {
		return err
	}
	if after != nil {
		if err := after(); err != nil {
			return err
		}
	}
	_, err := rw.bw.writeBoxEnd()
	return err
}

// protectedSampleEntry rewrites a sample entry to encv/enca and appends the
// protection scheme information box.
func (rw *initRewriter) protectedSampleEntry(h *gomp4.ReadHandle, p *Protection) error {
	box, _, err := h.ReadPayload()
	if err != nil {
		return err
	}

	original := h.BoxInfo.Type
	switch entry := box.(type) {
	case *gomp4.VisualSampleEntry:
		entry.SetType(gomp4.BoxTypeEncv())
	case *gomp4.AudioSampleEntry:
		entry.SetType(gomp4.BoxTypeEnca())
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedSampleEntry, original)
	}

	return rw.container(h, box, func() error {
		return rw.writeSinf(original, p)
	})
}

func (rw *initRewriter) writeSinf(format gomp4.BoxType, p *Protection) error {
	bw := rw.bw

	if _, err := bw.writeBoxStart(&gomp4.Sinf{}); err != nil {
		return err
	}
	if _, _, err := bw.writeBox(&gomp4.Frma{DataFormat: [4]byte(format)}); err != nil {
		return err
	}
	if _, _, err := bw.writeBox(&gomp4.Schm{SchemeType: p.Scheme, SchemeVersion: 0x00010000}); err != nil {
		return err
	}
	if _, err := bw.writeBoxStart(&gomp4.Schi{}); err != nil {
		return err
	}

	tenc := &gomp4.Tenc{
		DefaultIsProtected:     1,
		DefaultPerSampleIVSize: p.PerSampleIVSize,
		DefaultKID:             p.KID,
	}
	if p.CryptByteBlock != 0 || p.SkipByteBlock != 0 {
		tenc.SetVersion(1)
		tenc.DefaultCryptByteBlock = p.CryptByteBlock
		tenc.DefaultSkipByteBlock = p.SkipByteBlock
	}
	if p.PerSampleIVSize == 0 {
		tenc.DefaultConstantIVSize = uint8(len(p.ConstantIV))
		tenc.DefaultConstantIV = p.ConstantIV
	}
	if _, _, err := bw.writeBox(tenc); err != nil {
		return err
	}

	if _, err := bw.writeBoxEnd(); err != nil { // schi
		return err
	}
	_, err := bw.writeBoxEnd() // sinf
	return err
}

// packedLanguage converts an ISO 639-2/T code to the 5-bit packed form
// stored in mdhd.
func packedLanguage(code string) ([3]byte, bool) {
	var out [3]byte
	if len(code) != 3 {
		return out, false
	}
	for i := 0; i < 3; i++ {
		c := code[i]
		if c < 'a' || c > 'z' {
			return out, false
		}
		out[i] = c - 0x60
	}
	return out, true
}
