package mp4box

import (
	"errors"
	"fmt"
	"math"

	gomp4 "github.com/abema/go-mp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
)

const (
	trunFlagDataOffsetPresent                      = 0x01
	trunFlagSampleDurationPresent                  = 0x100
	trunFlagSampleSizePresent                      = 0x200
	trunFlagSampleFlagsPresent                     = 0x400
	trunFlagSampleCompositionTimeOffsetPresentOrV1 = 0x800

	sampleFlagDependsOnOthers = 1 << 24
	sampleFlagDependsOnNone   = 2 << 24
	sampleFlagIsNonSyncSample = 1 << 16

	boxHeaderSize = 8
)

// ErrSizeChanged is returned when a box re-encoded during offset
// resolution no longer matches the size it was laid out with.
var ErrSizeChanged = errors.New("box size changed after layout")

// SampleFlags returns the trun sample flags for a sample.
func SampleFlags(isKeyFrame bool) uint32 {
	if isKeyFrame {
		return sampleFlagDependsOnNone
	}
	return sampleFlagDependsOnOthers | sampleFlagIsNonSyncSample
}

// RunEntry is one sample of a track run.
type RunEntry struct {
	Duration          uint32
	Size              uint32
	Flags             uint32
	CompositionOffset int32
}

// IsSync reports whether the entry is a sync sample.
func (e RunEntry) IsSync() bool {
	return e.Flags&sampleFlagIsNonSyncSample == 0
}

// PSSH is a protection system specific header carried in moov or moof.
type PSSH struct {
	SystemID [16]byte
	KIDs     [][16]byte
	Data     []byte
}

// Box returns the pssh box. Version 1 is used when key ids are present.
func (p PSSH) Box() *gomp4.Pssh {
	box := &gomp4.Pssh{
		SystemID: p.SystemID,
		DataSize: int32(len(p.Data)),
		Data:     p.Data,
	}
	if len(p.KIDs) > 0 {
		box.SetVersion(1)
		box.KIDCount = uint32(len(p.KIDs))
		for _, kid := range p.KIDs {
			box.KIDs = append(box.KIDs, gomp4.PsshKID{KID: kid})
		}
	}
	return box
}

// Traf is the track fragment of one track inside a movie fragment.
type Traf struct {
	TrackID             uint32
	BaseMediaDecodeTime uint64
	Entries             []RunEntry

	// DataOffset locates the first sample relative to the start of the moof.
	DataOffset int32

	// Encryption, when set, adds saiz, saio and senc boxes.
	Encryption *SampleEncryption
	// AuxOffset locates the senc entries relative to the start of the moof.
	AuxOffset uint64

	// SampleGroups are seig descriptions valid for this fragment only.
	SampleGroups []SeigEntry
}

// PayloadSize returns the sum of the sample sizes of the run.
func (t *Traf) PayloadSize() uint64 {
	var n uint64
	for _, e := range t.Entries {
		n += uint64(e.Size)
	}
	return n
}

// Reset clears the per-fragment state, keeping the track id.
func (t *Traf) Reset() {
	t.Entries = t.Entries[:0]
	t.DataOffset = 0
	t.Encryption = nil
	t.AuxOffset = 0
	t.SampleGroups = nil
}

func (t *Traf) encrypted() bool {
	return t.Encryption != nil && len(t.Encryption.Entries) > 0
}

func (t *Traf) trun() *gomp4.Trun {
	flags := trunFlagDataOffsetPresent |
		trunFlagSampleDurationPresent |
		trunFlagSampleSizePresent

	for _, e := range t.Entries {
		if !e.IsSync() {
			flags |= trunFlagSampleFlagsPresent
		}
		if e.CompositionOffset != 0 {
			flags |= trunFlagSampleCompositionTimeOffsetPresentOrV1
		}
	}

	trun := &gomp4.Trun{
		FullBox: gomp4.FullBox{
			Version: 1,
			Flags:   [3]byte{0, byte(flags >> 8), byte(flags)},
		},
		SampleCount: uint32(len(t.Entries)),
		DataOffset:  t.DataOffset,
		Entries:     make([]gomp4.TrunEntry, 0, len(t.Entries)),
	}
	for _, e := range t.Entries {
		trun.Entries = append(trun.Entries, gomp4.TrunEntry{
			SampleDuration:                e.Duration,
			SampleSize:                    e.Size,
			SampleFlags:                   e.Flags,
			SampleCompositionTimeOffsetV1: e.CompositionOffset,
		})
	}
	return trun
}

func (t *Traf) saio() (*gomp4.Saio, error) {
	if t.AuxOffset > math.MaxUint32 {
		return nil, fmt.Errorf("aux offset %d exceeds 32 bits", t.AuxOffset)
	}
	return &gomp4.Saio{
		EntryCount: 1,
		OffsetV0:   []uint32{uint32(t.AuxOffset)},
	}, nil
}

// Moof is a movie fragment header: an owned tree of track fragments
// indexed by stream position.
type Moof struct {
	SequenceNumber uint32
	Trafs          []*Traf
	// PSSH boxes are written after the track fragments.
	PSSH []PSSH
}

type trafLayout struct {
	trunOffset uint64
	trunSize   uint64

	saioOffset uint64
	saioSize   uint64

	// sencData is the position of the first senc entry, 0 when absent.
	sencData uint64
}

// EncodedMoof is a serialized moof whose run data offsets and auxiliary
// data offsets are filled in after every box size is known.
type EncodedMoof struct {
	moof   *Moof
	buf    seekablebuffer.Buffer
	bw     *boxWriter
	size   uint64
	layout []trafLayout
}

// Encode lays the moof out. Box sizes are final once Encode returns;
// offsets are then resolved with SetDataOffset and SetAuxOffset, which
// re-encode the affected boxes in place.
func (m *Moof) Encode() (*EncodedMoof, error) {
	/*
		|moof|
		|    |mfhd|
		|    |traf|
		|    |    |tfhd|
		|    |    |tfdt|
		|    |    |trun|
		|    |    |sbgp| (seig)
		|    |    |sgpd| (seig)
		|    |    |saiz|
		|    |    |saio|
		|    |    |senc|
		|    |....|
		|    |pssh|
	*/
	e := &EncodedMoof{
		moof:   m,
		layout: make([]trafLayout, len(m.Trafs)),
	}
	e.bw = newBoxWriter(&e.buf)

	if _, err := e.bw.writeBoxStart(&gomp4.Moof{}); err != nil {
		return nil, err
	}

	if _, _, err := e.bw.writeBox(&gomp4.Mfhd{SequenceNumber: m.SequenceNumber}); err != nil {
		return nil, err
	}

	for i, traf := range m.Trafs {
		if err := e.encodeTraf(i, traf); err != nil {
			return nil, fmt.Errorf("track %d: %w", traf.TrackID, err)
		}
	}

	for _, p := range m.PSSH {
		if _, _, err := e.bw.writeBox(p.Box()); err != nil {
			return nil, err
		}
	}

	size, err := e.bw.writeBoxEnd()
	if err != nil {
		return nil, err
	}
	e.size = size

	return e, nil
}

func (e *EncodedMoof) encodeTraf(i int, traf *Traf) error {
	bw := e.bw
	l := &e.layout[i]

	if _, err := bw.writeBoxStart(&gomp4.Traf{}); err != nil {
		return err
	}

	tfhd := &gomp4.Tfhd{TrackID: traf.TrackID}
	tfhd.SetFlags(gomp4.TfhdDefaultBaseIsMoof)
	if _, _, err := bw.writeBox(tfhd); err != nil {
		return err
	}

	tfdt := &gomp4.Tfdt{BaseMediaDecodeTimeV1: traf.BaseMediaDecodeTime}
	tfdt.SetVersion(1)
	if _, _, err := bw.writeBox(tfdt); err != nil {
		return err
	}

	off, size, err := bw.writeBox(traf.trun())
	if err != nil {
		return err
	}
	l.trunOffset, l.trunSize = off, size

	if len(traf.SampleGroups) > 0 {
		if _, _, err := bw.writeBox(seigSbgp(uint32(len(traf.Entries)))); err != nil {
			return err
		}
		for j := range traf.SampleGroups {
			if _, _, err := bw.writeBox(traf.SampleGroups[j].sgpd()); err != nil {
				return err
			}
		}
	}

	if traf.encrypted() {
		if _, _, err := bw.writeBox(traf.Encryption.saiz()); err != nil {
			return err
		}

		saio, err := traf.saio()
		if err != nil {
			return err
		}
		off, size, err := bw.writeBox(saio)
		if err != nil {
			return err
		}
		l.saioOffset, l.saioSize = off, size

		off, _, err = bw.writeBox(traf.Encryption.box())
		if err != nil {
			return err
		}
		l.sencData = off + boxHeaderSize + sencPayloadPrefix
	}

	_, err = bw.writeBoxEnd()
	return err
}

// Size returns the serialized moof size.
func (e *EncodedMoof) Size() uint64 {
	return e.size
}

// SencDataOffset returns the position, relative to the moof start, of the
// first senc entry of track fragment i.
func (e *EncodedMoof) SencDataOffset(i int) (uint64, bool) {
	if i < 0 || i >= len(e.layout) || e.layout[i].sencData == 0 {
		return 0, false
	}
	return e.layout[i].sencData, true
}

// SetDataOffset fills the trun data offset of track fragment i.
func (e *EncodedMoof) SetDataOffset(i int, offset int32) error {
	if i < 0 || i >= len(e.layout) {
		return fmt.Errorf("track fragment %d out of range", i)
	}
	traf := e.moof.Trafs[i]
	traf.DataOffset = offset
	l := e.layout[i]
	return e.bw.rewriteBox(l.trunOffset, l.trunSize, traf.trun())
}

// SetAuxOffset fills the saio offset of track fragment i.
func (e *EncodedMoof) SetAuxOffset(i int, offset uint64) error {
	if i < 0 || i >= len(e.layout) || e.layout[i].saioSize == 0 {
		return fmt.Errorf("track fragment %d has no auxiliary information", i)
	}
	traf := e.moof.Trafs[i]
	traf.AuxOffset = offset
	saio, err := traf.saio()
	if err != nil {
		return err
	}
	l := e.layout[i]
	return e.bw.rewriteBox(l.saioOffset, l.saioSize, saio)
}

// Bytes returns the serialized moof.
func (e *EncodedMoof) Bytes() []byte {
	return e.buf.Bytes()
}
