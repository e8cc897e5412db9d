package mp4box

import (
	"encoding/binary"
	"math"

	gomp4 "github.com/abema/go-mp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
)

// MdatHeaderSize is the size of a compact mdat header.
const MdatHeaderSize = boxHeaderSize

// SAPType1 is a closed-GOP stream access point.
const SAPType1 = 1

// Marshal encodes a single leaf box including its header.
func Marshal(box gomp4.IImmutableBox) ([]byte, error) {
	var buf seekablebuffer.Buffer
	if _, _, err := newBoxWriter(&buf).writeBox(box); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MdatHeader returns the header of an mdat box carrying payloadSize bytes.
func MdatHeader(payloadSize uint64) []byte {
	if payloadSize+MdatHeaderSize > math.MaxUint32 {
		hdr := make([]byte, 16)
		binary.BigEndian.PutUint32(hdr, 1)
		copy(hdr[4:], "mdat")
		binary.BigEndian.PutUint64(hdr[8:], payloadSize+16)
		return hdr
	}
	hdr := make([]byte, MdatHeaderSize)
	binary.BigEndian.PutUint32(hdr, uint32(payloadSize+MdatHeaderSize))
	copy(hdr[4:], "mdat")
	return hdr
}

// Styp returns the segment type box used for media segments.
func Styp() *gomp4.Styp {
	return &gomp4.Styp{
		MajorBrand:   [4]byte{'m', 's', 'd', 'h'},
		MinorVersion: 0,
		CompatibleBrands: []gomp4.CompatibleBrandElem{
			{CompatibleBrand: [4]byte{'m', 's', 'd', 'h'}},
			{CompatibleBrand: [4]byte{'m', 's', 'i', 'x'}},
		},
	}
}

// Ftyp returns the file type box used for initialization segments.
func Ftyp() *gomp4.Ftyp {
	return &gomp4.Ftyp{
		MajorBrand:   [4]byte{'i', 's', 'o', 'm'},
		MinorVersion: 0x200,
		CompatibleBrands: []gomp4.CompatibleBrandElem{
			{CompatibleBrand: [4]byte{'i', 's', 'o', 'm'}},
			{CompatibleBrand: [4]byte{'i', 's', 'o', '6'}},
			{CompatibleBrand: [4]byte{'m', 'p', '4', '1'}},
			{CompatibleBrand: [4]byte{'d', 'a', 's', 'h'}},
			{CompatibleBrand: [4]byte{'c', 'm', 'f', 'c'}},
		},
	}
}

// SidxReference is one entry of a segment index.
type SidxReference struct {
	ReferencedSize     uint32
	SubsegmentDuration uint32
	StartsWithSAP      bool
	SAPType            uint8
	SAPDeltaTime       uint32
}

// SegmentIndex describes the fragments of one or more segments.
type SegmentIndex struct {
	ReferenceID              uint32
	Timescale                uint32
	EarliestPresentationTime uint64
	// FirstOffset is the distance from the end of the sidx to the first
	// referenced byte.
	FirstOffset uint64
	References  []SidxReference
}

// Box returns the sidx box, using version 1 only when a 64-bit field is
// required.
func (s *SegmentIndex) Box() *gomp4.Sidx {
	sidx := &gomp4.Sidx{
		ReferenceID:    s.ReferenceID,
		Timescale:      s.Timescale,
		ReferenceCount: uint16(len(s.References)),
		References:     make([]gomp4.SidxReference, 0, len(s.References)),
	}

	if s.EarliestPresentationTime > math.MaxUint32 || s.FirstOffset > math.MaxUint32 {
		sidx.SetVersion(1)
		sidx.EarliestPresentationTimeV1 = s.EarliestPresentationTime
		sidx.FirstOffsetV1 = s.FirstOffset
	} else {
		sidx.EarliestPresentationTimeV0 = uint32(s.EarliestPresentationTime)
		sidx.FirstOffsetV0 = uint32(s.FirstOffset)
	}

	for _, ref := range s.References {
		sidx.References = append(sidx.References, gomp4.SidxReference{
			ReferencedSize:     ref.ReferencedSize & 0x7fffffff,
			SubsegmentDuration: ref.SubsegmentDuration,
			StartsWithSAP:      ref.StartsWithSAP,
			SAPType:            uint32(ref.SAPType),
			SAPDeltaTime:       ref.SAPDeltaTime & 0x0fffffff,
		})
	}
	return sidx
}
