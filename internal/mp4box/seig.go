package mp4box

import (
	"errors"
	"fmt"

	gomp4 "github.com/abema/go-mp4"
)

// SeigGroupDescriptionIndex addresses the first sample group description
// stored in the same track fragment (ISO/IEC 14496-12 8.9.4).
const SeigGroupDescriptionIndex = 0x10001

var groupingTypeSeig = [4]byte{'s', 'e', 'i', 'g'}

// SeigEntry is a CENC sample encryption information group entry.
type SeigEntry struct {
	IsProtected     bool
	CryptByteBlock  uint8
	SkipByteBlock   uint8
	PerSampleIVSize uint8
	KID             [16]byte
	// ConstantIV is only written when PerSampleIVSize is zero.
	ConstantIV []byte
}

func (e *SeigEntry) hasConstantIV() bool {
	return e.IsProtected && e.PerSampleIVSize == 0
}

// Size returns the serialized size of the entry.
func (e *SeigEntry) Size() int {
	n := 20
	if e.hasConstantIV() {
		n += 1 + len(e.ConstantIV)
	}
	return n
}

// Marshal serializes the entry.
func (e *SeigEntry) Marshal() []byte {
	buf := make([]byte, 0, e.Size())
	buf = append(buf, 0, e.CryptByteBlock<<4|e.SkipByteBlock&0x0f)
	if e.IsProtected {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, e.PerSampleIVSize)
	buf = append(buf, e.KID[:]...)
	if e.hasConstantIV() {
		buf = append(buf, uint8(len(e.ConstantIV)))
		buf = append(buf, e.ConstantIV...)
	}
	return buf
}

var errShortSeig = errors.New("seig entry truncated")

// Unmarshal decodes one entry from buf.
func (e *SeigEntry) Unmarshal(buf []byte) error {
	if len(buf) < 20 {
		return errShortSeig
	}
	e.CryptByteBlock = buf[1] >> 4
	e.SkipByteBlock = buf[1] & 0x0f
	e.IsProtected = buf[2] == 1
	e.PerSampleIVSize = buf[3]
	copy(e.KID[:], buf[4:20])
	e.ConstantIV = nil

	if e.hasConstantIV() {
		if len(buf) < 21 || len(buf) < 21+int(buf[20]) {
			return errShortSeig
		}
		e.ConstantIV = append([]byte(nil), buf[21:21+int(buf[20])]...)
	}
	return nil
}

// sgpd builds a version 1 sample group description holding the entry.
func (e *SeigEntry) sgpd() *gomp4.Sgpd {
	sgpd := &gomp4.Sgpd{
		GroupingType:  groupingTypeSeig,
		DefaultLength: uint32(e.Size()),
		EntryCount:    1,
		Unsupported:   e.Marshal(),
	}
	sgpd.SetVersion(1)
	return sgpd
}

// sbgp maps sampleCount samples to the fragment-local seig description.
func seigSbgp(sampleCount uint32) *gomp4.Sbgp {
	return &gomp4.Sbgp{
		GroupingType: uint32(groupingTypeSeig[0])<<24 | uint32(groupingTypeSeig[1])<<16 |
			uint32(groupingTypeSeig[2])<<8 | uint32(groupingTypeSeig[3]),
		EntryCount: 1,
		Entries: []gomp4.SbgpEntry{{
			SampleCount:           sampleCount,
			GroupDescriptionIndex: SeigGroupDescriptionIndex,
		}},
	}
}

// ParseSeigGroup decodes the seig entry of a sample group description box.
func ParseSeigGroup(sgpd *gomp4.Sgpd) (*SeigEntry, error) {
	if sgpd.GroupingType != groupingTypeSeig {
		return nil, fmt.Errorf("unexpected grouping type %q", sgpd.GroupingType[:])
	}
	var e SeigEntry
	if err := e.Unmarshal(sgpd.Unsupported); err != nil {
		return nil, err
	}
	return &e, nil
}
