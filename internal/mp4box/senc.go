package mp4box

import (
	"encoding/binary"
	"errors"
	"fmt"

	gomp4 "github.com/abema/go-mp4"
)

// SencUseSubsamples is the senc flag signalling per-sample subsample maps.
const SencUseSubsamples = 0x000002

// sencPayloadPrefix is the full-box header plus the sample count that precede
// the per-sample entries inside a senc payload.
const sencPayloadPrefix = 4 + 4

// BoxTypeSenc returns the sample encryption box type.
func BoxTypeSenc() gomp4.BoxType { return gomp4.StrToBoxType("senc") }

func init() {
	gomp4.AddBoxDef(&Senc{}, 0)
}

// Senc is the ISO/IEC 23001-7 sample encryption box. Entries are kept
// opaque because their layout depends on the per-sample IV size signalled
// elsewhere (tenc or seig).
type Senc struct {
	gomp4.FullBox `mp4:"0,extend"`
	SampleCount   uint32 `mp4:"1,size=32"`
	Data          []byte `mp4:"2,size=8"`
}

// GetType returns the BoxType.
func (*Senc) GetType() gomp4.BoxType {
	return BoxTypeSenc()
}

// Subsample is one clear/protected range pair of a subsample-encrypted sample.
type Subsample struct {
	ClearBytes     uint16
	ProtectedBytes uint32
}

// SencEntry is the auxiliary encryption information of one sample.
type SencEntry struct {
	IV         []byte
	Subsamples []Subsample
}

// size returns the serialized size of the entry.
func (e SencEntry) size(withSubsamples bool) int {
	n := len(e.IV)
	if withSubsamples {
		n += 2 + 6*len(e.Subsamples)
	}
	return n
}

// SampleEncryption holds the senc entries of one track fragment.
type SampleEncryption struct {
	Entries []SencEntry
}

// UsesSubsamples reports whether any entry carries a subsample map.
func (s *SampleEncryption) UsesSubsamples() bool {
	for _, e := range s.Entries {
		if len(e.Subsamples) > 0 {
			return true
		}
	}
	return false
}

// box builds the senc box.
func (s *SampleEncryption) box() *Senc {
	sub := s.UsesSubsamples()

	size := 0
	for _, e := range s.Entries {
		size += e.size(sub)
	}

	data := make([]byte, 0, size)
	for _, e := range s.Entries {
		data = append(data, e.IV...)
		if !sub {
			continue
		}
		data = binary.BigEndian.AppendUint16(data, uint16(len(e.Subsamples)))
		for _, ss := range e.Subsamples {
			data = binary.BigEndian.AppendUint16(data, ss.ClearBytes)
			data = binary.BigEndian.AppendUint32(data, ss.ProtectedBytes)
		}
	}

	senc := &Senc{
		SampleCount: uint32(len(s.Entries)),
		Data:        data,
	}
	if sub {
		senc.SetFlags(SencUseSubsamples)
	}
	return senc
}

// saiz builds the auxiliary information sizes box matching the senc entries.
func (s *SampleEncryption) saiz() *gomp4.Saiz {
	sub := s.UsesSubsamples()

	saiz := &gomp4.Saiz{SampleCount: uint32(len(s.Entries))}
	if len(s.Entries) == 0 {
		return saiz
	}

	sizes := make([]uint8, len(s.Entries))
	uniform := true
	for i, e := range s.Entries {
		sizes[i] = uint8(e.size(sub))
		if sizes[i] != sizes[0] {
			uniform = false
		}
	}

	if uniform && sizes[0] != 0 {
		saiz.DefaultSampleInfoSize = sizes[0]
	} else {
		saiz.SampleInfoSize = sizes
	}
	return saiz
}

var errShortSenc = errors.New("senc data truncated")

// ParseSencEntries decodes the per-sample entries of a senc box.
func ParseSencEntries(senc *Senc, ivSize int) ([]SencEntry, error) {
	sub := senc.GetFlags()&SencUseSubsamples != 0
	data := senc.Data
	entries := make([]SencEntry, 0, senc.SampleCount)

	for i := uint32(0); i < senc.SampleCount; i++ {
		if len(data) < ivSize {
			return nil, fmt.Errorf("sample %d: %w", i, errShortSenc)
		}
		e := SencEntry{IV: append([]byte(nil), data[:ivSize]...)}
		data = data[ivSize:]

		if sub {
			if len(data) < 2 {
				return nil, fmt.Errorf("sample %d: %w", i, errShortSenc)
			}
			count := int(binary.BigEndian.Uint16(data))
			data = data[2:]
			if len(data) < 6*count {
				return nil, fmt.Errorf("sample %d: %w", i, errShortSenc)
			}
			e.Subsamples = make([]Subsample, count)
			for j := range e.Subsamples {
				e.Subsamples[j] = Subsample{
					ClearBytes:     binary.BigEndian.Uint16(data),
					ProtectedBytes: binary.BigEndian.Uint32(data[2:]),
				}
				data = data[6:]
			}
		}
		entries = append(entries, e)
	}

	return entries, nil
}
