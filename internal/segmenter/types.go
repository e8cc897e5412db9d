package segmenter

import (
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
	"github.com/google/uuid"

	"github.com/jmylchreest/fragmentr/internal/mp4box"
)

// MediaType is the kind of elementary stream carried by a track.
type MediaType int

// Media types.
const (
	MediaTypeUnknown MediaType = iota
	MediaTypeVideo
	MediaTypeAudio
	MediaTypeText
)

// String returns the lowercase media type name.
func (t MediaType) String() string {
	switch t {
	case MediaTypeVideo:
		return "video"
	case MediaTypeAudio:
		return "audio"
	case MediaTypeText:
		return "text"
	default:
		return "unknown"
	}
}

// Stream describes one input track. It is read-only to the segmenter.
type Stream struct {
	Type      MediaType
	TimeScale uint32
	// Duration is the expected total duration in TimeScale, 0 when unknown
	// (live input).
	Duration uint64
	// Codec is written to the track's sample entry in the init segment.
	Codec mp4.Codec
	// Language is an ISO 639-2/T code, empty when undetermined.
	Language string

	// Video only.
	Width  int
	Height int
	// Audio only.
	ChannelCount int
}

// Sample is one timed access unit.
type Sample struct {
	Data []byte
	// Duration in the stream timescale.
	Duration uint32
	// CompositionOffset is PTS minus DTS in the stream timescale.
	CompositionOffset int32
	IsKeyFrame        bool

	// IV is the per-sample initialization vector of an encrypted sample.
	IV []byte
	// Subsamples maps clear and protected ranges of an encrypted sample.
	Subsamples []mp4box.Subsample
}

// encrypted reports whether the sample carries auxiliary encryption data.
func (s *Sample) encrypted() bool {
	return len(s.IV) > 0 || len(s.Subsamples) > 0
}

// ProtectionSystem is the DRM init data of one protection system.
type ProtectionSystem struct {
	SystemID uuid.UUID
	KeyIDs   []uuid.UUID
	Data     []byte
}

// Common system id of the W3C common pssh format.
var CommonSystemID = uuid.MustParse("1077efec-c0b2-4d02-ace3-3c1e52e2fb4b")

// EncryptionConfig describes the active content key and how it is applied.
type EncryptionConfig struct {
	// Scheme is the protection scheme type, cenc or cbcs.
	Scheme [4]byte
	KeyID  uuid.UUID

	// PerSampleIVSize is 0 when ConstantIV is used.
	PerSampleIVSize uint8
	ConstantIV      []byte
	CryptByteBlock  uint8
	SkipByteBlock   uint8

	ProtectionSystems []ProtectionSystem

	// Key delivery attributes reported to playlist writers.
	Method            string
	KeyURI            string
	IV                []byte
	KeyFormat         string
	KeyFormatVersions []int
}

// SegmentInfo accompanies each FinalizeSegment call.
type SegmentInfo struct {
	// IsSubsegment keeps the fragment in the current segment instead of
	// closing it.
	IsSubsegment bool
	// IsEncrypted marks the fragment as carrying encrypted samples.
	IsEncrypted bool
	// KeyRotation is set at the start of a crypto period.
	KeyRotation *EncryptionConfig
}

// SegmentReference is one entry of the segment index.
type SegmentReference struct {
	// EarliestPresentationTime in the reference timescale.
	EarliestPresentationTime uint64
	// Duration in the reference timescale.
	Duration uint64
	// Size in bytes, covering moof, mdat header and payload.
	Size          uint64
	StartsWithSAP bool
	SAPType       uint8
}
