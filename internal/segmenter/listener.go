package segmenter

// MediaInfo is reported once the init segment has been written.
type MediaInfo struct {
	// TimeScale is the reference timescale used by segment events.
	TimeScale uint32
	Streams   []Stream
	// InitName is the init segment for multi-file output or the media file
	// for single-file output.
	InitName string
	// Encryption is the default protection of the init segment, nil when
	// the content is clear.
	Encryption *EncryptionConfig
}

// SegmentEvent describes one flushed segment.
type SegmentEvent struct {
	// Number is 1-based.
	Number uint32
	Name   string
	// Start and Duration are in the reference timescale.
	Start    uint64
	Duration uint64
	// Offset is the position of the segment in Name. For single-file output
	// it is relative to the end of the file header, see MediaEndInfo.
	Offset uint64
	Size   uint64

	IsEncrypted bool
	// KeyChanged is set on the first encrypted segment after a key change.
	KeyChanged bool
	// Encryption is the key in effect, nil for clear segments.
	Encryption *EncryptionConfig
}

// ByteRange locates a region of a file.
type ByteRange struct {
	Offset uint64
	Size   uint64
}

// MediaEndInfo is reported by Finalize.
type MediaEndInfo struct {
	// Duration in seconds.
	Duration float64

	// Single-file output only. HeaderSize is the number of bytes that
	// precede the first segment.
	HeaderSize uint64
	InitRange  *ByteRange
	IndexRange *ByteRange
}

// MuxerListener observes the segments produced by a Segmenter.
type MuxerListener interface {
	OnMediaStart(info MediaInfo) error
	OnNewSegment(seg SegmentEvent) error
	OnMediaEnd(info MediaEndInfo) error
}

// MultiListener fans events out to several listeners in order.
type MultiListener []MuxerListener

var _ MuxerListener = MultiListener{}

// OnMediaStart implements MuxerListener.
func (m MultiListener) OnMediaStart(info MediaInfo) error {
	for _, l := range m {
		if err := l.OnMediaStart(info); err != nil {
			return err
		}
	}
	return nil
}

// OnNewSegment implements MuxerListener.
func (m MultiListener) OnNewSegment(seg SegmentEvent) error {
	for _, l := range m {
		if err := l.OnNewSegment(seg); err != nil {
			return err
		}
	}
	return nil
}

// OnMediaEnd implements MuxerListener.
func (m MultiListener) OnMediaEnd(info MediaEndInfo) error {
	for _, l := range m {
		if err := l.OnMediaEnd(info); err != nil {
			return err
		}
	}
	return nil
}
