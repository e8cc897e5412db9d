package segmenter

import "github.com/jmylchreest/fragmentr/internal/mp4box"

// SegmentIndexBuilder accumulates one reference per fragment of the open
// segment.
type SegmentIndexBuilder struct {
	referenceID uint32
	timeScale   uint32
	refs        []SegmentReference
}

// Add appends a reference.
func (b *SegmentIndexBuilder) Add(ref SegmentReference) {
	b.refs = append(b.refs, ref)
}

// Len returns the number of accumulated references.
func (b *SegmentIndexBuilder) Len() int { return len(b.refs) }

// References returns a copy of the accumulated references.
func (b *SegmentIndexBuilder) References() []SegmentReference {
	return append([]SegmentReference(nil), b.refs...)
}

// Clear drops every reference.
func (b *SegmentIndexBuilder) Clear() {
	b.refs = b.refs[:0]
}

// Duration is the sum of the reference durations.
func (b *SegmentIndexBuilder) Duration() uint64 {
	var d uint64
	for _, r := range b.refs {
		d += r.Duration
	}
	return d
}

// Size is the sum of the referenced sizes.
func (b *SegmentIndexBuilder) Size() uint64 {
	var n uint64
	for _, r := range b.refs {
		n += r.Size
	}
	return n
}

// EarliestPresentationTime of the first reference.
func (b *SegmentIndexBuilder) EarliestPresentationTime() uint64 {
	if len(b.refs) == 0 {
		return 0
	}
	return b.refs[0].EarliestPresentationTime
}

// Combined folds the accumulated references into a single reference that
// spans the whole segment.
func (b *SegmentIndexBuilder) Combined() SegmentReference {
	if len(b.refs) == 0 {
		return SegmentReference{}
	}
	first := b.refs[0]
	return SegmentReference{
		EarliestPresentationTime: first.EarliestPresentationTime,
		Duration:                 b.Duration(),
		Size:                     b.Size(),
		StartsWithSAP:            first.StartsWithSAP,
		SAPType:                  first.SAPType,
	}
}

// Index builds a sidx over refs.
func (b *SegmentIndexBuilder) Index(refs []SegmentReference) *mp4box.SegmentIndex {
	idx := &mp4box.SegmentIndex{
		ReferenceID: b.referenceID,
		Timescale:   b.timeScale,
	}
	if len(refs) > 0 {
		idx.EarliestPresentationTime = refs[0].EarliestPresentationTime
	}
	for _, r := range refs {
		idx.References = append(idx.References, mp4box.SidxReference{
			ReferencedSize:     uint32(r.Size),
			SubsegmentDuration: uint32(r.Duration),
			StartsWithSAP:      r.StartsWithSAP,
			SAPType:            r.SAPType,
		})
	}
	return idx
}
