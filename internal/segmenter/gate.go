package segmenter

import "sync"

// Gate serializes access to a Segmenter so tracks can be produced from
// independent goroutines. Fragment assembly runs inside the gate and
// therefore observes a consistent snapshot of every track.
type Gate struct {
	mu  sync.Mutex
	seg *Segmenter
}

// NewGate wraps seg.
func NewGate(seg *Segmenter) *Gate {
	return &Gate{seg: seg}
}

// AddSample adds a sample to track i.
func (g *Gate) AddSample(i int, sample *Sample) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.seg.AddSample(i, sample)
}

// FinalizeSegment finalizes the fragment of track i.
func (g *Gate) FinalizeSegment(i int, info SegmentInfo) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.seg.FinalizeSegment(i, info)
}

// Finalize closes the session.
func (g *Gate) Finalize() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.seg.Finalize()
}

// Duration returns the movie duration in seconds.
func (g *Gate) Duration() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.seg.Duration()
}
