package segmenter

// ProgressListener receives the fraction of the input that has been
// packaged.
type ProgressListener interface {
	OnProgress(fraction float64)
}

// ProgressFunc adapts a function to ProgressListener.
type ProgressFunc func(fraction float64)

// OnProgress calls f.
func (f ProgressFunc) OnProgress(fraction float64) { f(fraction) }

// ProgressReporter maps consumed duration to a fraction of a target.
type ProgressReporter struct {
	listener    ProgressListener
	target      uint64
	accumulated uint64
}

// NewProgressReporter returns a reporter for target units of duration.
func NewProgressReporter(listener ProgressListener, target uint64) *ProgressReporter {
	return &ProgressReporter{listener: listener, target: target}
}

// Update adds consumed duration and reports the new fraction, capped at 1.
func (p *ProgressReporter) Update(consumed uint64) {
	p.accumulated += consumed

	if p.listener == nil || p.target == 0 {
		return
	}
	if p.accumulated >= p.target {
		p.listener.OnProgress(1.0)
		return
	}
	p.listener.OnProgress(float64(p.accumulated) / float64(p.target))
}

// SetComplete reports completion.
func (p *ProgressReporter) SetComplete() {
	if p.listener == nil {
		return
	}
	p.listener.OnProgress(1.0)
}
