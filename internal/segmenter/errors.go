package segmenter

import "errors"

var (
	// ErrInvalidArgument is returned for empty stream sets and out-of-range
	// track indexes.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrAlreadyFinalized is returned when a sample is added to a track whose
	// fragment has been sealed.
	ErrAlreadyFinalized = errors.New("fragment already finalized")

	// ErrNotInitialized is returned when the segmenter is used before
	// Initialize.
	ErrNotInitialized = errors.New("segmenter not initialized")
)
