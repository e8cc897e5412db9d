package segmenter

import (
	"fmt"
	"io"
	"os"
)

// LayoutKind selects how fragments are arranged into files.
type LayoutKind int

const (
	// LayoutMultiFile writes an init segment plus one file per segment, each
	// starting with styp and sidx.
	LayoutMultiFile LayoutKind = iota
	// LayoutSingleFile writes one file: init, a sidx over every segment, then
	// all fragments.
	LayoutSingleFile
)

// String returns the layout name.
func (k LayoutKind) String() string {
	switch k {
	case LayoutMultiFile:
		return "multi"
	case LayoutSingleFile:
		return "single"
	default:
		return fmt.Sprintf("layout(%d)", int(k))
	}
}

// Layout configures the output files of a Segmenter.
type Layout struct {
	Kind LayoutKind

	// Multi-file output.
	InitName    string
	SegmentName func(number uint32) string

	// Single-file output.
	FileName string
}

func (l *Layout) validate() error {
	switch l.Kind {
	case LayoutMultiFile:
		if l.InitName == "" || l.SegmentName == nil {
			return fmt.Errorf("%w: multi-file layout needs init and segment names", ErrInvalidArgument)
		}
	case LayoutSingleFile:
		if l.FileName == "" {
			return fmt.Errorf("%w: single-file layout needs a file name", ErrInvalidArgument)
		}
	default:
		return fmt.Errorf("%w: unknown layout %s", ErrInvalidArgument, l.Kind)
	}
	return nil
}

// initName is the file that holds the init segment.
func (l *Layout) initName() string {
	if l.Kind == LayoutSingleFile {
		return l.FileName
	}
	return l.InitName
}

// Sink receives the files produced by a Segmenter. Every write is atomic:
// a file is either complete or absent.
type Sink interface {
	AtomicWrite(name string, data []byte) error
	AtomicWriteReader(name string, r io.Reader) error
	// CreateTemp returns a scratch file removed by the caller.
	CreateTemp(pattern string) (*os.File, error)
}
