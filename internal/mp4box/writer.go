// Package mp4box encodes the ISO-BMFF boxes that make up fragmented MP4
// output: movie fragments with their encryption auxiliary data, segment
// type and index boxes, and the initialization segment.
//
// Box serialization is delegated to github.com/abema/go-mp4; this package
// arranges the boxes and resolves the offsets that depend on final sizes.
package mp4box

import (
	"fmt"
	"io"

	gomp4 "github.com/abema/go-mp4"
)

// boxWriter writes nested boxes into a seekable destination, fixing up each
// box header once its payload and children are complete.
type boxWriter struct {
	w *gomp4.Writer
}

func newBoxWriter(w io.WriteSeeker) *boxWriter {
	return &boxWriter{w: gomp4.NewWriter(w)}
}

// writeBoxStart opens a box and marshals its payload. Children may follow.
func (bw *boxWriter) writeBoxStart(box gomp4.IImmutableBox) (uint64, error) {
	bi, err := bw.w.StartBox(&gomp4.BoxInfo{Type: box.GetType()})
	if err != nil {
		return 0, err
	}

	if _, err := gomp4.Marshal(bw.w, box, gomp4.Context{}); err != nil {
		return 0, fmt.Errorf("marshaling %s: %w", box.GetType(), err)
	}

	return bi.Offset, nil
}

// writeBoxEnd closes the innermost open box and returns its final size.
func (bw *boxWriter) writeBoxEnd() (uint64, error) {
	bi, err := bw.w.EndBox()
	if err != nil {
		return 0, err
	}
	return bi.Size, nil
}

// writeBox writes a leaf box and returns its offset and size.
func (bw *boxWriter) writeBox(box gomp4.IImmutableBox) (uint64, uint64, error) {
	off, err := bw.writeBoxStart(box)
	if err != nil {
		return 0, 0, err
	}

	size, err := bw.writeBoxEnd()
	if err != nil {
		return 0, 0, err
	}

	return off, size, nil
}

// rewriteBox re-encodes box at off. The new encoding must have exactly the
// size of the box it replaces.
func (bw *boxWriter) rewriteBox(off, size uint64, box gomp4.IImmutableBox) error {
	prev, err := bw.w.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}

	if _, err := bw.w.Seek(int64(off), io.SeekStart); err != nil {
		return err
	}

	_, newSize, err := bw.writeBox(box)
	if err != nil {
		return err
	}
	if newSize != size {
		return fmt.Errorf("%w: %s changed from %d to %d bytes", ErrSizeChanged, box.GetType(), size, newSize)
	}

	_, err = bw.w.Seek(prev, io.SeekStart)
	return err
}
