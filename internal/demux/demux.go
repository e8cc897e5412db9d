// Package demux reads input containers into timed samples for the
// segmenter.
package demux

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"

	"github.com/jmylchreest/fragmentr/internal/segmenter"
)

// tsPacketSize is the MPEG-TS packet length.
const tsPacketSize = 188

var (
	// ErrUnknownFormat is returned when the input container is not recognized.
	ErrUnknownFormat = errors.New("unknown input format")
	// ErrNoTracks is returned when the input has no supported track.
	ErrNoTracks = errors.New("no supported tracks")
)

// Format is an input container format.
type Format string

// Input formats.
const (
	FormatAuto   Format = "auto"
	FormatFMP4   Format = "fmp4"
	FormatMPEGTS Format = "mpegts"
)

// Handler receives samples in decode order across all tracks. track is the
// index into Streams.
type Handler func(track int, sample *segmenter.Sample) error

// Demuxer is an opened input.
type Demuxer interface {
	// Streams describes the tracks, in track index order.
	Streams() []segmenter.Stream
	// Run delivers every sample to h until the input ends.
	Run(ctx context.Context, h Handler) error
}

// Config configures Open.
type Config struct {
	Format Format
	// Name is used for format detection by extension, may be empty.
	Name   string
	Logger *slog.Logger
}

// Open detects the input format when needed and reads the track headers.
func Open(r io.Reader, cfg Config) (Demuxer, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	br := bufio.NewReaderSize(r, 64*1024)
	format := cfg.Format
	if format == "" || format == FormatAuto {
		head, _ := br.Peek(2*tsPacketSize + 1)
		format = DetectFormat(cfg.Name, head)
	}

	switch format {
	case FormatFMP4:
		return NewFMP4(br, cfg.Logger)
	case FormatMPEGTS:
		return NewMPEGTS(br, cfg.Logger)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, cfg.Name)
	}
}

// DetectFormat guesses the container from the first bytes, falling back to
// the file extension.
func DetectFormat(name string, head []byte) Format {
	if len(head) > tsPacketSize && head[0] == 0x47 && head[tsPacketSize] == 0x47 {
		return FormatMPEGTS
	}
	if len(head) >= 8 {
		switch string(head[4:8]) {
		case "ftyp", "styp", "moov", "moof", "sidx":
			return FormatFMP4
		}
	}

	switch strings.ToLower(filepath.Ext(name)) {
	case ".ts", ".m2ts", ".mts":
		return FormatMPEGTS
	case ".mp4", ".m4s", ".m4v", ".m4a", ".cmfv", ".cmfa":
		return FormatFMP4
	}
	return ""
}

// mediaType classifies a codec.
func mediaType(c mp4.Codec) segmenter.MediaType {
	switch {
	case c == nil:
		return segmenter.MediaTypeUnknown
	case c.IsVideo():
		return segmenter.MediaTypeVideo
	default:
		return segmenter.MediaTypeAudio
	}
}

// describe fills the codec-derived fields of a stream.
func describe(st *segmenter.Stream) {
	st.Type = mediaType(st.Codec)
	switch c := st.Codec.(type) {
	case *mp4.CodecH264:
		var sps h264.SPS
		if err := sps.Unmarshal(c.SPS); err == nil {
			st.Width = sps.Width()
			st.Height = sps.Height()
		}
	case *mp4.CodecMPEG4Audio:
		st.ChannelCount = c.Config.ChannelCount
	case *mp4.CodecOpus:
		st.ChannelCount = c.ChannelCount
	case *mp4.CodecAC3:
		st.ChannelCount = c.ChannelCount
	}
}

type timedSample struct {
	dts    int64
	scale  uint32
	sample *segmenter.Sample
}

// interleaver merges per-track queues into decode order.
type interleaver struct {
	queues [][]timedSample
}

func newInterleaver(tracks int) *interleaver {
	return &interleaver{queues: make([][]timedSample, tracks)}
}

func (q *interleaver) push(track int, ts timedSample) {
	q.queues[track] = append(q.queues[track], ts)
}

// drain emits samples in decode order. Unless all is set it stops as soon
// as a track has nothing queued, since that track may still deliver an
// earlier sample.
func (q *interleaver) drain(h Handler, all bool) error {
	for {
		best := -1
		for i, queue := range q.queues {
			if len(queue) == 0 {
				if !all {
					return nil
				}
				continue
			}
			if best < 0 || before(queue[0], q.queues[best][0]) {
				best = i
			}
		}
		if best < 0 {
			return nil
		}

		ts := q.queues[best][0]
		q.queues[best] = q.queues[best][1:]
		if err := h(best, ts.sample); err != nil {
			return err
		}
	}
}

// before compares decode times across timescales.
func before(a, b timedSample) bool {
	return a.dts*int64(b.scale) < b.dts*int64(a.scale)
}

// readBox reads one top-level box. Large sizes are supported; a size of 0
// (box extends to the end) is not.
func readBox(r io.Reader) (string, []byte, error) {
	var hdr [16]byte
	if _, err := io.ReadFull(r, hdr[:8]); err != nil {
		return "", nil, err
	}
	size := uint64(hdr[0])<<24 | uint64(hdr[1])<<16 | uint64(hdr[2])<<8 | uint64(hdr[3])
	typ := string(hdr[4:8])
	hlen := 8

	if size == 1 {
		if _, err := io.ReadFull(r, hdr[8:16]); err != nil {
			return "", nil, unexpected(err)
		}
		size = 0
		for _, b := range hdr[8:16] {
			size = size<<8 | uint64(b)
		}
		hlen = 16
	}
	if size < uint64(hlen) {
		return "", nil, fmt.Errorf("box %q has invalid size %d", typ, size)
	}

	var buf bytes.Buffer
	buf.Grow(int(size))
	buf.Write(hdr[:hlen])
	if _, err := io.CopyN(&buf, r, int64(size)-int64(hlen)); err != nil {
		return "", nil, fmt.Errorf("reading box %q: %w", typ, unexpected(err))
	}
	return typ, buf.Bytes(), nil
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
