// Package hls renders HLS media playlists for packaged fMP4 output.
package hls

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"golang.org/x/text/language"

	"github.com/jmylchreest/fragmentr/internal/version"
)

// playlistVersion is the EXT-X-VERSION written to every playlist.
const playlistVersion = 6

var (
	// ErrInvalidMediaInfo is returned by SetMediaInfo when the media info
	// lacks a timescale or an audio or video description.
	ErrInvalidMediaInfo = errors.New("invalid media info")
	// ErrUnknownPlaylistType is returned by ParsePlaylistType.
	ErrUnknownPlaylistType = errors.New("unknown playlist type")
)

// PlaylistType selects how the playlist may change over time.
type PlaylistType int

// Playlist types.
const (
	PlaylistTypeVOD PlaylistType = iota
	PlaylistTypeEvent
	PlaylistTypeLive
)

// ParsePlaylistType accepts vod, event or live, case-insensitively.
func ParsePlaylistType(s string) (PlaylistType, error) {
	switch strings.ToLower(s) {
	case "vod", "":
		return PlaylistTypeVOD, nil
	case "event":
		return PlaylistTypeEvent, nil
	case "live":
		return PlaylistTypeLive, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownPlaylistType, s)
	}
}

func (t PlaylistType) String() string {
	switch t {
	case PlaylistTypeEvent:
		return "EVENT"
	case PlaylistTypeLive:
		return "LIVE"
	default:
		return "VOD"
	}
}

// EncryptionMethod is the METHOD attribute of EXT-X-KEY.
type EncryptionMethod string

// Encryption methods.
const (
	MethodSampleAES     EncryptionMethod = "SAMPLE-AES"
	MethodSampleAESCENC EncryptionMethod = "SAMPLE-AES-CENC"
	MethodSampleAESCTR  EncryptionMethod = "SAMPLE-AES-CTR"
)

// VideoInfo describes the video rendition.
type VideoInfo struct {
	Width  uint32
	Height uint32
	// PixelWidth and PixelHeight form the pixel aspect ratio, 0 means square.
	PixelWidth  uint32
	PixelHeight uint32
}

// AudioInfo describes the audio rendition.
type AudioInfo struct {
	// Language is an ISO 639-2 or BCP-47 tag.
	Language    string
	NumChannels int
}

// ByteRange is an inclusive-start, length-based range in a media file.
type ByteRange struct {
	Offset uint64
	Size   uint64
}

// MediaInfo describes the rendition a playlist refers to.
type MediaInfo struct {
	// ReferenceTimeScale is the timescale of AddSegment times.
	ReferenceTimeScale uint32
	Video              *VideoInfo
	Audio              *AudioInfo
	// Bandwidth in bits per second, 0 to derive it from the segments.
	Bandwidth uint64

	// InitSegmentName is the init segment of multi-file output.
	InitSegmentName string
	// MediaFileName and InitRange locate the init segment of single-file
	// output.
	MediaFileName string
	InitRange     *ByteRange
}

type entryKind int

const (
	entrySegment entryKind = iota
	entryKey
	entryDiscontinuity
)

type entry struct {
	kind entryKind

	// segment
	uri      string
	start    float64
	duration float64
	offset   uint64
	size     uint64

	// key
	method    EncryptionMethod
	keyID     string
	iv        string
	keyFormat string
	versions  string
}

// MediaPlaylist is an HLS media playlist. It is not safe for concurrent
// use.
type MediaPlaylist struct {
	playlistType         PlaylistType
	timeShiftBufferDepth float64

	info      MediaInfo
	timeScale uint32

	entries []entry

	mediaSequence         uint64
	discontinuitySequence uint64
	insertedDiscontinuity bool

	longestDuration float64
	maxBitrate      uint64
	targetDuration  uint32
	targetSet       bool
}

// NewMediaPlaylist creates an empty playlist. timeShiftBufferDepth, in
// seconds, bounds the window of LIVE playlists; 0 keeps every segment.
func NewMediaPlaylist(t PlaylistType, timeShiftBufferDepth float64) *MediaPlaylist {
	return &MediaPlaylist{
		playlistType:         t,
		timeShiftBufferDepth: timeShiftBufferDepth,
	}
}

// Type returns the playlist type.
func (p *MediaPlaylist) Type() PlaylistType {
	return p.playlistType
}

// SetMediaInfo sets the rendition description. It may be called again to
// replace it.
func (p *MediaPlaylist) SetMediaInfo(info MediaInfo) error {
	if info.ReferenceTimeScale == 0 {
		return fmt.Errorf("%w: reference timescale is required", ErrInvalidMediaInfo)
	}
	if info.Video == nil && info.Audio == nil {
		return fmt.Errorf("%w: audio or video info is required", ErrInvalidMediaInfo)
	}
	p.info = info
	p.timeScale = info.ReferenceTimeScale
	return nil
}

// AddSegment appends a segment. start and duration are in the reference
// timescale; offset and size locate the segment within uri.
func (p *MediaPlaylist) AddSegment(uri string, start, duration, offset, size uint64) {
	if p.timeScale == 0 {
		return
	}
	seconds := float64(duration) / float64(p.timeScale)
	if seconds > p.longestDuration {
		p.longestDuration = seconds
	}
	if seconds > 0 {
		if bitrate := uint64(float64(size*8) / seconds); bitrate > p.maxBitrate {
			p.maxBitrate = bitrate
		}
	}

	p.entries = append(p.entries, entry{
		kind:     entrySegment,
		uri:      uri,
		start:    float64(start) / float64(p.timeScale),
		duration: seconds,
		offset:   offset,
		size:     size,
	})
	p.slideWindow()
}

// AddEncryptionInfo appends an EXT-X-KEY entry that applies to the segments
// added after it. keyID and iv are hex strings with a 0x prefix, empty
// values are omitted.
func (p *MediaPlaylist) AddEncryptionInfo(method EncryptionMethod, uri, keyID, iv, keyFormat, versions string) {
	if !p.insertedDiscontinuity {
		// Clear lead segments precede the first key.
		if len(p.entries) > 0 {
			p.entries = append(p.entries, entry{kind: entryDiscontinuity})
		}
		p.insertedDiscontinuity = true
	}
	p.entries = append(p.entries, entry{
		kind:      entryKey,
		method:    method,
		uri:       uri,
		keyID:     keyID,
		iv:        iv,
		keyFormat: keyFormat,
		versions:  versions,
	})
}

// SetTargetDuration overrides the computed EXT-X-TARGETDURATION.
func (p *MediaPlaylist) SetTargetDuration(seconds uint32) {
	p.targetDuration = seconds
	p.targetSet = true
}

// TargetDuration returns the EXT-X-TARGETDURATION value.
func (p *MediaPlaylist) TargetDuration() uint32 {
	if p.targetSet {
		return p.targetDuration
	}
	return uint32(math.Round(p.longestDuration))
}

// Bitrate returns the bandwidth from the media info, or the highest
// segment bitrate seen so far.
func (p *MediaPlaylist) Bitrate() uint64 {
	if p.info.Bandwidth > 0 {
		return p.info.Bandwidth
	}
	return p.maxBitrate
}

// LongestSegmentDuration returns the longest segment added, in seconds.
func (p *MediaPlaylist) LongestSegmentDuration() float64 {
	return p.longestDuration
}

// DisplayResolution applies the pixel aspect ratio to the coded width.
func (p *MediaPlaylist) DisplayResolution() (width, height uint32, ok bool) {
	v := p.info.Video
	if v == nil {
		return 0, 0, false
	}
	width = v.Width
	if v.PixelWidth > 0 && v.PixelHeight > 0 {
		width = uint32(uint64(v.Width) * uint64(v.PixelWidth) / uint64(v.PixelHeight))
	}
	return width, v.Height, true
}

// Language returns the audio language in its shortest BCP-47 form.
func (p *MediaPlaylist) Language() string {
	if p.info.Audio == nil {
		return ""
	}
	return normalizeLanguage(p.info.Audio.Language)
}

// NumChannels returns the audio channel count, 0 for video.
func (p *MediaPlaylist) NumChannels() int {
	if p.info.Audio == nil {
		return 0
	}
	return p.info.Audio.NumChannels
}

// normalizeLanguage maps ISO 639-2 codes to their two-letter form while
// keeping any region. Codes without a short form are returned as given.
func normalizeLanguage(code string) string {
	if code == "" || code == "und" {
		return ""
	}
	tag, err := language.Parse(code)
	if err != nil {
		return code
	}
	return tag.String()
}

// slideWindow drops segments from the front of a LIVE playlist while the
// remaining span still covers the time-shift buffer depth. The keys that
// apply to the first remaining segment are kept.
func (p *MediaPlaylist) slideWindow() {
	if p.playlistType != PlaylistTypeLive || p.timeShiftBufferDepth <= 0 {
		return
	}

	first, last := -1, -1
	for i, e := range p.entries {
		if e.kind != entrySegment {
			continue
		}
		if first < 0 {
			first = i
		}
		last = i
	}
	if first < 0 {
		return
	}

	depth := p.entries[last].start - p.entries[first].start
	if depth <= p.timeShiftBufferDepth {
		return
	}

	var keys []entry
	prevKey := false
	cut := 0
scan:
	for ; cut < len(p.entries); cut++ {
		e := p.entries[cut]
		switch e.kind {
		case entrySegment:
			if depth-e.duration < p.timeShiftBufferDepth {
				break scan
			}
			depth -= e.duration
			p.mediaSequence++
			prevKey = false
		case entryKey:
			if !prevKey {
				keys = keys[:0]
			}
			keys = append(keys, e)
			prevKey = true
		case entryDiscontinuity:
			p.discontinuitySequence++
		}
	}
	p.entries = append(keys, p.entries[cut:]...)
}

// WriteTo renders the playlist.
func (p *MediaPlaylist) WriteTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer
	p.render(&buf)
	return buf.WriteTo(w)
}

// Bytes renders the playlist into a new slice.
func (p *MediaPlaylist) Bytes() []byte {
	var buf bytes.Buffer
	p.render(&buf)
	return buf.Bytes()
}

func (p *MediaPlaylist) render(buf *bytes.Buffer) {
	buf.WriteString("#EXTM3U\n")
	fmt.Fprintf(buf, "#EXT-X-VERSION:%d\n", playlistVersion)
	fmt.Fprintf(buf, "## Generated with %s version %s\n", version.ApplicationName, version.Version)
	fmt.Fprintf(buf, "#EXT-X-TARGETDURATION:%d\n", p.TargetDuration())

	if p.mediaSequence > 0 {
		fmt.Fprintf(buf, "#EXT-X-MEDIA-SEQUENCE:%d\n", p.mediaSequence)
	}
	if p.discontinuitySequence > 0 {
		fmt.Fprintf(buf, "#EXT-X-DISCONTINUITY-SEQUENCE:%d\n", p.discontinuitySequence)
	}
	if p.playlistType != PlaylistTypeLive {
		fmt.Fprintf(buf, "#EXT-X-PLAYLIST-TYPE:%s\n", p.playlistType)
	}

	switch {
	case p.info.MediaFileName != "" && p.info.InitRange != nil:
		fmt.Fprintf(buf, "#EXT-X-MAP:URI=%q,BYTERANGE=\"%d@%d\"\n",
			p.info.MediaFileName, p.info.InitRange.Size, p.info.InitRange.Offset)
	case p.info.InitSegmentName != "":
		fmt.Fprintf(buf, "#EXT-X-MAP:URI=%q\n", p.info.InitSegmentName)
	}

	// next is the offset following the previous byte range of the same file.
	var (
		prevURI string
		next    uint64
		ranged  bool
	)
	for _, e := range p.entries {
		switch e.kind {
		case entryDiscontinuity:
			buf.WriteString("#EXT-X-DISCONTINUITY\n")
		case entryKey:
			writeKey(buf, e)
		case entrySegment:
			fmt.Fprintf(buf, "#EXTINF:%.3f,\n", e.duration)
			if p.singleFile() {
				if ranged && e.uri == prevURI && e.offset == next {
					fmt.Fprintf(buf, "#EXT-X-BYTERANGE:%d\n", e.size)
				} else {
					fmt.Fprintf(buf, "#EXT-X-BYTERANGE:%d@%d\n", e.size, e.offset)
				}
				prevURI, next, ranged = e.uri, e.offset+e.size, true
			}
			buf.WriteString(e.uri)
			buf.WriteByte('\n')
		}
	}

	if p.playlistType == PlaylistTypeVOD {
		buf.WriteString("#EXT-X-ENDLIST\n")
	}
}

func (p *MediaPlaylist) singleFile() bool {
	return p.info.MediaFileName != ""
}

func writeKey(buf *bytes.Buffer, e entry) {
	attrs := []string{
		"METHOD=" + string(e.method),
		"URI=" + strconv.Quote(e.uri),
	}
	if e.keyID != "" {
		attrs = append(attrs, "KEYID="+e.keyID)
	}
	if e.iv != "" {
		attrs = append(attrs, "IV="+e.iv)
	}
	if e.versions != "" {
		attrs = append(attrs, "KEYFORMATVERSIONS="+strconv.Quote(e.versions))
	}
	if e.keyFormat != "" {
		attrs = append(attrs, "KEYFORMAT="+strconv.Quote(e.keyFormat))
	}
	buf.WriteString("#EXT-X-KEY:")
	buf.WriteString(strings.Join(attrs, ","))
	buf.WriteByte('\n')
}
