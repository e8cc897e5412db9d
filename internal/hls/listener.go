package hls

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/jmylchreest/fragmentr/internal/observability"
	"github.com/jmylchreest/fragmentr/internal/segmenter"
)

// ErrNoPlaylist is returned by NewListener without a playlist.
var ErrNoPlaylist = errors.New("playlist is required")

// WriteFunc persists a rendered playlist.
type WriteFunc func(data []byte) error

// ListenerConfig configures a Listener.
type ListenerConfig struct {
	Playlist *MediaPlaylist
	// Write is called with the rendered playlist after each segment of an
	// EVENT or LIVE playlist and once when the media ends.
	Write WriteFunc
	// SingleFile is set for single-file output, where segment offsets are
	// only final once the file header is known.
	SingleFile bool
	// Bandwidth overrides the bitrate derived from segment sizes.
	Bandwidth uint64
	Logger    *slog.Logger
}

// Listener feeds segmenter events into a media playlist.
type Listener struct {
	cfg    ListenerConfig
	logger *slog.Logger

	info     MediaInfo
	keyAdded bool
	pending  []segmenter.SegmentEvent
	written  int
}

var _ segmenter.MuxerListener = (*Listener)(nil)

// NewListener creates a Listener.
func NewListener(cfg ListenerConfig) (*Listener, error) {
	if cfg.Playlist == nil {
		return nil, ErrNoPlaylist
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Listener{
		cfg:    cfg,
		logger: observability.WithComponent(cfg.Logger, "hls_listener"),
	}, nil
}

// Playlist returns the playlist being built.
func (l *Listener) Playlist() *MediaPlaylist {
	return l.cfg.Playlist
}

// OnMediaStart implements segmenter.MuxerListener.
func (l *Listener) OnMediaStart(info segmenter.MediaInfo) error {
	mi := MediaInfo{
		ReferenceTimeScale: info.TimeScale,
		Bandwidth:          l.cfg.Bandwidth,
	}
	if l.cfg.SingleFile {
		mi.MediaFileName = info.InitName
	} else {
		mi.InitSegmentName = info.InitName
	}

	for _, st := range info.Streams {
		switch st.Type {
		case segmenter.MediaTypeVideo:
			if mi.Video == nil {
				mi.Video = &VideoInfo{Width: uint32(st.Width), Height: uint32(st.Height)}
			}
		case segmenter.MediaTypeAudio:
			if mi.Audio == nil {
				mi.Audio = &AudioInfo{Language: st.Language, NumChannels: st.ChannelCount}
			}
		}
	}

	if err := l.cfg.Playlist.SetMediaInfo(mi); err != nil {
		return fmt.Errorf("setting playlist media info: %w", err)
	}
	l.info = mi

	l.logger.Debug("Playlist media info set",
		slog.String("type", l.cfg.Playlist.Type().String()),
		slog.String("init", info.InitName),
		slog.Bool("single_file", l.cfg.SingleFile))
	return nil
}

// OnNewSegment implements segmenter.MuxerListener.
func (l *Listener) OnNewSegment(seg segmenter.SegmentEvent) error {
	if l.cfg.SingleFile {
		l.pending = append(l.pending, seg)
		return nil
	}

	l.addSegment(seg, 0)
	if l.cfg.Playlist.Type() == PlaylistTypeVOD {
		return nil
	}
	return l.write()
}

// OnMediaEnd implements segmenter.MuxerListener.
func (l *Listener) OnMediaEnd(info segmenter.MediaEndInfo) error {
	if l.cfg.SingleFile {
		if info.InitRange != nil {
			l.info.InitRange = &ByteRange{Offset: info.InitRange.Offset, Size: info.InitRange.Size}
			if err := l.cfg.Playlist.SetMediaInfo(l.info); err != nil {
				return fmt.Errorf("setting playlist media info: %w", err)
			}
		}
		for _, seg := range l.pending {
			l.addSegment(seg, info.HeaderSize)
		}
		l.pending = nil
	}

	if err := l.write(); err != nil {
		return err
	}
	l.logger.Info("Playlist complete",
		slog.Float64("duration_seconds", info.Duration),
		slog.Any("target_duration", l.cfg.Playlist.TargetDuration()),
		slog.Uint64("bitrate", l.cfg.Playlist.Bitrate()))
	return nil
}

func (l *Listener) addSegment(seg segmenter.SegmentEvent, shift uint64) {
	if seg.IsEncrypted && seg.Encryption != nil && (seg.KeyChanged || !l.keyAdded) {
		l.addKey(seg.Encryption)
	}
	l.cfg.Playlist.AddSegment(seg.Name, seg.Start, seg.Duration, seg.Offset+shift, seg.Size)
}

func (l *Listener) addKey(enc *segmenter.EncryptionConfig) {
	method := EncryptionMethod(enc.Method)
	if method == "" {
		method = MethodSampleAESCTR
	}
	var iv string
	if len(enc.IV) > 0 {
		iv = "0x" + hex.EncodeToString(enc.IV)
	}
	l.cfg.Playlist.AddEncryptionInfo(method, enc.KeyURI,
		"0x"+hex.EncodeToString(enc.KeyID[:]), iv,
		enc.KeyFormat, formatVersions(enc.KeyFormatVersions))
	l.keyAdded = true

	l.logger.Debug("Playlist key added",
		slog.String("key_id", enc.KeyID.String()),
		slog.String("method", string(method)))
}

func (l *Listener) write() error {
	if l.cfg.Write == nil {
		return nil
	}
	if err := l.cfg.Write(l.cfg.Playlist.Bytes()); err != nil {
		return fmt.Errorf("writing playlist: %w", err)
	}
	l.written++
	l.logger.Log(context.Background(), observability.LevelTrace, "Playlist written", slog.Int("writes", l.written))
	return nil
}

// formatVersions renders KEYFORMATVERSIONS, e.g. 1/2/4.
func formatVersions(v []int) string {
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, "/")
}

// ParseVersions parses a KEYFORMATVERSIONS value such as 1/2/4.
func ParseVersions(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	var out []int
	for _, part := range strings.Split(s, "/") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid key format version %q", part)
		}
		out = append(out, n)
	}
	return out, nil
}
