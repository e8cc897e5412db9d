// Package packager wires an input, the chunker and the segmenter into one
// packaging run that writes fMP4 segments and an HLS media playlist.
package packager

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"

	"github.com/jmylchreest/fragmentr/internal/cenc"
	"github.com/jmylchreest/fragmentr/internal/chunker"
	"github.com/jmylchreest/fragmentr/internal/config"
	"github.com/jmylchreest/fragmentr/internal/demux"
	"github.com/jmylchreest/fragmentr/internal/hls"
	"github.com/jmylchreest/fragmentr/internal/httpclient"
	"github.com/jmylchreest/fragmentr/internal/observability"
	"github.com/jmylchreest/fragmentr/internal/segmenter"
	"github.com/jmylchreest/fragmentr/internal/source"
	"github.com/jmylchreest/fragmentr/internal/storage"
)

// ErrNoConfig is returned by Run without a configuration.
var ErrNoConfig = errors.New("configuration is required")

// Options configures a packaging run.
type Options struct {
	// Input is a file path, file URL or http(s) URL.
	Input  string
	Config *config.Config

	// Progress is notified as the reference track is consumed, optional.
	Progress segmenter.ProgressListener
	Logger   *slog.Logger
}

// Result summarizes a completed run.
type Result struct {
	SessionID string `yaml:"session_id"`
	// Duration of the packaged media in seconds.
	Duration  float64 `yaml:"duration_seconds"`
	Segments  int     `yaml:"segments"`
	// Bytes is the on-disk size of Files.
	Bytes     uint64  `yaml:"bytes"`
	Encrypted bool    `yaml:"encrypted"`
	// Files lists the written files relative to the output directory.
	Files    []string `yaml:"files"`
	Playlist string   `yaml:"playlist,omitempty"`
}

// Run packages opts.Input into the configured output directory.
func Run(ctx context.Context, opts Options) (res *Result, err error) {
	if opts.Config == nil {
		return nil, ErrNoConfig
	}
	cfg := opts.Config
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	sessionID := observability.NewSessionID()
	logger := observability.WithSession(observability.WithComponent(opts.Logger, "packager"), sessionID)
	ctx = observability.ContextWithLogger(ctx, logger)
	done := observability.TimedOperationWithError(ctx, logger, "package", &err)
	defer done()

	sandbox, err := storage.NewSandbox(cfg.Storage.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("preparing output directory: %w", err)
	}
	if existing, err := sandbox.List("."); err == nil && len(existing) > 0 {
		logger.Warn("Output directory is not empty",
			slog.String("output_dir", sandbox.BaseDir()),
			slog.Int("files", len(existing)))
	}

	// Outputs of a failed run are removed.
	var partial *Result
	defer func() {
		if err != nil && partial != nil {
			removeOutputs(sandbox, partial, logger)
		}
	}()

	in, err := source.Open(ctx, opts.Input, source.Config{
		HTTP: httpclient.New(httpclient.Config{
			Timeout:       cfg.Input.HTTPTimeout,
			RetryAttempts: cfg.Input.RetryAttempts,
			Logger:        logger,
		}),
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	defer in.Close()

	dmx, err := demux.Open(in, demux.Config{
		Format: demux.Format(cfg.Input.Format),
		Name:   in.Name,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", in.Name, err)
	}
	streams := dmx.Streams()

	enc, err := encryption(cfg.Encryption)
	if err != nil {
		return nil, err
	}
	ch, err := chunker.New(chunker.Config{
		SegmentDuration:    cfg.Packaging.SegmentDuration,
		SubsegmentDuration: cfg.Packaging.SubsegmentDuration,
		Encryption:         enc,
		Logger:             logger,
	})
	if err != nil {
		return nil, err
	}

	layout := Layout(cfg.Packaging)
	res = &Result{SessionID: sessionID, Encrypted: enc != nil}
	partial = res
	listeners := segmenter.MultiListener{&summary{res: res}}

	if cfg.HLS.Enabled {
		l, err := playlistListener(cfg.HLS, layout, sandbox, logger)
		if err != nil {
			return nil, err
		}
		listeners = append(listeners, l)
		res.Playlist = cfg.HLS.PlaylistName
	}

	progress := opts.Progress
	if progress == nil {
		progress = newProgressLogger(logger)
	}

	seg, err := segmenter.New(segmenter.Options{
		Layout:           layout,
		Sink:             sandbox,
		MuxerListener:    listeners,
		ProgressListener: progress,
		Encryption:       ch.EncryptionConfig(),
		Logger:           logger,
	})
	if err != nil {
		return nil, err
	}
	if err := seg.Initialize(streams); err != nil {
		return nil, fmt.Errorf("initializing segmenter: %w", err)
	}
	if err := ch.Start(seg, streams); err != nil {
		return nil, fmt.Errorf("starting chunker: %w", err)
	}

	logger.Info("Packaging started",
		slog.String("input", in.Name),
		slog.Int("tracks", len(streams)),
		slog.String("layout", layout.Kind.String()),
		slog.Bool("encrypted", enc != nil),
		slog.String("output_dir", sandbox.BaseDir()))

	if err := dmx.Run(ctx, ch.AddSample); err != nil {
		return nil, fmt.Errorf("reading input: %w", err)
	}
	if err := ch.Flush(); err != nil {
		return nil, fmt.Errorf("flushing last segment: %w", err)
	}
	if err := seg.Finalize(); err != nil {
		return nil, fmt.Errorf("finalizing output: %w", err)
	}

	res.Duration = seg.Duration()
	if res.Playlist != "" {
		res.Files = append(res.Files, res.Playlist)
	}
	for _, f := range res.Files {
		n, err := sandbox.Size(f)
		if err != nil {
			return nil, err
		}
		res.Bytes += uint64(n)
	}

	logger.Info("Packaging finished",
		slog.Int("segments", res.Segments),
		slog.Uint64("bytes", res.Bytes),
		slog.Float64("duration_seconds", res.Duration))
	return res, nil
}

// Layout maps the packaging configuration to a segmenter layout.
func Layout(p config.PackagingConfig) segmenter.Layout {
	if p.Layout == config.LayoutSingleFile {
		return segmenter.Layout{Kind: segmenter.LayoutSingleFile, FileName: p.SingleFileName}
	}
	return segmenter.Layout{
		Kind:        segmenter.LayoutMultiFile,
		InitName:    p.InitSegment,
		SegmentName: p.SegmentName,
	}
}

// encryption resolves keys and protection systems, nil when disabled.
func encryption(c config.EncryptionConfig) (*chunker.Encryption, error) {
	if !c.Enabled {
		return nil, nil
	}

	keys := make([]cenc.Key, 0, len(c.Keys))
	for i, k := range c.Keys {
		key, err := cenc.ParseKey(k.KeyID, k.Key)
		if err != nil {
			return nil, fmt.Errorf("encryption.keys[%d]: %w", i, err)
		}
		keys = append(keys, key)
	}
	rotation, err := cenc.NewRoundRobin(keys)
	if err != nil {
		return nil, err
	}

	systems, err := cenc.ParseSystemIDs(c.ProtectionSystems)
	if err != nil {
		return nil, fmt.Errorf("encryption.protection_systems: %w", err)
	}
	versions, err := hls.ParseVersions(c.KeyFormatVersions)
	if err != nil {
		return nil, fmt.Errorf("encryption.key_format_versions: %w", err)
	}

	return &chunker.Encryption{
		Keys:              rotation,
		IVSize:            c.IVSize,
		ClearLead:         c.ClearLead,
		CryptoPeriod:      c.CryptoPeriod,
		Systems:           systems,
		KeyURI:            c.KeyURI,
		KeyFormat:         c.KeyFormat,
		KeyFormatVersions: versions,
	}, nil
}

func playlistListener(c config.HLSConfig, layout segmenter.Layout, sandbox *storage.Sandbox, logger *slog.Logger) (*hls.Listener, error) {
	typ, err := hls.ParsePlaylistType(c.PlaylistType)
	if err != nil {
		return nil, err
	}
	playlist := hls.NewMediaPlaylist(typ, c.TimeShiftBufferDepth.Seconds())
	if c.TargetDuration > 0 {
		playlist.SetTargetDuration(uint32(c.TargetDuration))
	}

	name := c.PlaylistName
	return hls.NewListener(hls.ListenerConfig{
		Playlist: playlist,
		Write: func(data []byte) error {
			return sandbox.AtomicWrite(name, data)
		},
		SingleFile: layout.Kind == segmenter.LayoutSingleFile,
		Logger:     logger,
	})
}

func removeOutputs(sandbox *storage.Sandbox, res *Result, logger *slog.Logger) {
	names := res.Files
	if res.Playlist != "" {
		names = append(names, res.Playlist)
	}
	for _, name := range names {
		if err := sandbox.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("Removing partial output failed",
				slog.String("file", name),
				slog.String("error", err.Error()))
		}
	}
	if len(names) > 0 {
		logger.Info("Partial output removed", slog.Int("files", len(names)))
	}
}

// summary collects the Result fields from segmenter events.
type summary struct {
	res  *Result
	seen map[string]bool
}

func (s *summary) add(name string) {
	if s.seen == nil {
		s.seen = make(map[string]bool)
	}
	if name != "" && !s.seen[name] {
		s.seen[name] = true
		s.res.Files = append(s.res.Files, path.Clean(name))
	}
}

func (s *summary) OnMediaStart(info segmenter.MediaInfo) error {
	s.add(info.InitName)
	return nil
}

func (s *summary) OnNewSegment(seg segmenter.SegmentEvent) error {
	s.res.Segments++
	s.add(seg.Name)
	return nil
}

func (s *summary) OnMediaEnd(segmenter.MediaEndInfo) error {
	return nil
}

// progressLogger logs progress in steps of ten percent.
type progressLogger struct {
	logger *slog.Logger
	step   int
}

func newProgressLogger(logger *slog.Logger) *progressLogger {
	return &progressLogger{logger: logger}
}

func (p *progressLogger) OnProgress(fraction float64) {
	step := int(fraction * 10)
	if step <= p.step {
		return
	}
	p.step = step
	p.logger.Info("Packaging progress", slog.Int("percent", step*10))
}
