// Package source opens packaging inputs from local files or HTTP URLs and
// removes any gzip, bzip2 or xz compression.
package source

import (
	"bufio"
	"compress/bzip2"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/ulikunitz/xz"

	"github.com/jmylchreest/fragmentr/internal/httpclient"
	"github.com/jmylchreest/fragmentr/internal/observability"
)

// ErrEmptyLocation is returned by Open without a location.
var ErrEmptyLocation = errors.New("input location is empty")

// Compression identifies a compressed input.
type Compression string

// Compressions.
const (
	CompressionNone  Compression = ""
	CompressionGzip  Compression = "gzip"
	CompressionBzip2 Compression = "bzip2"
	CompressionXZ    Compression = "xz"
)

var compressedExt = map[string]Compression{
	".gz":  CompressionGzip,
	".bz2": CompressionBzip2,
	".xz":  CompressionXZ,
}

// Config configures Open.
type Config struct {
	// HTTP fetches http and https locations. A default client is used when
	// nil.
	HTTP   *httpclient.Client
	Logger *slog.Logger
}

// Input is an opened source.
type Input struct {
	io.Reader
	// Name is the base name of the location without any compression
	// extension, used for container detection.
	Name        string
	Compression Compression
	Remote      bool

	closers []io.Closer
}

// Close releases the decoder and the underlying file or response body.
func (in *Input) Close() error {
	var errs []error
	for i := len(in.closers) - 1; i >= 0; i-- {
		if err := in.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Open opens location, a file path, a file URL or an http(s) URL.
func Open(ctx context.Context, location string, cfg Config) (*Input, error) {
	if location == "" {
		return nil, ErrEmptyLocation
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := observability.WithComponent(cfg.Logger, "source")

	var (
		raw  io.ReadCloser
		name string
		in   = &Input{}
	)

	u, err := url.Parse(location)
	switch {
	case err == nil && (u.Scheme == "http" || u.Scheme == "https"):
		client := cfg.HTTP
		if client == nil {
			client = httpclient.New(httpclient.Config{Logger: cfg.Logger})
		}
		raw, err = client.Open(ctx, location)
		if err != nil {
			return nil, fmt.Errorf("fetching input: %w", err)
		}
		name = path.Base(u.Path)
		in.Remote = true
		logger.Info("Opened remote input", slog.String("url", httpclient.RedactURL(u)))

	default:
		p := location
		if err == nil && u.Scheme == "file" {
			p = u.Path
		}
		f, err := os.Open(p)
		if err != nil {
			return nil, fmt.Errorf("opening input: %w", err)
		}
		raw = f
		name = filepath.Base(p)
		logger.Info("Opened input file", slog.String("path", p))
	}
	in.closers = append(in.closers, raw)

	if err := in.decompress(raw); err != nil {
		in.Close()
		return nil, err
	}

	in.Name = name
	if c, ok := compressedExt[strings.ToLower(filepath.Ext(name))]; ok && c == in.Compression {
		in.Name = strings.TrimSuffix(name, filepath.Ext(name))
	}
	if in.Compression != CompressionNone {
		logger.Debug("Decompressing input", slog.String("compression", string(in.Compression)))
	}
	return in, nil
}

// decompress detects compression from magic bytes and installs the decoder.
func (in *Input) decompress(r io.Reader) error {
	br := bufio.NewReader(r)
	head, err := br.Peek(6)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading input header: %w", err)
	}

	in.Compression = Detect(head)
	switch in.Compression {
	case CompressionGzip:
		zr, err := gzip.NewReader(br)
		if err != nil {
			return fmt.Errorf("creating gzip reader: %w", err)
		}
		in.closers = append(in.closers, zr)
		in.Reader = zr
	case CompressionBzip2:
		in.Reader = bzip2.NewReader(br)
	case CompressionXZ:
		xr, err := xz.NewReader(br)
		if err != nil {
			return fmt.Errorf("creating xz reader: %w", err)
		}
		in.Reader = xr
	default:
		in.Reader = br
	}
	return nil
}

// Detect identifies compression from the first bytes of a stream.
func Detect(head []byte) Compression {
	switch {
	case len(head) >= 2 && head[0] == 0x1f && head[1] == 0x8b:
		return CompressionGzip
	case len(head) >= 3 && head[0] == 'B' && head[1] == 'Z' && head[2] == 'h':
		return CompressionBzip2
	case len(head) >= 6 && head[0] == 0xfd && string(head[1:5]) == "7zXZ" && head[5] == 0x00:
		return CompressionXZ
	default:
		return CompressionNone
	}
}
