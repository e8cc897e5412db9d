// Package chunker decides where segments and subsegments start and feeds
// samples to a segmenter.
//
// The reference track (the first video track, or track 0) cuts at its
// first key frame at or past a boundary. Other tracks hold samples that
// reach the nominal boundary until the reference track has cut, so every
// fragment covers the same time span on all tracks. When encryption is
// configured the chunker also encrypts samples, honours the clear lead and
// rotates keys per crypto period.
package chunker

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
	"github.com/google/uuid"

	"github.com/jmylchreest/fragmentr/internal/cenc"
	"github.com/jmylchreest/fragmentr/internal/mp4box"
	"github.com/jmylchreest/fragmentr/internal/observability"
	"github.com/jmylchreest/fragmentr/internal/segmenter"
)

// MethodSampleAESCTR is the HLS key method of the cenc scheme.
const MethodSampleAESCTR = "SAMPLE-AES-CTR"

// KeyIDPlaceholder is replaced by the hex key id in Encryption.KeyURI.
const KeyIDPlaceholder = "$KeyID$"

var (
	// ErrInvalidConfig is returned by New for unusable durations or keys.
	ErrInvalidConfig = errors.New("invalid chunking config")
	// ErrNotStarted is returned when samples arrive before Start.
	ErrNotStarted = errors.New("chunker not started")
)

// Target receives samples and fragment boundaries. Both
// *segmenter.Segmenter and *segmenter.Gate implement it.
type Target interface {
	AddSample(i int, sample *segmenter.Sample) error
	FinalizeSegment(i int, info segmenter.SegmentInfo) error
}

var (
	_ Target = (*segmenter.Segmenter)(nil)
	_ Target = (*segmenter.Gate)(nil)
)

// Encryption configures sample encryption.
type Encryption struct {
	Keys   cenc.KeySource
	IVSize int
	// ClearLead leaves fragments starting before it unencrypted.
	ClearLead time.Duration
	// CryptoPeriod rotates keys when positive.
	CryptoPeriod time.Duration
	// Systems receive a pssh box listing the active key id.
	Systems []uuid.UUID

	KeyURI            string
	KeyFormat         string
	KeyFormatVersions []int
}

// Config configures a Chunker.
type Config struct {
	SegmentDuration time.Duration
	// SubsegmentDuration splits segments into several fragments, 0 disables.
	SubsegmentDuration time.Duration
	// Encryption is nil for clear output.
	Encryption *Encryption
	Logger     *slog.Logger
}

type heldSample struct {
	sample *segmenter.Sample
	at     uint64
}

type track struct {
	timeScale uint32
	// next is the decode time of the next sample, in timeScale.
	next uint64
	// count is the number of samples in the open fragment.
	count int
	held  []heldSample
	enc   *cenc.Encryptor
}

// Chunker turns a decode-ordered sample stream into segmenter calls.
type Chunker struct {
	cfg    Config
	logger *slog.Logger

	target   Target
	tracks   []*track
	ref      int
	refScale uint32

	segTicks    uint64
	subTicks    uint64
	leadTicks   uint64
	periodTicks uint64

	segIndex  uint64
	segStart  uint64
	subIndex  uint64
	encrypted bool

	firstKey  cenc.Key
	initial   *segmenter.EncryptionConfig
	period    uint64
	hasPeriod bool
	rotation  *segmenter.EncryptionConfig
}

// New validates cfg and resolves the first content key.
func New(cfg Config) (*Chunker, error) {
	if cfg.SegmentDuration <= 0 {
		return nil, fmt.Errorf("%w: segment duration must be positive", ErrInvalidConfig)
	}
	if cfg.SubsegmentDuration < 0 || cfg.SubsegmentDuration > cfg.SegmentDuration {
		return nil, fmt.Errorf("%w: subsegment duration must be between 0 and the segment duration", ErrInvalidConfig)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Chunker{
		cfg:    cfg,
		logger: observability.WithComponent(cfg.Logger, "chunker"),
	}

	if e := cfg.Encryption; e != nil {
		if e.Keys == nil {
			return nil, fmt.Errorf("%w: no key source", ErrInvalidConfig)
		}
		if e.IVSize != 8 && e.IVSize != 16 {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, cenc.ErrInvalidIVSize)
		}
		key, err := e.Keys.KeyForPeriod(0)
		if err != nil {
			return nil, fmt.Errorf("resolving first key: %w", err)
		}
		c.firstKey = key
		c.initial = c.encryptionConfig(key)
	}
	return c, nil
}

// EncryptionConfig returns the protection advertised in the init segment,
// nil for clear output.
func (c *Chunker) EncryptionConfig() *segmenter.EncryptionConfig {
	return c.initial
}

// Start binds the chunker to target. streams must match the streams the
// target was initialized with.
func (c *Chunker) Start(target Target, streams []segmenter.Stream) error {
	if len(streams) == 0 {
		return fmt.Errorf("%w: no streams", segmenter.ErrInvalidArgument)
	}

	c.ref = -1
	c.tracks = make([]*track, len(streams))
	for i, st := range streams {
		if st.Type == segmenter.MediaTypeVideo && c.ref < 0 {
			c.ref = i
		}
		t := &track{timeScale: st.TimeScale}
		if e := c.cfg.Encryption; e != nil {
			enc, err := cenc.NewEncryptor(c.firstKey.Key, e.IVSize, nil, encryptionMode(st))
			if err != nil {
				return fmt.Errorf("creating encryptor for track %d: %w", i, err)
			}
			t.enc = enc
		}
		c.tracks[i] = t
	}
	if c.ref < 0 {
		c.ref = 0
	}

	c.refScale = streams[c.ref].TimeScale
	c.segTicks = ticks(c.cfg.SegmentDuration, c.refScale)
	c.subTicks = ticks(c.cfg.SubsegmentDuration, c.refScale)
	if c.segTicks == 0 {
		return fmt.Errorf("%w: segment duration is below one tick of timescale %d", ErrInvalidConfig, c.refScale)
	}
	if e := c.cfg.Encryption; e != nil {
		c.leadTicks = ticks(e.ClearLead, c.refScale)
		c.periodTicks = ticks(e.CryptoPeriod, c.refScale)
	}

	c.target = target
	if err := c.openFragment(0); err != nil {
		return err
	}

	c.logger.Debug("Chunker started",
		slog.Int("reference_track", c.ref),
		slog.Uint64("segment_ticks", c.segTicks),
		slog.Uint64("subsegment_ticks", c.subTicks),
		slog.Bool("encrypted", c.cfg.Encryption != nil))
	return nil
}

// AddSample accepts the next sample of track i in decode order.
func (c *Chunker) AddSample(i int, s *segmenter.Sample) error {
	if c.target == nil {
		return ErrNotStarted
	}
	if i < 0 || i >= len(c.tracks) {
		return fmt.Errorf("%w: track index %d out of range", segmenter.ErrInvalidArgument, i)
	}

	t := c.tracks[i]
	at := t.next
	t.next += uint64(s.Duration)

	if i == c.ref {
		if s.IsKeyFrame && t.count > 0 {
			if err := c.maybeCut(at); err != nil {
				return err
			}
		}
		return c.add(i, s)
	}

	if len(t.held) > 0 || c.toRef(at, t.timeScale) >= c.boundary() {
		t.held = append(t.held, heldSample{sample: s, at: at})
		return nil
	}
	return c.add(i, s)
}

// Flush releases held samples and closes the last segment.
func (c *Chunker) Flush() error {
	if c.target == nil {
		return ErrNotStarted
	}
	if err := c.release(math.MaxUint64); err != nil {
		return err
	}
	for _, t := range c.tracks {
		if t.count > 0 {
			return c.finalize(false)
		}
	}
	return nil
}

// boundary returns the nominal end of the open fragment in reference
// ticks.
func (c *Chunker) boundary() uint64 {
	b := (c.segIndex + 1) * c.segTicks
	if c.subTicks > 0 {
		if sub := c.segStart + (c.subIndex+1)*c.subTicks; sub < b {
			b = sub
		}
	}
	return b
}

// maybeCut closes the open fragment when the reference key frame at time
// at has reached a segment or subsegment boundary.
func (c *Chunker) maybeCut(at uint64) error {
	idx := at / c.segTicks
	switch {
	case idx > c.segIndex:
		if err := c.cut(at, false); err != nil {
			return err
		}
		c.segIndex = idx
		c.segStart = at
		c.subIndex = 0

	case c.subTicks > 0 && (at-c.segStart)/c.subTicks > c.subIndex:
		if err := c.cut(at, true); err != nil {
			return err
		}
		c.subIndex = (at - c.segStart) / c.subTicks

	default:
		return nil
	}

	if err := c.openFragment(at); err != nil {
		return err
	}
	return c.release(c.boundary())
}

func (c *Chunker) cut(at uint64, subsegment bool) error {
	if err := c.release(at); err != nil {
		return err
	}
	return c.finalize(subsegment)
}

func (c *Chunker) finalize(subsegment bool) error {
	info := segmenter.SegmentInfo{
		IsSubsegment: subsegment,
		IsEncrypted:  c.encrypted,
		KeyRotation:  c.rotation,
	}
	for i, t := range c.tracks {
		if err := c.target.FinalizeSegment(i, info); err != nil {
			return fmt.Errorf("finalizing track %d: %w", i, err)
		}
		t.count = 0
	}
	c.rotation = nil
	return nil
}

// release passes held samples starting before limit (reference ticks) to
// the target.
func (c *Chunker) release(limit uint64) error {
	for i, t := range c.tracks {
		n := 0
		for _, h := range t.held {
			if c.toRef(h.at, t.timeScale) >= limit {
				break
			}
			if err := c.add(i, h.sample); err != nil {
				return err
			}
			n++
		}
		t.held = t.held[n:]
		if len(t.held) == 0 {
			t.held = nil
		}
	}
	return nil
}

// openFragment applies the clear lead and crypto period to the fragment
// starting at reference time start.
func (c *Chunker) openFragment(start uint64) error {
	e := c.cfg.Encryption
	if e == nil {
		return nil
	}
	c.encrypted = start >= c.leadTicks

	if c.periodTicks == 0 {
		return nil
	}
	period := start / c.periodTicks
	if c.hasPeriod && period == c.period {
		return nil
	}

	key, err := e.Keys.KeyForPeriod(period)
	if err != nil {
		return fmt.Errorf("resolving key for crypto period %d: %w", period, err)
	}
	for i, t := range c.tracks {
		if err := t.enc.SetKey(key.Key, nil); err != nil {
			return fmt.Errorf("rotating key of track %d: %w", i, err)
		}
	}
	c.period = period
	c.hasPeriod = true
	c.rotation = c.encryptionConfig(key)

	c.logger.Debug("Rotating content key",
		slog.Uint64("crypto_period", period),
		slog.String("key_id", key.ID.String()))
	return nil
}

func (c *Chunker) add(i int, s *segmenter.Sample) error {
	t := c.tracks[i]
	if c.encrypted && t.enc != nil {
		iv, subsamples, err := t.enc.Encrypt(s.Data)
		if err != nil {
			return fmt.Errorf("encrypting sample of track %d: %w", i, err)
		}
		s.IV = iv
		s.Subsamples = subsamples
	}
	if err := c.target.AddSample(i, s); err != nil {
		return err
	}
	t.count++
	return nil
}

func (c *Chunker) encryptionConfig(key cenc.Key) *segmenter.EncryptionConfig {
	e := c.cfg.Encryption
	cfg := &segmenter.EncryptionConfig{
		Scheme:            mp4box.SchemeCENC,
		KeyID:             key.ID,
		PerSampleIVSize:   uint8(e.IVSize),
		Method:            MethodSampleAESCTR,
		KeyURI:            strings.ReplaceAll(e.KeyURI, KeyIDPlaceholder, hex.EncodeToString(key.ID[:])),
		KeyFormat:         e.KeyFormat,
		KeyFormatVersions: e.KeyFormatVersions,
	}
	for _, id := range e.Systems {
		cfg.ProtectionSystems = append(cfg.ProtectionSystems, segmenter.ProtectionSystem{
			SystemID: id,
			KeyIDs:   []uuid.UUID{key.ID},
		})
	}
	return cfg
}

func (c *Chunker) toRef(v uint64, timeScale uint32) uint64 {
	if timeScale == c.refScale {
		return v
	}
	return segmenter.Rescale(v, timeScale, c.refScale)
}

func encryptionMode(st segmenter.Stream) cenc.Mode {
	if _, ok := st.Codec.(*mp4.CodecH264); ok {
		return cenc.ModeSubsampleAVC
	}
	return cenc.ModeFullSample
}

func ticks(d time.Duration, timeScale uint32) uint64 {
	if d <= 0 {
		return 0
	}
	return segmenter.Rescale(uint64(d.Microseconds()), 1_000_000, timeScale)
}
