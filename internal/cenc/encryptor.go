// Package cenc implements the ISO/IEC 23001-7 'cenc' sample cipher
// (AES-128 CTR) and content key selection for key rotation.
package cenc

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"

	"github.com/jmylchreest/fragmentr/internal/mp4box"
)

// KeySize is the AES-128 content key size.
const KeySize = 16

// nalLengthSize is the AVCC length prefix written by the demuxers.
const nalLengthSize = 4

var (
	// ErrInvalidKey is returned for keys that are not 16 bytes.
	ErrInvalidKey = errors.New("content key must be 16 bytes")
	// ErrInvalidIVSize is returned for IV sizes other than 8 or 16.
	ErrInvalidIVSize = errors.New("iv size must be 8 or 16")
	// ErrMalformedSample is returned when a video sample is not valid AVCC.
	ErrMalformedSample = errors.New("malformed length-prefixed sample")
)

// Mode selects how a track's samples are protected.
type Mode int

const (
	// ModeFullSample encrypts every byte of the sample (audio).
	ModeFullSample Mode = iota
	// ModeSubsampleAVC keeps NAL length prefixes, NAL headers and non-VCL
	// NAL units clear, and encrypts whole AES blocks of slice data.
	ModeSubsampleAVC
)

// Encryptor encrypts the samples of one track.
type Encryptor struct {
	block  cipher.Block
	mode   Mode
	ivSize int
	iv     []byte
}

// NewEncryptor returns an Encryptor for key. When iv is nil a random
// initial IV of ivSize bytes is generated.
func NewEncryptor(key []byte, ivSize int, iv []byte, mode Mode) (*Encryptor, error) {
	if ivSize != 8 && ivSize != 16 {
		return nil, ErrInvalidIVSize
	}
	e := &Encryptor{mode: mode, ivSize: ivSize}
	if err := e.SetKey(key, iv); err != nil {
		return nil, err
	}
	return e, nil
}

// SetKey switches to a new content key, for key rotation. A nil iv draws a
// new random IV.
func (e *Encryptor) SetKey(key, iv []byte) error {
	if len(key) != KeySize {
		return ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("creating cipher: %w", err)
	}

	if iv == nil {
		iv = make([]byte, e.ivSize)
		if _, err := rand.Read(iv); err != nil {
			return fmt.Errorf("generating iv: %w", err)
		}
	}
	if len(iv) != e.ivSize {
		return ErrInvalidIVSize
	}

	e.block = block
	e.iv = append([]byte(nil), iv...)
	return nil
}

// IVSize returns the per-sample IV size.
func (e *Encryptor) IVSize() int { return e.ivSize }

// IV returns the IV that the next sample will use.
func (e *Encryptor) IV() []byte { return append([]byte(nil), e.iv...) }

// Encrypt encrypts data in place and returns the IV used for it plus the
// subsample map, which is nil for full-sample encryption.
func (e *Encryptor) Encrypt(data []byte) ([]byte, []mp4box.Subsample, error) {
	var subsamples []mp4box.Subsample
	if e.mode == ModeSubsampleAVC {
		var err error
		subsamples, err = avcSubsamples(data)
		if err != nil {
			return nil, nil, err
		}
	}

	iv := e.IV()
	stream := cipher.NewCTR(e.block, counterBlock(iv))

	var protected uint64
	if subsamples == nil {
		stream.XORKeyStream(data, data)
		protected = uint64(len(data))
	} else {
		pos := 0
		for _, ss := range subsamples {
			pos += int(ss.ClearBytes)
			end := pos + int(ss.ProtectedBytes)
			stream.XORKeyStream(data[pos:end], data[pos:end])
			pos = end
			protected += uint64(ss.ProtectedBytes)
		}
	}

	e.advance(protected)
	return iv, subsamples, nil
}

// advance moves to the IV of the next sample. 8-byte IVs are sample
// counters; 16-byte IVs skip past the counter blocks just consumed.
func (e *Encryptor) advance(protected uint64) {
	if e.ivSize == 8 {
		binary.BigEndian.PutUint64(e.iv, binary.BigEndian.Uint64(e.iv)+1)
		return
	}
	blocks := (protected + aes.BlockSize - 1) / aes.BlockSize
	lo := binary.BigEndian.Uint64(e.iv[8:])
	hi := binary.BigEndian.Uint64(e.iv[:8])
	sum := lo + blocks
	if sum < lo {
		hi++
	}
	binary.BigEndian.PutUint64(e.iv[:8], hi)
	binary.BigEndian.PutUint64(e.iv[8:], sum)
}

// counterBlock expands an IV to the initial AES-CTR counter block.
func counterBlock(iv []byte) []byte {
	ctr := make([]byte, aes.BlockSize)
	copy(ctr, iv)
	return ctr
}

// avcSubsamples computes the clear/protected layout of an AVCC sample.
func avcSubsamples(data []byte) ([]mp4box.Subsample, error) {
	var au h264.AVCC
	if err := au.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedSample, err)
	}

	var out []mp4box.Subsample
	var clear uint64
	for _, nalu := range au {
		if len(nalu) == 0 {
			clear += nalLengthSize
			continue
		}
		typ := h264.NALUType(nalu[0] & 0x1f)
		if typ < h264.NALUTypeNonIDR || typ > h264.NALUTypeIDR {
			clear += nalLengthSize + uint64(len(nalu))
			continue
		}

		body := uint64(len(nalu) - 1)
		protected := body - body%aes.BlockSize
		clear += nalLengthSize + 1 + body%aes.BlockSize
		if protected == 0 {
			continue
		}
		out = appendSubsample(out, clear, protected)
		clear = 0
	}
	if clear > 0 || len(out) == 0 {
		out = appendSubsample(out, clear, 0)
	}
	return out, nil
}

// appendSubsample splits clear runs that do not fit the 16-bit field.
func appendSubsample(out []mp4box.Subsample, clear, protected uint64) []mp4box.Subsample {
	for clear > math.MaxUint16 {
		out = append(out, mp4box.Subsample{ClearBytes: math.MaxUint16})
		clear -= math.MaxUint16
	}
	return append(out, mp4box.Subsample{
		ClearBytes:     uint16(clear),
		ProtectedBytes: uint32(protected),
	})
}
