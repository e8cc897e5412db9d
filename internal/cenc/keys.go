package cenc

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Well-known protection system ids.
var (
	SystemCommon    = uuid.MustParse("1077efec-c0b2-4d02-ace3-3c1e52e2fb4b")
	SystemWidevine  = uuid.MustParse("edef8ba9-79d6-4ace-a3c8-27dcd51d21ed")
	SystemPlayReady = uuid.MustParse("9a04f079-9840-4286-ab92-e65be0885f95")
	SystemFairPlay  = uuid.MustParse("94ce86fb-07ff-4f43-adb8-93d2fa968ca2")
)

var systemNames = map[string]uuid.UUID{
	"common":    SystemCommon,
	"widevine":  SystemWidevine,
	"playready": SystemPlayReady,
	"fairplay":  SystemFairPlay,
}

// ErrNoKeys is returned when a key source is built without keys.
var ErrNoKeys = errors.New("no content keys")

// Key is a content key and its id.
type Key struct {
	ID  uuid.UUID
	Key []byte
}

// ParseKey builds a Key from a key id (UUID or 32 hex digits) and a hex
// key.
func ParseKey(keyID, key string) (Key, error) {
	id, err := ParseKeyID(keyID)
	if err != nil {
		return Key{}, err
	}
	k, err := hex.DecodeString(key)
	if err != nil {
		return Key{}, fmt.Errorf("decoding key for %s: %w", id, err)
	}
	if len(k) != KeySize {
		return Key{}, fmt.Errorf("key for %s: %w", id, ErrInvalidKey)
	}
	return Key{ID: id, Key: k}, nil
}

// ParseKeyID accepts a UUID in any form uuid.Parse understands, including
// 32 bare hex digits.
func ParseKeyID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return uuid.Nil, fmt.Errorf("parsing key id %q: %w", s, err)
	}
	return id, nil
}

// ParseSystemIDs resolves protection system names ("common", "widevine",
// "playready", "fairplay") or UUIDs.
func ParseSystemIDs(names []string) ([]uuid.UUID, error) {
	out := make([]uuid.UUID, 0, len(names))
	for _, name := range names {
		if id, ok := systemNames[strings.ToLower(strings.TrimSpace(name))]; ok {
			out = append(out, id)
			continue
		}
		id, err := uuid.Parse(name)
		if err != nil {
			return nil, fmt.Errorf("unknown protection system %q", name)
		}
		out = append(out, id)
	}
	return out, nil
}

// KeySource selects the content key of a crypto period.
type KeySource interface {
	KeyForPeriod(period uint64) (Key, error)
}

// RoundRobin cycles through a fixed list of keys, one per crypto period.
type RoundRobin struct {
	keys []Key
}

var _ KeySource = (*RoundRobin)(nil)

// NewRoundRobin returns a key source over keys.
func NewRoundRobin(keys []Key) (*RoundRobin, error) {
	if len(keys) == 0 {
		return nil, ErrNoKeys
	}
	return &RoundRobin{keys: append([]Key(nil), keys...)}, nil
}

// KeyForPeriod implements KeySource.
func (r *RoundRobin) KeyForPeriod(period uint64) (Key, error) {
	return r.keys[period%uint64(len(r.keys))], nil
}

// Len returns the number of keys.
func (r *RoundRobin) Len() int { return len(r.keys) }
