// Package config provides configuration management for fragmentr using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/jmylchreest/fragmentr/pkg/duration"
)

// Default configuration values.
const (
	defaultSegmentDuration      = 6 * time.Second
	defaultTimeShiftBufferDepth = 60 * time.Second
	defaultIVSize               = 8
	defaultSegmentTemplate      = "segment_$Number$.m4s"
	defaultInitSegment          = "init.mp4"
	defaultSingleFileName       = "media.mp4"
	defaultPlaylistName         = "media.m3u8"
)

// Packaging layouts.
const (
	LayoutMultiFile  = "multi"
	LayoutSingleFile = "single"
)

// HLS playlist types.
const (
	PlaylistTypeVOD   = "vod"
	PlaylistTypeEvent = "event"
	PlaylistTypeLive  = "live"
)

// Config holds all configuration for the application.
type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Input      InputConfig      `mapstructure:"input"`
	Packaging  PackagingConfig  `mapstructure:"packaging"`
	Encryption EncryptionConfig `mapstructure:"encryption"`
	HLS        HLSConfig        `mapstructure:"hls"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // trace, debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// StorageConfig holds output storage configuration.
type StorageConfig struct {
	OutputDir string `mapstructure:"output_dir"`
}

// InputConfig controls how inputs are opened.
type InputConfig struct {
	Format string `mapstructure:"format"` // auto, fmp4, mpegts
	// HTTPTimeout bounds waiting for the response headers of remote inputs.
	HTTPTimeout   time.Duration `mapstructure:"http_timeout"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
}

// PackagingConfig controls how samples are grouped into segments.
type PackagingConfig struct {
	Layout string `mapstructure:"layout"` // multi, single
	// SegmentDuration is the nominal duration of an externally visible segment.
	SegmentDuration time.Duration `mapstructure:"segment_duration"`
	// SubsegmentDuration splits a segment into several fragments sharing one
	// index (0 = one fragment per segment).
	SubsegmentDuration time.Duration `mapstructure:"subsegment_duration"`
	SegmentTemplate    string        `mapstructure:"segment_template"` // $Number$ is replaced
	InitSegment        string        `mapstructure:"init_segment"`
	SingleFileName     string        `mapstructure:"single_file_name"`
}

// KeyConfig is one content key.
type KeyConfig struct {
	KeyID string `mapstructure:"key_id"` // UUID or 32 hex chars
	Key   string `mapstructure:"key"`    // 32 hex chars
}

// EncryptionConfig holds CENC encryption configuration.
type EncryptionConfig struct {
	Enabled bool        `mapstructure:"enabled"`
	Keys    []KeyConfig `mapstructure:"keys"`
	// IVSize is the per-sample IV size in bytes (8 or 16).
	IVSize int `mapstructure:"iv_size"`
	// ClearLead leaves the first part of the presentation unencrypted while
	// still advertising DRM init data.
	ClearLead time.Duration `mapstructure:"clear_lead"`
	// CryptoPeriod enables key rotation; keys are used round-robin per period.
	CryptoPeriod      time.Duration `mapstructure:"crypto_period"`
	ProtectionSystems []string      `mapstructure:"protection_systems"` // "common" or system UUIDs
	KeyURI            string        `mapstructure:"key_uri"`
	KeyFormat         string        `mapstructure:"key_format"`
	KeyFormatVersions string        `mapstructure:"key_format_versions"`
}

// HLSConfig holds media playlist configuration.
type HLSConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	PlaylistType string `mapstructure:"playlist_type"` // vod, event, live
	PlaylistName string `mapstructure:"playlist_name"`
	// TimeShiftBufferDepth bounds the sliding window of live playlists.
	TimeShiftBufferDepth time.Duration `mapstructure:"time_shift_buffer_depth"`
	// TargetDuration overrides the computed EXT-X-TARGETDURATION (0 = computed).
	TargetDuration int `mapstructure:"target_duration"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with FRAGMENTR_ and use underscores for nesting.
// Example: FRAGMENTR_PACKAGING_SEGMENT_DURATION=4s.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/fragmentr")
		v.AddConfigPath("$HOME/.fragmentr")
	}

	v.SetEnvPrefix("FRAGMENTR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	return Unmarshal(v)
}

// Unmarshal decodes and validates the configuration held by v. Durations
// may be written as bare seconds (6, 2.5) or Go duration strings.
func Unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		duration.DecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Storage defaults
	v.SetDefault("storage.output_dir", "./output")

	// Input defaults
	v.SetDefault("input.format", "auto")
	v.SetDefault("input.http_timeout", 30*time.Second)
	v.SetDefault("input.retry_attempts", 3)

	// Packaging defaults
	v.SetDefault("packaging.layout", LayoutMultiFile)
	v.SetDefault("packaging.segment_duration", defaultSegmentDuration)
	v.SetDefault("packaging.subsegment_duration", time.Duration(0))
	v.SetDefault("packaging.segment_template", defaultSegmentTemplate)
	v.SetDefault("packaging.init_segment", defaultInitSegment)
	v.SetDefault("packaging.single_file_name", defaultSingleFileName)

	// Encryption defaults
	v.SetDefault("encryption.enabled", false)
	v.SetDefault("encryption.iv_size", defaultIVSize)
	v.SetDefault("encryption.clear_lead", time.Duration(0))
	v.SetDefault("encryption.crypto_period", time.Duration(0))
	v.SetDefault("encryption.protection_systems", []string{"common"})
	v.SetDefault("encryption.key_uri", "")
	v.SetDefault("encryption.key_format", "")
	v.SetDefault("encryption.key_format_versions", "")

	// HLS defaults
	v.SetDefault("hls.enabled", true)
	v.SetDefault("hls.playlist_type", PlaylistTypeVOD)
	v.SetDefault("hls.playlist_name", defaultPlaylistName)
	v.SetDefault("hls.time_shift_buffer_depth", defaultTimeShiftBufferDepth)
	v.SetDefault("hls.target_duration", 0)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	// Logging validation
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	// Storage validation
	if c.Storage.OutputDir == "" {
		return fmt.Errorf("storage.output_dir is required")
	}

	// Input validation
	validInputFormats := map[string]bool{"auto": true, "fmp4": true, "mpegts": true}
	if !validInputFormats[c.Input.Format] {
		return fmt.Errorf("input.format must be one of: auto, fmp4, mpegts")
	}
	if c.Input.RetryAttempts < 0 {
		return fmt.Errorf("input.retry_attempts must not be negative")
	}

	// Packaging validation
	validLayouts := map[string]bool{LayoutMultiFile: true, LayoutSingleFile: true}
	if !validLayouts[c.Packaging.Layout] {
		return fmt.Errorf("packaging.layout must be one of: multi, single")
	}
	if c.Packaging.SegmentDuration <= 0 {
		return fmt.Errorf("packaging.segment_duration must be positive")
	}
	if c.Packaging.SubsegmentDuration < 0 || c.Packaging.SubsegmentDuration > c.Packaging.SegmentDuration {
		return fmt.Errorf("packaging.subsegment_duration must be between 0 and packaging.segment_duration")
	}
	if c.Packaging.Layout == LayoutMultiFile && !strings.Contains(c.Packaging.SegmentTemplate, "$Number$") {
		return fmt.Errorf("packaging.segment_template must contain $Number$")
	}

	// Encryption validation
	if c.Encryption.Enabled {
		if len(c.Encryption.Keys) == 0 {
			return fmt.Errorf("encryption.keys requires at least one key when encryption is enabled")
		}
		if c.Encryption.IVSize != 8 && c.Encryption.IVSize != 16 {
			return fmt.Errorf("encryption.iv_size must be 8 or 16")
		}
		if c.Encryption.ClearLead < 0 || c.Encryption.CryptoPeriod < 0 {
			return fmt.Errorf("encryption.clear_lead and encryption.crypto_period must not be negative")
		}
	}

	// HLS validation
	validTypes := map[string]bool{PlaylistTypeVOD: true, PlaylistTypeEvent: true, PlaylistTypeLive: true}
	if !validTypes[c.HLS.PlaylistType] {
		return fmt.Errorf("hls.playlist_type must be one of: vod, event, live")
	}
	if c.HLS.TargetDuration < 0 {
		return fmt.Errorf("hls.target_duration must not be negative")
	}

	return nil
}

// SegmentName expands the segment template for the given 1-based number.
func (c *PackagingConfig) SegmentName(number uint32) string {
	return strings.ReplaceAll(c.SegmentTemplate, "$Number$", fmt.Sprintf("%d", number))
}
