package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/fragmentr/internal/config"
	"github.com/jmylchreest/fragmentr/internal/packager"
)

var packageCmd = &cobra.Command{
	Use:   "package <input>",
	Short: "Package an input into fMP4 segments and an HLS playlist",
	Long: `Package reads an MPEG-TS or fragmented MP4 input and writes fragmented MP4
segments plus an HLS media playlist to the output directory.

The input is a local path, a file:// URL or an http(s) URL. Inputs compressed
with gzip, bzip2 or xz are decompressed transparently.

Durations accept bare seconds (6, 2.5) or Go durations (6s, 1m30s).

Examples:
  fragmentr package input.ts -o out/
  fragmentr package https://cdn.example.com/capture.ts.xz --layout single
  fragmentr package input.ts --key 00112233445566778899aabbccddeeff:0123456789abcdef0123456789abcdef \
      --clear-lead 6 --key-uri 'https://keys.example.com/$KeyID$'`,
	Args: cobra.ExactArgs(1),
	RunE: runPackage,
}

func init() {
	rootCmd.AddCommand(packageCmd)

	f := packageCmd.Flags()
	f.StringP("output", "o", "", "output directory")
	f.String("format", "", "input container (auto, fmp4, mpegts)")
	f.String("layout", "", "output layout (multi, single)")
	f.String("segment-duration", "", "nominal segment duration")
	f.String("subsegment-duration", "", "fragment duration within a segment (0 = one per segment)")
	f.String("playlist-type", "", "HLS playlist type (vod, event, live)")
	f.String("playlist-name", "", "HLS media playlist file name")
	f.Bool("no-playlist", false, "do not write an HLS playlist")
	f.StringArray("key", nil, "content key as KEY_ID:KEY in hex, repeat for key rotation; enables encryption")
	f.String("clear-lead", "", "duration left unencrypted at the start")
	f.String("crypto-period", "", "key rotation period")
	f.String("key-uri", "", "EXT-X-KEY URI, $KeyID$ is replaced by the key id")
	f.StringSlice("protection-system", nil, "protection system ids to signal with pssh boxes (common or a UUID)")

	mustBindPFlag("storage.output_dir", f.Lookup("output"))
	mustBindPFlag("input.format", f.Lookup("format"))
	mustBindPFlag("packaging.layout", f.Lookup("layout"))
	mustBindPFlag("packaging.segment_duration", f.Lookup("segment-duration"))
	mustBindPFlag("packaging.subsegment_duration", f.Lookup("subsegment-duration"))
	mustBindPFlag("hls.playlist_type", f.Lookup("playlist-type"))
	mustBindPFlag("hls.playlist_name", f.Lookup("playlist-name"))
	mustBindPFlag("encryption.clear_lead", f.Lookup("clear-lead"))
	mustBindPFlag("encryption.crypto_period", f.Lookup("crypto-period"))
	mustBindPFlag("encryption.key_uri", f.Lookup("key-uri"))
	mustBindPFlag("encryption.protection_systems", f.Lookup("protection-system"))
}

func runPackage(cmd *cobra.Command, args []string) error {
	v := viper.GetViper()

	keys, _ := cmd.Flags().GetStringArray("key")
	if len(keys) > 0 {
		parsed, err := parseKeyFlags(keys)
		if err != nil {
			return err
		}
		v.Set("encryption.enabled", true)
		v.Set("encryption.keys", parsed)
	}
	if noPlaylist, _ := cmd.Flags().GetBool("no-playlist"); noPlaylist {
		v.Set("hls.enabled", false)
	}

	cfg, err := config.Unmarshal(v)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := packager.Run(ctx, packager.Options{
		Input:  args[0],
		Config: cfg,
		Logger: slog.Default(),
	})
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}

// parseKeyFlags splits KEY_ID:KEY pairs into encryption.keys entries.
func parseKeyFlags(values []string) ([]map[string]any, error) {
	keys := make([]map[string]any, 0, len(values))
	for _, v := range values {
		kid, key, ok := strings.Cut(v, ":")
		if !ok || kid == "" || key == "" {
			return nil, fmt.Errorf("invalid --key value %d: expected KEY_ID:KEY", len(keys)+1)
		}
		keys = append(keys, map[string]any{"key_id": kid, "key": key})
	}
	return keys, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
