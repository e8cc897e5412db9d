package cmd

import (
	"fmt"
	"io"
	"reflect"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/fragmentr/internal/config"
	"github.com/jmylchreest/fragmentr/pkg/duration"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing fragmentr configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the default configuration",
	Long: `Dump the default configuration values in YAML format.

Redirect the output to a file to create a configuration template:

  fragmentr config dump > .fragmentr.yaml

Environment variables use the FRAGMENTR_ prefix and underscores for nesting.
Example: packaging.segment_duration -> FRAGMENTR_PACKAGING_SEGMENT_DURATION`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

// toMap converts a config struct to a map keyed by mapstructure tags, with
// durations formatted for reading.
func toMap(v any) map[string]any {
	result := make(map[string]any)
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		key := typ.Field(i).Tag.Get("mapstructure")
		if key == "" {
			key = typ.Field(i).Name
		}

		switch fv := field.Interface().(type) {
		case time.Duration:
			result[key] = duration.Format(fv)
		default:
			switch field.Kind() {
			case reflect.Struct:
				result[key] = toMap(fv)
			case reflect.Slice:
				if field.Len() == 0 {
					result[key] = []any{}
				} else {
					result[key] = fv
				}
			default:
				result[key] = fv
			}
		}
	}
	return result
}

func runConfigDump(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	return writeConfigDump(cmd.OutOrStdout(), cfg)
}

func writeConfigDump(w io.Writer, cfg *config.Config) error {
	data, err := yaml.Marshal(toMap(cfg))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	header := `# fragmentr configuration
#
# All values shown below are defaults.
# Durations: bare seconds (6, 2.5) or Go durations (6s, 1m30s).
#
# Environment variable overrides, for example:
#   FRAGMENTR_STORAGE_OUTPUT_DIR
#   FRAGMENTR_PACKAGING_SEGMENT_DURATION
#   FRAGMENTR_LOGGING_LEVEL, FRAGMENTR_LOGGING_FORMAT

`
	if _, err := io.WriteString(w, header); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
