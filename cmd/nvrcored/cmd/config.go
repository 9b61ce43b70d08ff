package cmd

import (
	"fmt"
	"reflect"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nightlatch/nvrcore/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing nvrcore configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the default configuration",
	Long: `Dump the default configuration values in YAML format.

This shows all available configuration options with their default values.
You can redirect this output to a file to create a configuration template:

  nvrcored config dump > config.yaml

Configuration can be set via:
  - Config file (config.yaml, /etc/nvrcore/config.yaml)
  - Environment variables (NVRCORE_STORAGE_BASE_DIR, NVRCORE_DETECTION_WORKER_COUNT, etc.)
  - Command-line flags (for some options)

Environment variables use the NVRCORE_ prefix and underscores for nesting.
Example: storage.base_dir -> NVRCORE_STORAGE_BASE_DIR`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

// toMap converts a struct to a plain map for YAML rendering, recursing into
// nested structs and slices of structs.
func toMap(v any) any {
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}

	switch val.Kind() {
	case reflect.Struct:
		typ := val.Type()
		result := make(map[string]any, val.NumField())
		for i := 0; i < val.NumField(); i++ {
			field := val.Field(i)
			fieldType := typ.Field(i)

			key := fieldType.Tag.Get("mapstructure")
			if key == "" {
				key = fieldType.Name
			}
			result[key] = toMap(field.Interface())
		}
		return result
	case reflect.Slice, reflect.Array:
		result := make([]any, val.Len())
		for i := 0; i < val.Len(); i++ {
			result[i] = toMap(val.Index(i).Interface())
		}
		return result
	default:
		return val.Interface()
	}
}

func runConfigDump(cmd *cobra.Command, args []string) error {
	// Load config with defaults (no file, just defaults)
	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Convert to map for readable YAML field ordering
	cfgMap := toMap(cfg)

	yamlData, err := yaml.Marshal(cfgMap)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	fmt.Println("# nvrcore Configuration File")
	fmt.Println("# ==========================")
	fmt.Println("#")
	fmt.Println("# All values shown below are defaults.")
	fmt.Println("#")
	fmt.Println("# Environment variable overrides:")
	fmt.Println("#   NVRCORE_STORAGE_BASE_DIR")
	fmt.Println("#   NVRCORE_DETECTION_WORKER_COUNT, NVRCORE_DETECTION_QUEUE_SIZE")
	fmt.Println("#   NVRCORE_INGEST_READ_TIMEOUT, NVRCORE_INGEST_RECONNECT_DELAY")
	fmt.Println("#   NVRCORE_LOGGING_LEVEL, NVRCORE_LOGGING_FORMAT")
	fmt.Println("#")
	fmt.Println("")
	fmt.Print(string(yamlData))

	return nil
}
