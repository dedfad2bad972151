// Command statsd is the engine's CLI entrypoint, grounded on the
// teacher's cmd/server/main.go argument-switch plus the "kcli"-style
// cobra command tree the rest of the pack uses (spec.md's CLI/config
// loading collaborator is out of scope for the engine itself, but
// SPEC_FULL.md's Ambient Stack still wants a real entrypoint wiring
// every component together).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"homestats/internal/config"
)

// Version is set at build time via -ldflags, matching the teacher's
// ServerVersion pattern.
var Version = "dev"

var configPath string

func main() {
	root := &cobra.Command{
		Use:     "statsd",
		Short:   "Time-series statistics engine for home automation entities",
		Version: Version,
	}
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "path to statsd.yaml")

	root.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newValidateSchemaCmd(),
		newRepairDuplicatesCmd(),
		newSetAdminPasswordCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "statsd: %v\n", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	if v := os.Getenv("STATSD_CONFIG"); v != "" {
		return v
	}
	return "statsd.yaml"
}

func loadConfig() (config.Config, error) {
	return config.Load(configPath)
}
