// Package cli implements the ocrd command-line interface using Cobra.
package cli

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tutu-network/ocrd/internal/daemon"
)

var (
	configPath string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "ocrd",
	Short: "Run document recognition workers as tracked tasks",
	Long: `ocrd accepts PDF and image files, runs an external recognition worker
for each one and tracks its progress until the results are on disk.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debug {
			log.SetLevel(log.DebugLevel)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config.toml (default $OCRD_HOME/config.toml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Print debug information")
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the effective configuration for a command.
func loadConfig() (daemon.Config, error) {
	var (
		cfg daemon.Config
		err error
	)
	if configPath != "" {
		cfg, err = daemon.LoadConfigFile(configPath)
	} else {
		cfg, err = daemon.LoadConfig()
	}
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

// newDaemon wires a daemon from the effective configuration.
func newDaemon() (*daemon.Daemon, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return daemon.NewWithConfig(cfg, rootCmd.Version)
}
