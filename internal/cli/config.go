package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/tutu-network/ocrd/internal/daemon"
)

func init() {
	configCmd.Flags().BoolVar(&configSave, "save", false, "Write the effective configuration to $OCRD_HOME/config.toml")
	rootCmd.AddCommand(configCmd)
}

var configSave bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as TOML",
	Args:  cobra.NoArgs,
	RunE:  runConfig,
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if configSave {
		if err := daemon.SaveConfig(cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}
		fmt.Fprintf(os.Stderr, "Saved %s\n", filepath.Join(daemon.Home(), "config.toml"))
	}

	return toml.NewEncoder(os.Stdout).Encode(cfg)
}
