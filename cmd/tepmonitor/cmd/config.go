package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"tepmonitor/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration utilities",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration (defaults plus any --config overlay) as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		enc := yaml.NewEncoder(os.Stdout)
		defer enc.Close()
		return enc.Encode(cfg)
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
}

func loadConfig() (config.Config, error) {
	cfg := config.Defaults()
	if configPath == "" {
		return cfg, nil
	}
	if _, err := os.Stat(configPath); err != nil {
		return cfg, fmt.Errorf("config: overlay %s not found: %w", configPath, err)
	}
	return config.LoadOverlay(cfg, configPath)
}
