package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mcpgateway/control-plane/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the effective configuration as YAML, after defaults, config file,
and environment variable overrides have been applied. Secrets are redacted.`,
	RunE: runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.Identity.Password != "" {
		cfg.Identity.Password = "<redacted>"
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}

	if configFile := config.ConfigFileUsed(); configFile != "" {
		fmt.Printf("# loaded from %s\n", configFile)
	} else {
		fmt.Println("# no config file found, showing defaults and environment overrides")
	}
	fmt.Print(string(out))
	return nil
}
