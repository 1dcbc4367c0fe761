package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/conductor/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	Long: `Display the configuration after merging defaults, the user config,
the project .conductor.yaml and CONDUCTOR_* environment variables.

User configuration is read from ~/.config/conductor/config.yaml.
Project-specific overrides can be placed in .conductor.yaml.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		return displayConfig(cfg)
	},
}

// displayConfig prints cfg as YAML with the API key masked.
func displayConfig(cfg *config.Config) error {
	shown := *cfg
	key, source, err := config.ResolveAPIKey(cfg)
	if err != nil {
		shown.Anthropic.APIKey = config.MaskAPIKey("")
	} else {
		shown.Anthropic.APIKey = fmt.Sprintf("%s (%s)", config.MaskAPIKey(key), source)
	}

	fmt.Printf("# user config:    %s\n", config.GetUserConfigPath())
	if project := config.GetProjectConfigPath(); project != "" {
		fmt.Printf("# project config: %s\n", project)
	}
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(shown); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}
