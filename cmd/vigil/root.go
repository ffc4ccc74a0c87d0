package main

import (
	"github.com/spf13/cobra"

	"vigil/internal/config"
	"vigil/internal/logging"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootFlags struct {
	configPath string
}

// cfg is loaded once before any subcommand runs.
var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "vigil",
	Short: "Quality gates and auto-correction for generated media",
	Long: "Vigil assesses AI-generated images and clips against quality thresholds,\n" +
		"runs a four-gate acceptance check over finished production units, and\n" +
		"synthesizes corrected generation parameters for rejected artifacts.",
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootFlags.configPath, "config", "", "Path to config file (YAML or JSON)")
	rootCmd.AddCommand(assessCmd)
	rootCmd.AddCommand(gatesCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(correctCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.Version = version
}

func setup(_ *cobra.Command, _ []string) error {
	var err error
	if rootFlags.configPath != "" {
		cfg, err = config.LoadFromPath(rootFlags.configPath)
		if err != nil {
			return err
		}
	} else {
		cfg = config.Default()
	}
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logging.Init(level, cfg.Log.Format)
	return nil
}
