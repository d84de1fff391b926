package cmd

import (
	"fmt"
	"log/slog"

	"github.com/MeKo-Tech/leafy/internal/models"
	"github.com/MeKo-Tech/leafy/internal/registry"
	"github.com/spf13/cobra"
)

// cropsCmd reports which crop models load from the models directory.
var cropsCmd = &cobra.Command{
	Use:   "crops",
	Short: "List crop models and whether they load",
	Long: `Load every configured crop model the way the server does at startup
and report which crops are available and why the others were skipped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := GetConfig()
		regCfg := cfg.ToRegistryConfig()
		reg, report := registry.Load(regCfg, slog.Default())
		defer func() { _ = reg.Close() }()

		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "Models directory: %s\n\n", models.GetModelsDir(regCfg.ModelsDir))
		for _, crop := range report.Loaded {
			cat, _ := reg.Catalog(crop)
			_, _ = fmt.Fprintf(out, "  %-8s loaded   %d classes\n", crop, cat.Len())
		}
		for _, s := range report.Skipped {
			_, _ = fmt.Fprintf(out, "  %-8s skipped  %s\n", s.Crop, s.Reason)
		}
		_, _ = fmt.Fprintf(out, "\n%d of %d crops available\n", len(report.Loaded), len(report.Loaded)+len(report.Skipped))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cropsCmd)
}
