package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var assessFlags struct {
	jsonOut bool
}

var assessCmd = &cobra.Command{
	Use:   "assess <artifact>...",
	Short: "Assess media artifacts against the quality thresholds",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAssess,
}

func init() {
	assessCmd.Flags().BoolVar(&assessFlags.jsonOut, "json", false, "Emit full score results as JSON")
}

func runAssess(cmd *cobra.Command, args []string) error {
	analyzer, err := buildAnalyzer(cfg)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	failed := 0
	for _, path := range args {
		result := analyzer.AssessFile(path)
		if !result.Passes {
			failed++
		}
		if assessFlags.jsonOut {
			if err := printJSON(out, result); err != nil {
				return err
			}
			continue
		}
		if result.Passes {
			fmt.Fprintf(out, "PASS  %s  score=%.2f  %dx%d\n", path, result.QualityScore, result.Width, result.Height)
			continue
		}
		fmt.Fprintf(out, "FAIL  %s  score=%.2f\n", path, result.QualityScore)
		for _, reason := range result.RejectionMessages() {
			fmt.Fprintf(out, "      - %s\n", reason)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d artifacts failed assessment", failed, len(args))
	}
	return nil
}
