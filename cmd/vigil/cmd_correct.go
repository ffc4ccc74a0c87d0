package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"vigil/internal/correct"
)

var correctFlags struct {
	artifactID   string
	artifactPath string
	paramsPath   string
}

var correctCmd = &cobra.Command{
	Use:   "correct",
	Short: "Synthesize corrected generation parameters for a failed artifact",
	RunE:  runCorrect,
}

func init() {
	f := correctCmd.Flags()
	f.StringVar(&correctFlags.artifactID, "id", "", "Originating artifact/correlation id (required)")
	f.StringVar(&correctFlags.artifactPath, "artifact", "", "Path to the rejected artifact (required)")
	f.StringVar(&correctFlags.paramsPath, "params", "", "JSON file holding the parameter graph (required)")

	_ = correctCmd.MarkFlagRequired("id")
	_ = correctCmd.MarkFlagRequired("artifact")
	_ = correctCmd.MarkFlagRequired("params")
}

func runCorrect(cmd *cobra.Command, _ []string) error {
	data, err := os.ReadFile(correctFlags.paramsPath)
	if err != nil {
		return fmt.Errorf("read params: %w", err)
	}
	var params map[string]any
	if err := json.Unmarshal(data, &params); err != nil {
		return fmt.Errorf("parse params: %w", err)
	}

	analyzer, err := buildAnalyzer(cfg)
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	engine := buildEngine(cfg, st)

	result := analyzer.AssessFile(correctFlags.artifactPath)
	out := cmd.OutOrStdout()
	if result.Passes {
		fmt.Fprintf(out, "artifact passes (score %.2f), nothing to correct\n", result.QualityScore)
		return nil
	}

	corr, err := engine.Correct(cmd.Context(), correctFlags.artifactID, params, result)
	switch {
	case errors.Is(err, correct.ErrNoFix):
		return fmt.Errorf("no correction available, flag for manual review")
	case errors.Is(err, correct.ErrAttemptsExhausted):
		return fmt.Errorf("correction attempts exhausted, flag for manual review")
	case err != nil:
		return err
	}

	fmt.Fprintf(out, "applied rules: %v\n", corr.AppliedRules)
	return printJSON(out, corr.Parameters)
}
