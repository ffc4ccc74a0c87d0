package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	yaml "gopkg.in/yaml.v3"

	"vigil/internal/gates"
	"vigil/internal/semantic"
)

var gatesFlags struct {
	inputPath string
	mode      string
	reportDir string
}

var gatesCmd = &cobra.Command{
	Use:   "gates",
	Short: "Run the four-gate acceptance check over a production unit",
	Long: `Runs reference-asset, keyframe-fidelity, temporal-smoothness and
final-delivery gates over the production unit described by the input file,
then prints the aggregate report.`,
	RunE: runGates,
}

func init() {
	f := gatesCmd.Flags()
	f.StringVarP(&gatesFlags.inputPath, "file", "f", "", "Production-unit description (YAML or JSON, required)")
	f.StringVar(&gatesFlags.mode, "mode", "", "Execution mode: sequential or parallel (default from config)")
	f.StringVar(&gatesFlags.reportDir, "report-dir", "", "Directory to persist the report JSON into")

	_ = gatesCmd.MarkFlagRequired("file")
}

func runGates(cmd *cobra.Command, _ []string) error {
	in, err := loadRunInput(gatesFlags.inputPath)
	if err != nil {
		return err
	}

	analyzer, err := buildAnalyzer(cfg)
	if err != nil {
		return err
	}
	gcfg := gates.Config{
		Mode:                 cfg.Gates.Mode,
		FidelityTarget:       cfg.Gates.FidelityTarget,
		SmoothnessTarget:     cfg.Gates.SmoothnessTarget,
		CohesionThreshold:    cfg.Gates.CohesionThreshold,
		SyncToleranceSeconds: cfg.Gates.SyncToleranceSecs,
	}
	if gatesFlags.mode != "" {
		gcfg.Mode = gatesFlags.mode
	}

	var opts []gates.Option
	if gatesFlags.reportDir != "" {
		opts = append(opts, gates.WithReportDir(gatesFlags.reportDir))
	}
	if oc := buildOracle(cfg); oc != nil {
		opts = append(opts, gates.WithNotifier(oc))
	}

	orch := gates.NewOrchestrator(analyzer, semantic.NewScorer(nil), gcfg, opts...)
	report, err := orch.RunAllGates(cmd.Context(), in)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, g := range report.Gates {
		status := "PASS"
		if !g.Pass {
			status = "FAIL"
		}
		fmt.Fprintf(out, "Gate %d %-20s %s  score=%.2f\n", g.GateID, g.Name, status, g.Score)
		for _, issue := range g.Issues {
			fmt.Fprintf(out, "       - %s\n", issue)
		}
	}
	fmt.Fprintf(out, "Overall: %v  average=%.2f\n", report.OverallPass, report.AverageScore)
	for _, rec := range report.Recommendations {
		fmt.Fprintf(out, "Recommend: %s\n", rec)
	}
	if !report.OverallPass {
		return fmt.Errorf("gate check failed")
	}
	return nil
}

// loadRunInput parses the production-unit description. JSON input goes
// through encoding/json so the json tags apply; everything else is YAML.
func loadRunInput(path string) (*gates.RunInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	var in gates.RunInput
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		if err := json.Unmarshal(data, &in); err != nil {
			return nil, fmt.Errorf("parse input: %w", err)
		}
		return &in, nil
	}
	if err := yaml.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("parse input: %w", err)
	}
	return &in, nil
}
