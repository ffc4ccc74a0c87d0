package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusFlags struct {
	promptID string
	alerts   int
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show learning-store state and recent alerts",
	RunE:  runStatus,
}

func init() {
	f := statusCmd.Flags()
	f.StringVar(&statusFlags.promptID, "prompt-id", "", "Show the stored assessment for this prompt id")
	f.IntVar(&statusFlags.alerts, "alerts", 10, "How many recent alerts to list")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	out := cmd.OutOrStdout()

	if statusFlags.promptID != "" {
		a, err := st.GetAssessment(statusFlags.promptID)
		if err != nil {
			return fmt.Errorf("load assessment: %w", err)
		}
		if a == nil {
			fmt.Fprintf(out, "No assessment recorded for %s\n", statusFlags.promptID)
		} else {
			fmt.Fprintf(out, "Prompt:   %s\n", a.PromptID)
			fmt.Fprintf(out, "Artifact: %s\n", a.ArtifactPath)
			fmt.Fprintf(out, "Score:    %.2f\n", a.Score)
			fmt.Fprintf(out, "Passes:   %v\n", a.Passes)
			for _, r := range a.Reasons {
				fmt.Fprintf(out, "  - %s\n", r)
			}
		}
	}

	alerts, err := st.ListAlerts(statusFlags.alerts)
	if err != nil {
		return fmt.Errorf("list alerts: %w", err)
	}
	if len(alerts) == 0 {
		fmt.Fprintln(out, "No alerts.")
		return nil
	}
	fmt.Fprintf(out, "Alerts (%d):\n", len(alerts))
	for _, a := range alerts {
		fmt.Fprintf(out, "  [%s] %s  %s\n", a.AlertType, a.CreatedAt.Format("2006-01-02 15:04:05"), a.Message)
	}
	return nil
}
