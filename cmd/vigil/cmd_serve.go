package main

import (
	"github.com/spf13/cobra"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"vigil/internal/gatemcp"
	"vigil/internal/gates"
	"vigil/internal/logging"
	"vigil/internal/semantic"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the quality pipeline over MCP on stdio",
	Long: `Starts an MCP server over stdin/stdout exposing assess_artifact,
run_gates, correct_parameters and get_report for agent tooling.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
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

	orch := gates.NewOrchestrator(analyzer, semantic.NewScorer(nil), gates.Config{
		Mode:                 cfg.Gates.Mode,
		FidelityTarget:       cfg.Gates.FidelityTarget,
		SmoothnessTarget:     cfg.Gates.SmoothnessTarget,
		CohesionThreshold:    cfg.Gates.CohesionThreshold,
		SyncToleranceSeconds: cfg.Gates.SyncToleranceSecs,
	})

	srv := gatemcp.NewServer(analyzer, orch, engine, version)
	logging.New("serve").Info("starting vigil MCP server over stdio")
	return srv.MCPServer.Run(cmd.Context(), &sdkmcp.StdioTransport{})
}
