// Package gatemcp exposes the quality pipeline over MCP so agent tooling
// can assess artifacts, run the acceptance gates, and request parameter
// corrections.
package gatemcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"vigil/internal/correct"
	"vigil/internal/gates"
	"vigil/internal/logging"
	"vigil/internal/score"
)

// Server wraps the MCP SDK server around the pipeline components. Run with
// s.MCPServer.Run(ctx, &sdkmcp.StdioTransport{}).
type Server struct {
	MCPServer *sdkmcp.Server

	analyzer *score.Analyzer
	orch     *gates.Orchestrator
	engine   *correct.Engine

	mu         sync.Mutex
	lastReport *gates.Report
	log        *slog.Logger
}

// NewServer creates the MCP server with the pipeline tools registered.
func NewServer(analyzer *score.Analyzer, orch *gates.Orchestrator, engine *correct.Engine, version string) *Server {
	s := &Server{
		MCPServer: sdkmcp.NewServer(
			&sdkmcp.Implementation{Name: "vigil", Version: version},
			nil,
		),
		analyzer: analyzer,
		orch:     orch,
		engine:   engine,
		log:      logging.New("gatemcp"),
	}
	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "assess_artifact",
		Description: "Assess a media artifact against quality thresholds. Returns score, pass/fail and rejection reasons.",
	}, s.handleAssess)

	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "run_gates",
		Description: "Run the four acceptance gates over a production unit. Returns the aggregate report.",
	}, s.handleRunGates)

	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "correct_parameters",
		Description: "Assess a failed artifact and synthesize corrected generation parameters for it.",
	}, s.handleCorrect)

	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "get_report",
		Description: "Get the most recent gate report produced by run_gates.",
	}, s.handleGetReport)
}

// --- Tool input/output types ---

type assessInput struct {
	Path string `json:"path" jsonschema:"path to the media artifact (png, jpeg or gif)"`
}

type assessOutput struct {
	Passes  bool     `json:"passes"`
	Score   float64  `json:"score"`
	Width   int      `json:"width"`
	Height  int      `json:"height"`
	Reasons []string `json:"reasons,omitempty"`
}

type runGatesInput struct {
	gates.RunInput
}

type runGatesOutput struct {
	RunID           string   `json:"run_id"`
	OverallPass     bool     `json:"overall_pass"`
	AverageScore    float64  `json:"average_score"`
	Issues          []string `json:"issues,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
	Missing         []string `json:"missing,omitempty"`
}

type correctInput struct {
	OriginalArtifactID string         `json:"original_artifact_id" jsonschema:"correlation id of the failed generation"`
	ArtifactPath       string         `json:"artifact_path" jsonschema:"path to the rejected artifact"`
	Parameters         map[string]any `json:"parameters" jsonschema:"the parameter graph that produced the artifact"`
}

type correctOutput struct {
	NoFix             bool           `json:"no_fix"`
	AttemptsExhausted bool           `json:"attempts_exhausted"`
	Passes            bool           `json:"passes"`
	Parameters        map[string]any `json:"parameters,omitempty"`
	AppliedRules      []string       `json:"applied_rules,omitempty"`
	Reasons           []string       `json:"reasons,omitempty"`
}

type getReportInput struct{}

type getReportOutput struct {
	Report *gates.Report `json:"report,omitempty"`
	Status string        `json:"status"`
}

// --- Tool handlers ---

func (s *Server) handleAssess(_ context.Context, _ *sdkmcp.CallToolRequest, input assessInput) (*sdkmcp.CallToolResult, assessOutput, error) {
	if input.Path == "" {
		return nil, assessOutput{}, fmt.Errorf("path is required")
	}
	r := s.analyzer.AssessFile(input.Path)
	return nil, assessOutput{
		Passes:  r.Passes,
		Score:   r.QualityScore,
		Width:   r.Width,
		Height:  r.Height,
		Reasons: r.RejectionMessages(),
	}, nil
}

func (s *Server) handleRunGates(ctx context.Context, _ *sdkmcp.CallToolRequest, input runGatesInput) (*sdkmcp.CallToolResult, runGatesOutput, error) {
	report, err := s.orch.RunAllGates(ctx, &input.RunInput)
	if err != nil {
		var verr *gates.ValidationError
		if errors.As(err, &verr) {
			return nil, runGatesOutput{Missing: verr.Missing}, fmt.Errorf("validation failed: %w", err)
		}
		return nil, runGatesOutput{}, err
	}

	s.mu.Lock()
	s.lastReport = report
	s.mu.Unlock()

	return nil, runGatesOutput{
		RunID:           report.RunID,
		OverallPass:     report.OverallPass,
		AverageScore:    report.AverageScore,
		Issues:          report.Issues,
		Recommendations: report.Recommendations,
	}, nil
}

func (s *Server) handleCorrect(ctx context.Context, _ *sdkmcp.CallToolRequest, input correctInput) (*sdkmcp.CallToolResult, correctOutput, error) {
	if input.OriginalArtifactID == "" {
		return nil, correctOutput{}, fmt.Errorf("original_artifact_id is required")
	}
	if input.ArtifactPath == "" {
		return nil, correctOutput{}, fmt.Errorf("artifact_path is required")
	}
	if len(input.Parameters) == 0 {
		return nil, correctOutput{}, fmt.Errorf("parameters are required")
	}

	result := s.analyzer.AssessFile(input.ArtifactPath)
	if result.Passes {
		return nil, correctOutput{Passes: true}, nil
	}

	corr, err := s.engine.Correct(ctx, input.OriginalArtifactID, input.Parameters, result)
	switch {
	case errors.Is(err, correct.ErrNoFix):
		return nil, correctOutput{NoFix: true, Reasons: result.RejectionMessages()}, nil
	case errors.Is(err, correct.ErrAttemptsExhausted):
		return nil, correctOutput{AttemptsExhausted: true, Reasons: result.RejectionMessages()}, nil
	case err != nil:
		return nil, correctOutput{}, fmt.Errorf("correct_parameters: %w", err)
	}

	s.log.Info("correction served", "artifact", input.OriginalArtifactID, "rules", corr.AppliedRules)
	return nil, correctOutput{
		Parameters:   corr.Parameters,
		AppliedRules: corr.AppliedRules,
		Reasons:      result.RejectionMessages(),
	}, nil
}

func (s *Server) handleGetReport(_ context.Context, _ *sdkmcp.CallToolRequest, _ getReportInput) (*sdkmcp.CallToolResult, getReportOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastReport == nil {
		return nil, getReportOutput{Status: "no_report"}, nil
	}
	return nil, getReportOutput{Report: s.lastReport, Status: "ok"}, nil
}
