package main

import (
	"encoding/json"
	"fmt"
	"io"

	"vigil/internal/config"
	"vigil/internal/correct"
	"vigil/internal/learn"
	"vigil/internal/oracle"
	"vigil/internal/score"
)

// buildAnalyzer maps analyzer config onto a scoring instance.
func buildAnalyzer(c *config.Config) (*score.Analyzer, error) {
	return score.NewAnalyzer(score.Thresholds{
		MinWidth:        c.Analyzer.MinWidth,
		MinHeight:       c.Analyzer.MinHeight,
		MinDuration:     c.Analyzer.MinDurationSecs,
		MaxFileSizeMB:   c.Analyzer.MaxFileSizeMB,
		MinFrameRate:    c.Analyzer.MinFrameRate,
		MinOverallScore: c.Analyzer.MinOverallScore,
	}, c.Analyzer.CacheCapacity)
}

// openStore opens the configured learning store: sqlite when a path is set,
// in-memory otherwise.
func openStore(c *config.Config) (learn.Store, error) {
	if c.Store.Path == "" {
		return learn.NewMemStore(), nil
	}
	return learn.Open(c.Store.Path)
}

// buildOracle returns the advisory oracle client, or nil when disabled.
func buildOracle(c *config.Config) *oracle.Client {
	if !c.Oracle.Enabled || c.Oracle.BaseURL == "" {
		return nil
	}
	return oracle.New(c.Oracle.BaseURL, c.OracleTimeout(), nil)
}

// buildEngine wires the correction engine over the store and oracle.
func buildEngine(c *config.Config, st learn.Store) *correct.Engine {
	var rewriter correct.PromptRewriter
	if c.Correct.UseOracleRewrite {
		if oc := buildOracle(c); oc != nil {
			rewriter = oc
		}
	}
	return correct.NewEngine(st, rewriter, correct.Config{
		MaxAttempts:     c.Correct.MaxAttempts,
		LearnedMinScore: c.Correct.LearnedMinScore,
	})
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
