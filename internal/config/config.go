package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Config is the top-level pipeline configuration consumed by the CLI and the
// service layer. Zero values are filled in by applyDefaults.
type Config struct {
	Log      LogConfig      `yaml:"log" json:"log"`
	Renderer EndpointConfig `yaml:"renderer" json:"renderer"`
	Oracle   OracleConfig   `yaml:"oracle" json:"oracle"`
	Store    StoreConfig    `yaml:"store" json:"store"`
	Analyzer AnalyzerConfig `yaml:"analyzer" json:"analyzer"`
	Gates    GatesConfig    `yaml:"gates" json:"gates"`
	Monitor  MonitorConfig  `yaml:"monitor" json:"monitor"`
	Correct  CorrectConfig  `yaml:"correct" json:"correct"`
}

// LogConfig controls slog level and handler format.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"` // "text" or "json"
}

// EndpointConfig describes an HTTP collaborator.
type EndpointConfig struct {
	BaseURL        string `yaml:"base_url" json:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// OracleConfig describes the advisory language-model oracle.
type OracleConfig struct {
	BaseURL        string `yaml:"base_url" json:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
	Enabled        bool   `yaml:"enabled" json:"enabled"`
}

// StoreConfig selects the learning-store backing.
type StoreConfig struct {
	Path string `yaml:"path" json:"path"` // sqlite file; empty = in-memory
}

// AnalyzerConfig carries media thresholds and the assessment cache size.
type AnalyzerConfig struct {
	MinWidth        int     `yaml:"min_width" json:"min_width"`
	MinHeight       int     `yaml:"min_height" json:"min_height"`
	MinDurationSecs float64 `yaml:"min_duration_seconds" json:"min_duration_seconds"`
	MaxFileSizeMB   float64 `yaml:"max_file_size_mb" json:"max_file_size_mb"`
	MinFrameRate    float64 `yaml:"min_frame_rate" json:"min_frame_rate"`
	MinOverallScore float64 `yaml:"min_overall_score" json:"min_overall_score"`
	CacheCapacity   int     `yaml:"cache_capacity" json:"cache_capacity"`
}

// GatesConfig controls the comprehensive gate run.
type GatesConfig struct {
	Mode              string  `yaml:"mode" json:"mode"` // "sequential" or "parallel"
	FidelityTarget    float64 `yaml:"fidelity_target" json:"fidelity_target"`
	SmoothnessTarget  float64 `yaml:"smoothness_target" json:"smoothness_target"`
	CohesionThreshold float64 `yaml:"cohesion_threshold" json:"cohesion_threshold"`
	SyncToleranceSecs float64 `yaml:"sync_tolerance_seconds" json:"sync_tolerance_seconds"`
}

// MonitorConfig controls the real-time stream monitor.
type MonitorConfig struct {
	OutputDirs []string `yaml:"output_dirs" json:"output_dirs"`
	ArchiveDir string   `yaml:"archive_dir" json:"archive_dir"`
}

// CorrectConfig bounds the auto-correction loop.
type CorrectConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" json:"max_attempts"`
	LearnedMinScore  float64 `yaml:"learned_min_score" json:"learned_min_score"`
	UseOracleRewrite bool    `yaml:"use_oracle_rewrite" json:"use_oracle_rewrite"`
}

// RendererTimeout returns the renderer call timeout as a duration.
func (c *Config) RendererTimeout() time.Duration {
	return time.Duration(c.Renderer.TimeoutSeconds) * time.Second
}

// OracleTimeout returns the oracle call timeout as a duration.
func (c *Config) OracleTimeout() time.Duration {
	return time.Duration(c.Oracle.TimeoutSeconds) * time.Second
}

// LoadFromPath reads a config file (YAML or JSON) and returns the parsed Config.
// Format is detected by extension (.yaml/.yml → YAML, .json → JSON) or by
// content (first non-whitespace char).
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Load(data, filepath.Ext(path))
}

// Load parses a config from bytes. ext is the file extension for format hint;
// empty = detect from content.
func Load(data []byte, ext string) (*Config, error) {
	var c Config
	if err := unmarshalAuto(data, ext, &c); err != nil {
		return nil, err
	}
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Default returns a Config with every field at its default.
func Default() *Config {
	var c Config
	c.applyDefaults()
	return &c
}

func unmarshalAuto(data []byte, ext string, v any) error {
	ext = strings.ToLower(ext)
	if ext == ".yml" {
		ext = ".yaml"
	}
	switch ext {
	case ".yaml":
		if err := yaml.Unmarshal(data, v); err != nil {
			return fmt.Errorf("parse config yaml: %w", err)
		}
		return nil
	case ".json":
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("parse config json: %w", err)
		}
		return nil
	}
	// Detect: try JSON first (starts with {), else YAML.
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("parse config json: %w", err)
		}
		return nil
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Renderer.TimeoutSeconds == 0 {
		c.Renderer.TimeoutSeconds = 120
	}
	if c.Oracle.TimeoutSeconds == 0 {
		c.Oracle.TimeoutSeconds = 30
	}
	if c.Analyzer.MinWidth == 0 {
		c.Analyzer.MinWidth = 512
	}
	if c.Analyzer.MinHeight == 0 {
		c.Analyzer.MinHeight = 512
	}
	if c.Analyzer.MinDurationSecs == 0 {
		c.Analyzer.MinDurationSecs = 1.0
	}
	if c.Analyzer.MaxFileSizeMB == 0 {
		c.Analyzer.MaxFileSizeMB = 500
	}
	if c.Analyzer.MinFrameRate == 0 {
		c.Analyzer.MinFrameRate = 15
	}
	if c.Analyzer.MinOverallScore == 0 {
		c.Analyzer.MinOverallScore = 0.7
	}
	if c.Analyzer.CacheCapacity == 0 {
		c.Analyzer.CacheCapacity = 256
	}
	if c.Gates.Mode == "" {
		c.Gates.Mode = "parallel"
	}
	if c.Gates.FidelityTarget == 0 {
		c.Gates.FidelityTarget = 0.75
	}
	if c.Gates.SmoothnessTarget == 0 {
		c.Gates.SmoothnessTarget = 0.70
	}
	if c.Gates.CohesionThreshold == 0 {
		// Deliberately far below the other gate targets; see DESIGN.md.
		c.Gates.CohesionThreshold = 0.05
	}
	if c.Gates.SyncToleranceSecs == 0 {
		c.Gates.SyncToleranceSecs = 0.5
	}
	if len(c.Monitor.OutputDirs) == 0 {
		c.Monitor.OutputDirs = []string{"output"}
	}
	if c.Monitor.ArchiveDir == "" {
		c.Monitor.ArchiveDir = "archive"
	}
	if c.Correct.MaxAttempts == 0 {
		c.Correct.MaxAttempts = 3
	}
	if c.Correct.LearnedMinScore == 0 {
		c.Correct.LearnedMinScore = 0.8
	}
}

func (c *Config) validate() error {
	switch c.Gates.Mode {
	case "sequential", "parallel":
	default:
		return fmt.Errorf("gates.mode must be sequential or parallel, got %q", c.Gates.Mode)
	}
	if c.Correct.MaxAttempts < 1 {
		return fmt.Errorf("correct.max_attempts must be >= 1, got %d", c.Correct.MaxAttempts)
	}
	if c.Analyzer.MinOverallScore < 0 || c.Analyzer.MinOverallScore > 1 {
		return fmt.Errorf("analyzer.min_overall_score must be in [0,1], got %f", c.Analyzer.MinOverallScore)
	}
	return nil
}
