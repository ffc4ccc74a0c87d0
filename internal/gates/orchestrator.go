package gates

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"vigil/internal/logging"
	"vigil/internal/score"
	"vigil/internal/semantic"
)

// Config tunes the orchestrator. Zero values fall back to defaults.
type Config struct {
	Mode                 string // "sequential" or "parallel"
	FidelityTarget       float64
	SmoothnessTarget     float64
	CohesionThreshold    float64
	SyncToleranceSeconds float64
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = "parallel"
	}
	if c.FidelityTarget == 0 {
		c.FidelityTarget = 0.75
	}
	if c.SmoothnessTarget == 0 {
		c.SmoothnessTarget = 0.70
	}
	if c.CohesionThreshold == 0 {
		c.CohesionThreshold = 0.05
	}
	if c.SyncToleranceSeconds == 0 {
		c.SyncToleranceSeconds = 0.5
	}
}

// Notifier receives the finished report as an advisory learning signal.
type Notifier interface {
	Notify(ctx context.Context, text, queryContext string)
}

// Orchestrator validates inputs and runs the four gates.
type Orchestrator struct {
	fs        afero.Fs
	analyzer  *score.Analyzer
	scorer    *semantic.Scorer
	cfg       Config
	notifier  Notifier
	reportDir string
	log       *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithFS substitutes the filesystem, used by tests.
func WithFS(fs afero.Fs) Option {
	return func(o *Orchestrator) { o.fs = fs }
}

// WithNotifier forwards finished reports fire-and-forget.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithReportDir persists each report as JSON under dir.
func WithReportDir(dir string) Option {
	return func(o *Orchestrator) { o.reportDir = dir }
}

// NewOrchestrator builds an orchestrator over the given analyzer and scorer.
func NewOrchestrator(analyzer *score.Analyzer, scorer *semantic.Scorer, cfg Config, opts ...Option) *Orchestrator {
	cfg.applyDefaults()
	o := &Orchestrator{
		fs:       afero.NewOsFs(),
		analyzer: analyzer,
		scorer:   scorer,
		cfg:      cfg,
		log:      logging.New("gates"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Report is the aggregate outcome of one gate run.
type Report struct {
	RunID           string       `json:"run_id"`
	OverallPass     bool         `json:"overall_pass"`
	AverageScore    float64      `json:"average_score"`
	Gates           []GateResult `json:"gates"`
	Issues          []string     `json:"issues,omitempty"`
	Recommendations []string     `json:"recommendations,omitempty"`
	NextSteps       []string     `json:"next_steps,omitempty"`
	GeneratedAt     time.Time    `json:"generated_at"`
}

// ValidationError lists every referenced file that does not exist. Returned
// before any gate runs.
type ValidationError struct {
	Missing []string
}

func (e *ValidationError) Error() string {
	return "missing referenced files: " + strings.Join(e.Missing, ", ")
}

// RunAllGates validates the input, runs the four gates in the configured
// mode, and aggregates one report. Cancelling mid-run still yields a report
// with unfinished gates marked failed; sequential and parallel runs produce
// identical content for identical inputs.
func (o *Orchestrator) RunAllGates(ctx context.Context, in *RunInput) (*Report, error) {
	if err := o.validate(in); err != nil {
		return nil, err
	}

	type checker struct {
		id   int
		name string
		run  func(context.Context, *RunInput) GateResult
	}
	checkers := []checker{
		{GateReferenceAssets, "reference-assets", o.gateAssets},
		{GateKeyframes, "keyframe-fidelity", o.gateKeyframes},
		{GateSmoothness, "temporal-smoothness", o.gateSmoothness},
		{GateDelivery, "final-delivery", o.gateDelivery},
	}

	results := make([]GateResult, len(checkers))
	runOne := func(i int) {
		c := checkers[i]
		if ctx.Err() != nil {
			results[i] = cancelledResult(c.id, c.name)
			return
		}
		defer func() {
			if r := recover(); r != nil {
				o.log.Error("gate panicked", "gate", c.id, "panic", r)
				results[i] = GateResult{
					GateID: c.id,
					Name:   c.name,
					Issues: []string{fmt.Sprintf("gate failed: %v", r)},
				}
			}
		}()
		results[i] = c.run(ctx, in)
	}

	start := time.Now()
	if o.cfg.Mode == "sequential" {
		for i := range checkers {
			runOne(i)
		}
	} else {
		var g errgroup.Group
		for i := range checkers {
			g.Go(func() error {
				runOne(i)
				return nil
			})
		}
		_ = g.Wait() // gate faults land in results, never here
	}

	report := o.aggregate(results)
	o.log.Info("gate run complete",
		"run_id", report.RunID,
		"pass", report.OverallPass,
		"average_score", fmt.Sprintf("%.2f", report.AverageScore),
		"mode", o.cfg.Mode,
		"elapsed", time.Since(start))

	o.persist(report)
	if o.notifier != nil {
		blob, _ := json.Marshal(report)
		go o.notifier.Notify(context.WithoutCancel(ctx), string(blob), "gate report learning signal")
	}
	return report, nil
}

// validate checks every referenced file exists, collecting the full list of
// missing paths instead of stopping at the first.
func (o *Orchestrator) validate(in *RunInput) error {
	var paths []string
	for _, a := range in.ReferenceAssets {
		paths = append(paths, a.Path)
	}
	paths = append(paths, in.Keyframes...)
	paths = append(paths, in.FramePaths...)
	if in.VideoPath != "" {
		paths = append(paths, in.VideoPath)
	}

	var missing []string
	for _, p := range paths {
		exists, err := afero.Exists(o.fs, p)
		if err != nil || !exists {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return &ValidationError{Missing: missing}
	}
	return nil
}

func (o *Orchestrator) aggregate(results []GateResult) *Report {
	report := &Report{
		RunID:       ulid.Make().String(),
		OverallPass: true,
		Gates:       results,
		GeneratedAt: time.Now().UTC(),
	}
	var total float64
	for _, r := range results {
		report.OverallPass = report.OverallPass && r.Pass
		total += r.Score
		for _, issue := range r.Issues {
			report.Issues = append(report.Issues, fmt.Sprintf("Gate %d: %s", r.GateID, issue))
		}
	}
	report.AverageScore = total / float64(len(results))
	report.Recommendations = recommend(report.Issues)
	if report.OverallPass {
		report.NextSteps = []string{"Archive the production unit and record parameters as best-known."}
	} else {
		report.NextSteps = []string{"Address the listed issues and re-run the gate check."}
	}
	return report
}

// recommendation rules, matched in fixed order over concatenated issue text.
var recommendationRules = []struct {
	keywords []string
	advice   string
}{
	{[]string{"temporal", "flicker"}, "Review frame-interpolation and motion-consistency settings."},
	{[]string{"resolution"}, "Raise the render resolution before regenerating."},
	{[]string{"sharpness", "quality score"}, "Increase sampling steps or switch to a higher-fidelity sampler."},
	{[]string{"sync delta", "scene cut"}, "Re-align audio and video track durations and cut points."},
	{[]string{"cohesion", "pacing"}, "Revise scene prompts so generated content follows the narrative."},
	{[]string{"version mismatch"}, "Regenerate reference assets from a single asset-pack version."},
	{[]string{"bitrate"}, "Re-encode the delivery at a higher bitrate."},
}

// recommend derives deterministic advice from issue text.
func recommend(issues []string) []string {
	if len(issues) == 0 {
		return nil
	}
	joined := strings.ToLower(strings.Join(issues, " "))
	var out []string
	for _, rule := range recommendationRules {
		for _, kw := range rule.keywords {
			if strings.Contains(joined, kw) {
				out = append(out, rule.advice)
				break
			}
		}
	}
	return out
}

func cancelledResult(id int, name string) GateResult {
	return GateResult{GateID: id, Name: name, Issues: []string{"cancelled"}}
}

// persist writes the report JSON under the configured report directory.
func (o *Orchestrator) persist(report *Report) {
	if o.reportDir == "" {
		return
	}
	if err := o.fs.MkdirAll(o.reportDir, 0o755); err != nil {
		o.log.Warn("report dir unavailable", "dir", o.reportDir, "error", err)
		return
	}
	blob, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		o.log.Warn("report marshal failed", "error", err)
		return
	}
	path := filepath.Join(o.reportDir, report.RunID+".json")
	if err := afero.WriteFile(o.fs, path, blob, 0o644); err != nil {
		o.log.Warn("report write failed", "path", path, "error", err)
	}
}
