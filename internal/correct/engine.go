// Package correct synthesizes corrected generation parameters for artifacts
// that failed assessment. Corrections come from three layers, applied in
// order: diagnosis-driven rule mutations, a learned overlay from the best
// parameters seen for the same prompt, and an optional oracle rewrite of the
// positive prompt. The engine degrades a missing layer silently; it refuses
// to correct only when no layer produced a change.
package correct

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/oklog/ulid/v2"

	"vigil/internal/learn"
	"vigil/internal/logging"
	"vigil/internal/score"
)

// ErrNoFix means no correction rule applies to the rejection reasons and no
// learned parameters exist. Callers stop resubmitting; this is an outcome,
// not a fault.
var ErrNoFix = errors.New("no correction available")

// ErrAttemptsExhausted means the artifact already burned its correction
// budget. The engine raises a manual-review alert before returning it.
var ErrAttemptsExhausted = errors.New("correction attempts exhausted")

// DefaultMaxAttempts bounds the correction loop per original artifact.
const DefaultMaxAttempts = 3

// DefaultLearnedMinScore gates the learned overlay: stored parameters below
// this score are not trusted to override rule output.
const DefaultLearnedMinScore = 0.8

// PromptRewriter is the advisory oracle surface the engine needs. A nil
// rewriter disables the rewrite layer.
type PromptRewriter interface {
	Query(ctx context.Context, text, queryContext string) (string, error)
}

// Config tunes the engine. Zero values fall back to the defaults.
type Config struct {
	MaxAttempts     int
	LearnedMinScore float64
}

// Engine owns the correction pipeline.
type Engine struct {
	store           learn.Store
	rewriter        PromptRewriter
	maxAttempts     int
	learnedMinScore float64
	log             *slog.Logger
}

// NewEngine wires a correction engine over the learning store. rewriter may
// be nil.
func NewEngine(store learn.Store, rewriter PromptRewriter, cfg Config) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.LearnedMinScore <= 0 {
		cfg.LearnedMinScore = DefaultLearnedMinScore
	}
	return &Engine{
		store:           store,
		rewriter:        rewriter,
		maxAttempts:     cfg.MaxAttempts,
		learnedMinScore: cfg.LearnedMinScore,
		log:             logging.New("correct"),
	}
}

// Correction is one synthesized retry: the mutated parameter graph plus the
// lineage record. The record's CorrectedArtifactID is bound by Commit once
// the resubmission is accepted.
type Correction struct {
	Parameters      map[string]any
	AppliedRules    []string
	LearnedOverlay  bool
	PromptRewritten bool
	Record          *learn.CorrectionRecord
}

// Correct synthesizes corrected parameters for a failed assessment. It
// returns ErrAttemptsExhausted when the per-artifact budget is spent and
// ErrNoFix when no layer produced a change; any other error is a store
// fault.
func (e *Engine) Correct(ctx context.Context, originalArtifactID string, params map[string]any, result *score.ScoreResult) (*Correction, error) {
	if result == nil || result.Passes {
		return nil, ErrNoFix
	}
	prior, err := e.store.CorrectionsFor(originalArtifactID)
	if err != nil {
		return nil, fmt.Errorf("load correction history: %w", err)
	}
	if len(prior) >= e.maxAttempts {
		e.flagManualReview(originalArtifactID, result)
		return nil, ErrAttemptsExhausted
	}

	fingerprint := learn.Fingerprint(params)
	if err := e.store.RecordFailure(fingerprint, params, result.RejectionMessages()); err != nil {
		e.log.Warn("failed to record failure", "error", err)
	}

	mutated, ok := deepCopy(params).(map[string]any)
	if !ok {
		mutated = map[string]any{}
	}
	applied := applyRules(mutated, result.Reasons)

	learnedUsed := e.overlayLearned(fingerprint, mutated)
	if learnedUsed {
		applied = append(applied, "learned-overlay")
	}

	rewritten := e.rewritePrompt(ctx, mutated, result)
	if rewritten {
		applied = append(applied, "oracle-rewrite")
	}

	if len(applied) == 0 {
		e.log.Info("no correction rule matched",
			"artifact", originalArtifactID,
			"reasons", result.RejectionMessages())
		return nil, ErrNoFix
	}

	corr := &Correction{
		Parameters:      mutated,
		AppliedRules:    applied,
		LearnedOverlay:  learnedUsed,
		PromptRewritten: rewritten,
		Record: &learn.CorrectionRecord{
			ID:                 ulid.Make().String(),
			OriginalArtifactID: originalArtifactID,
			Parameters:         mutated,
		},
	}
	e.log.Info("correction synthesized",
		"artifact", originalArtifactID,
		"attempt", len(prior)+1,
		"rules", applied)
	return corr, nil
}

// Commit binds the resubmitted artifact id to the correction and persists
// the lineage record. Call it after the renderer accepted the retry.
func (e *Engine) Commit(corr *Correction, correctedArtifactID string) error {
	if corr == nil || corr.Record == nil {
		return errors.New("nil correction")
	}
	corr.Record.CorrectedArtifactID = correctedArtifactID
	return e.store.SaveCorrection(corr.Record)
}

// Attempts reports how many corrections have been committed for an artifact.
func (e *Engine) Attempts(originalArtifactID string) int {
	prior, err := e.store.CorrectionsFor(originalArtifactID)
	if err != nil {
		return 0
	}
	return len(prior)
}

// RecordOutcome feeds an assessment back into the learning store: passing
// parameters compete for best-known, failing ones land in the failure
// window.
func (e *Engine) RecordOutcome(params map[string]any, result *score.ScoreResult) {
	fingerprint := learn.Fingerprint(params)
	if result.Passes {
		if _, err := e.store.UpsertBest(fingerprint, params, result.QualityScore); err != nil {
			e.log.Warn("failed to record success", "error", err)
		}
		return
	}
	if err := e.store.RecordFailure(fingerprint, params, result.RejectionMessages()); err != nil {
		e.log.Warn("failed to record failure", "error", err)
	}
}

// overlayLearned copies sampler, steps and guidance from the best-known
// parameter set when its score clears the trust threshold. Learned values
// take precedence over rule output for the fields they cover.
func (e *Engine) overlayLearned(fingerprint string, mutated map[string]any) bool {
	best, err := e.store.BestParameters(fingerprint)
	if err != nil || best == nil || best.QualityScore < e.learnedMinScore {
		return false
	}
	overlaid := false
	if steps, ok := findNumber(best.Parameters, "steps"); ok {
		if setNumber(mutated, "steps", steps) {
			overlaid = true
		}
	}
	if cfg, key, ok := findNumberKeys(best.Parameters, "cfg", "cfg_scale", "guidance_scale"); ok {
		if setNumber(mutated, key, cfg) {
			overlaid = true
		}
	}
	if sampler, key, ok := findStringKeys(best.Parameters, "sampler", "sampler_name"); ok {
		if setString(mutated, key, sampler) {
			overlaid = true
		}
	}
	if overlaid {
		e.log.Debug("learned parameters applied",
			"fingerprint", fingerprint,
			"score", best.QualityScore)
	}
	return overlaid
}

// rewritePrompt asks the oracle for a refined positive prompt and swaps it
// in. Oracle failures leave the prompt untouched.
func (e *Engine) rewritePrompt(ctx context.Context, mutated map[string]any, result *score.ScoreResult) bool {
	if e.rewriter == nil {
		return false
	}
	path, prompt, ok := longestTextPath(mutated)
	if !ok {
		return false
	}
	queryContext := "rejected: " + strings.Join(result.RejectionMessages(), "; ")
	refined, err := e.rewriter.Query(ctx, prompt, queryContext)
	if err != nil {
		e.log.Debug("oracle rewrite unavailable", "error", err)
		return false
	}
	refined = strings.TrimSpace(refined)
	if refined == "" || refined == prompt {
		return false
	}
	setAtPath(mutated, path, refined)
	return true
}

func (e *Engine) flagManualReview(originalArtifactID string, result *score.ScoreResult) {
	alert := &learn.PerformanceAlert{
		AlertType: "manual_review",
		Message:   fmt.Sprintf("artifact %s exhausted %d correction attempts", originalArtifactID, e.maxAttempts),
		Snapshot: map[string]any{
			"artifact_id": originalArtifactID,
			"reasons":     result.RejectionMessages(),
		},
	}
	if err := e.store.RaiseAlert(alert); err != nil {
		e.log.Warn("failed to raise manual-review alert", "error", err)
	}
	e.log.Warn("correction attempts exhausted",
		"artifact", originalArtifactID,
		"max_attempts", e.maxAttempts)
}
