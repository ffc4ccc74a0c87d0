// Package monitor consumes the renderer's ordered event stream, assesses
// finished artifacts as they land, and routes them: passing artifacts are
// archived and reported, failing ones enter the correction loop. The
// consumption loop never blocks on a correct-and-resubmit cycle; the
// resubmission outcome arrives as a later event on the same stream.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/spf13/afero"

	"vigil/internal/correct"
	"vigil/internal/learn"
	"vigil/internal/logging"
	"vigil/internal/renderer"
	"vigil/internal/score"
)

// seenCapacity bounds the content-hash dedupe window.
const seenCapacity = 512

// pruneInterval spaces the retention sweeps over the learning store.
const pruneInterval = time.Hour

// Submitter resubmits corrected parameter graphs. *renderer.Client satisfies it.
type Submitter interface {
	Submit(ctx context.Context, graph map[string]any) (string, error)
}

// Notifier receives pass/fail summaries as an advisory signal.
type Notifier interface {
	Notify(ctx context.Context, text, queryContext string)
}

// job ties a submitted correlation id back to its parameters and the root
// artifact the correction chain started from.
type job struct {
	params   map[string]any
	originID string
}

// Monitor watches one renderer event stream.
type Monitor struct {
	fs         afero.Fs
	analyzer   *score.Analyzer
	engine     *correct.Engine
	store      learn.Store
	submitter  Submitter
	notifier   Notifier
	outputDirs []string
	archiveDir string
	log        *slog.Logger

	mu   sync.Mutex
	jobs map[string]job
	seen *lru.Cache[string, bool]

	wg sync.WaitGroup
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithFS substitutes the filesystem, used by tests.
func WithFS(fs afero.Fs) Option {
	return func(m *Monitor) { m.fs = fs }
}

// WithNotifier forwards assessment summaries fire-and-forget.
func WithNotifier(n Notifier) Option {
	return func(m *Monitor) { m.notifier = n }
}

// New builds a Monitor. submitter may be nil to disable resubmission.
func New(analyzer *score.Analyzer, engine *correct.Engine, store learn.Store, submitter Submitter, outputDirs []string, archiveDir string, opts ...Option) (*Monitor, error) {
	seen, err := lru.New[string, bool](seenCapacity)
	if err != nil {
		return nil, fmt.Errorf("create dedupe cache: %w", err)
	}
	m := &Monitor{
		fs:         afero.NewOsFs(),
		analyzer:   analyzer,
		engine:     engine,
		store:      store,
		submitter:  submitter,
		outputDirs: outputDirs,
		archiveDir: archiveDir,
		log:        logging.New("monitor"),
		jobs:       map[string]job{},
		seen:       seen,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Track registers a submitted job so its terminal event can be tied back to
// the parameters that produced it.
func (m *Monitor) Track(correlationID string, params map[string]any) {
	m.track(correlationID, params, correlationID)
}

func (m *Monitor) track(correlationID string, params map[string]any, originID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[correlationID] = job{params: params, originID: originID}
}

func (m *Monitor) lookup(correlationID string) (job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[correlationID]
	return j, ok
}

// Run consumes events until the channel closes or ctx is cancelled, then
// waits for in-flight resubmissions. The store retention windows are
// enforced on entry and once per pruneInterval while the loop runs.
func (m *Monitor) Run(ctx context.Context, events <-chan renderer.Event) error {
	defer m.wg.Wait()
	m.prune()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.prune()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			m.handle(ctx, ev)
		}
	}
}

// prune drops failure rows and stale best-known parameter sets that aged out
// of their retention windows.
func (m *Monitor) prune() {
	removed, err := m.store.PruneExpired(time.Now().UTC())
	if err != nil {
		m.log.Warn("retention sweep failed", "error", err)
		return
	}
	if removed > 0 {
		m.log.Info("expired learning rows pruned", "removed", removed)
	}
}

func (m *Monitor) handle(ctx context.Context, ev renderer.Event) {
	switch ev.Type {
	case renderer.EventExecuted:
		m.handleCompleted(ctx, ev)
	case renderer.EventError:
		m.handleRenderError(ev)
	default:
		// progress/executing events only matter for liveness
		m.log.Debug("stream event", "type", ev.Type, "correlation_id", ev.CorrelationID)
	}
}

// handleCompleted locates the produced file, assesses it, and routes the
// verdict. Duplicate and out-of-order deliveries are dropped by content hash.
func (m *Monitor) handleCompleted(ctx context.Context, ev renderer.Event) {
	path, ok := m.locate(ev)
	if !ok {
		m.log.Warn("no output found for completed job", "correlation_id", ev.CorrelationID)
		return
	}
	data, err := afero.ReadFile(m.fs, path)
	if err != nil {
		m.log.Warn("output unreadable", "path", path, "error", err)
		return
	}
	hash := score.ContentHash(data)
	if _, dup := m.seen.Get(hash); dup {
		m.log.Debug("duplicate artifact event ignored", "correlation_id", ev.CorrelationID, "hash", hash)
		return
	}
	m.seen.Add(hash, true)

	result := m.analyzer.AssessBytes(path, data)
	j, tracked := m.lookup(ev.CorrelationID)

	m.persistAssessment(ev.CorrelationID, result)
	if tracked {
		m.engine.RecordOutcome(j.params, result)
	}

	if result.Passes {
		m.handlePass(ctx, ev.CorrelationID, path, result)
		return
	}
	m.handleFail(ctx, ev.CorrelationID, j, tracked, result)
}

func (m *Monitor) handlePass(ctx context.Context, correlationID, path string, result *score.ScoreResult) {
	archived, err := m.archive(path)
	if err != nil {
		m.log.Warn("archive failed", "path", path, "error", err)
	} else {
		m.log.Info("artifact accepted", "correlation_id", correlationID, "archived", archived,
			"score", fmt.Sprintf("%.2f", result.QualityScore))
	}
	if m.notifier != nil {
		summary := fmt.Sprintf("artifact %s passed with score %.2f", correlationID, result.QualityScore)
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.notifier.Notify(context.WithoutCancel(ctx), summary, "quality monitor pass")
		}()
	}
}

func (m *Monitor) handleFail(ctx context.Context, correlationID string, j job, tracked bool, result *score.ScoreResult) {
	m.log.Info("artifact rejected",
		"correlation_id", correlationID,
		"fingerprint", fingerprintOf(j, tracked),
		"reasons", result.RejectionMessages())
	if !tracked || m.submitter == nil {
		return
	}

	corr, err := m.engine.Correct(ctx, j.originID, j.params, result)
	switch {
	case errors.Is(err, correct.ErrNoFix), errors.Is(err, correct.ErrAttemptsExhausted):
		m.log.Warn("artifact routed to manual review", "correlation_id", correlationID, "origin", j.originID, "cause", err)
		return
	case err != nil:
		m.log.Error("correction failed", "correlation_id", correlationID, "error", err)
		return
	}

	// Fire-and-forget: the retry's outcome arrives as a later stream event.
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.resubmit(context.WithoutCancel(ctx), j.originID, corr)
	}()
}

// resubmit submits the corrected graph and registers the new correlation id
// under the same origin so attempt counting spans the whole chain.
func (m *Monitor) resubmit(ctx context.Context, originID string, corr *correct.Correction) {
	newID, err := m.submitter.Submit(ctx, corr.Parameters)
	if err != nil {
		m.log.Error("resubmission failed", "origin", originID, "error", err)
		m.recordResubmitFailure(originID, err)
		return
	}
	if err := m.engine.Commit(corr, newID); err != nil {
		m.log.Warn("correction record not persisted", "origin", originID, "error", err)
	}
	m.track(newID, corr.Parameters, originID)
	m.log.Info("corrected graph resubmitted", "origin", originID, "correlation_id", newID, "rules", corr.AppliedRules)
}

// recordResubmitFailure turns a renderer timeout or rejection into a
// terminal failure record instead of a silent hang.
func (m *Monitor) recordResubmitFailure(originID string, cause error) {
	alert := &learn.PerformanceAlert{
		AlertType: "resubmit_failed",
		Message:   fmt.Sprintf("resubmission for %s failed: %v", originID, cause),
		Snapshot:  map[string]any{"origin_id": originID},
	}
	if err := m.store.RaiseAlert(alert); err != nil {
		m.log.Warn("failed to raise resubmit alert", "error", err)
	}
}

func (m *Monitor) handleRenderError(ev renderer.Event) {
	m.log.Error("render failed", "correlation_id", ev.CorrelationID, "node", ev.NodeID)
	if j, ok := m.lookup(ev.CorrelationID); ok {
		fp := learn.Fingerprint(j.params)
		msg := fmt.Sprintf("render error at node %s", ev.NodeID)
		if err := m.store.RecordFailure(fp, j.params, []string{msg}); err != nil {
			m.log.Warn("failed to record render error", "error", err)
		}
	}
}

func (m *Monitor) persistAssessment(correlationID string, result *score.ScoreResult) {
	metrics, _ := json.Marshal(result.PerFrameScores)
	a := &learn.QualityAssessment{
		PromptID:     correlationID,
		ArtifactPath: result.ArtifactPath,
		Score:        result.QualityScore,
		Passes:       result.Passes,
		Reasons:      result.RejectionMessages(),
		MetricsJSON:  string(metrics),
	}
	if err := m.store.SaveAssessment(a); err != nil {
		m.log.Warn("failed to persist assessment", "correlation_id", correlationID, "error", err)
	}
}

// locate finds the produced file: an output manifest on the event wins,
// otherwise the newest file whose name carries the correlation-id token
// across the known output directories.
func (m *Monitor) locate(ev renderer.Event) (string, bool) {
	if len(ev.Value) > 0 {
		var manifest struct {
			Outputs []renderer.Output `json:"outputs"`
		}
		if err := json.Unmarshal(ev.Value, &manifest); err == nil {
			for _, out := range manifest.Outputs {
				candidate := out.Path
				if candidate == "" {
					candidate = m.findByName(out.Filename)
				}
				if candidate != "" {
					if ok, _ := afero.Exists(m.fs, candidate); ok {
						return candidate, true
					}
				}
			}
		}
	}
	if ev.CorrelationID == "" {
		return "", false
	}
	return m.newestMatch(ev.CorrelationID)
}

func (m *Monitor) findByName(filename string) string {
	if filename == "" {
		return ""
	}
	for _, dir := range m.outputDirs {
		candidate := filepath.Join(dir, filename)
		if ok, _ := afero.Exists(m.fs, candidate); ok {
			return candidate
		}
	}
	return ""
}

// newestMatch picks the most recently modified file containing token,
// disambiguating concurrent jobs writing into the same directories.
func (m *Monitor) newestMatch(token string) (string, bool) {
	var best string
	var bestMod time.Time
	for _, dir := range m.outputDirs {
		entries, err := afero.ReadDir(m.fs, dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() || !strings.Contains(e.Name(), token) {
				continue
			}
			if best == "" || e.ModTime().After(bestMod) {
				best = filepath.Join(dir, e.Name())
				bestMod = e.ModTime()
			}
		}
	}
	return best, best != ""
}

// archive moves an accepted artifact into the archive directory.
func (m *Monitor) archive(path string) (string, error) {
	if m.archiveDir == "" {
		return path, nil
	}
	if err := m.fs.MkdirAll(m.archiveDir, 0o755); err != nil {
		return "", err
	}
	dest := filepath.Join(m.archiveDir, filepath.Base(path))
	if err := m.fs.Rename(path, dest); err != nil {
		// Cross-device moves fall back to copy.
		data, rerr := afero.ReadFile(m.fs, path)
		if rerr != nil {
			return "", err
		}
		if werr := afero.WriteFile(m.fs, dest, data, 0o644); werr != nil {
			return "", werr
		}
		_ = m.fs.Remove(path)
	}
	return dest, nil
}

func fingerprintOf(j job, tracked bool) string {
	if !tracked {
		return "untracked"
	}
	return learn.Fingerprint(j.params)
}
