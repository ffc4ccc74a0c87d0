// Package learn persists what the pipeline knows about generation parameter
// sets: per prompt fingerprint, the best-known parameters and score, a
// rolling window of failed attempts, correction lineage, and performance
// alerts.
package learn

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"
)

// Retention windows for the durable tables.
const (
	FailedRetention     = 7 * 24 * time.Hour
	SuccessfulRetention = 30 * 24 * time.Hour
)

// WorkflowParameterSet is the best-known parameter set for one prompt
// fingerprint. QualityScore is monotonically non-decreasing across upserts.
type WorkflowParameterSet struct {
	PromptHash   string         `json:"prompt_hash"`
	Parameters   map[string]any `json:"parameters"`
	QualityScore float64        `json:"quality_score"`
	SampleCount  int            `json:"sample_count"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// FailedWorkflow is one rejected parameter set and why it was rejected.
type FailedWorkflow struct {
	PromptHash string         `json:"prompt_hash"`
	Parameters map[string]any `json:"parameters"`
	Reasons    []string       `json:"reasons"`
	CreatedAt  time.Time      `json:"created_at"`
}

// QualityAssessment is a persisted verdict for one prompt id.
type QualityAssessment struct {
	PromptID     string    `json:"prompt_id"`
	ArtifactPath string    `json:"artifact_path"`
	Score        float64   `json:"score"`
	Passes       bool      `json:"passes"`
	Reasons      []string  `json:"reasons,omitempty"`
	MetricsJSON  string    `json:"metrics_json,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// CorrectionRecord links one failed artifact to the corrected resubmission
// derived from it. Append-only; never self-referential.
type CorrectionRecord struct {
	ID                  string         `json:"id"`
	OriginalArtifactID  string         `json:"original_artifact_id"`
	CorrectedArtifactID string         `json:"corrected_artifact_id"`
	Parameters          map[string]any `json:"parameters"`
	AppliedAt           time.Time      `json:"applied_at"`
}

// PerformanceAlert records a resource or duration threshold breach.
type PerformanceAlert struct {
	AlertType string         `json:"alert_type"`
	Message   string         `json:"message"`
	Snapshot  map[string]any `json:"snapshot,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Store is the learning-store contract. Both MemStore and SqlStore satisfy
// it; UpsertBest must serialize the higher-score-wins comparison so two
// concurrent writers for the same fingerprint cannot both win.
type Store interface {
	SaveAssessment(a *QualityAssessment) error
	GetAssessment(promptID string) (*QualityAssessment, error)

	// UpsertBest records params under promptHash only if score exceeds the
	// stored best. SampleCount always advances. Returns true when the stored
	// best was replaced.
	UpsertBest(promptHash string, params map[string]any, score float64) (bool, error)
	BestParameters(promptHash string) (*WorkflowParameterSet, error)

	RecordFailure(promptHash string, params map[string]any, reasons []string) error
	RecentFailures(promptHash string) ([]*FailedWorkflow, error)

	SaveCorrection(rec *CorrectionRecord) error
	CorrectionsFor(originalArtifactID string) ([]*CorrectionRecord, error)

	RaiseAlert(alert *PerformanceAlert) error
	ListAlerts(limit int) ([]*PerformanceAlert, error)

	// PruneExpired removes failed rows older than FailedRetention and
	// successful rows older than SuccessfulRetention. Returns rows removed.
	PruneExpired(now time.Time) (int64, error)

	Close() error
}

// Fingerprint derives the prompt fingerprint correlating a family of
// generation attempts. The longest string value in the parameter graph is
// taken as the positive prompt; graphs with no text fall back to a hash of
// the canonical JSON encoding.
func Fingerprint(params map[string]any) string {
	text := LongestText(params)
	if text == "" {
		blob, _ := json.Marshal(params)
		text = string(blob)
	}
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// LongestText returns the longest string value found anywhere in the
// parameter graph, descending into nested maps and slices. Empty when the
// graph holds no strings.
func LongestText(v any) string {
	best := ""
	walkText(v, &best)
	return best
}

func walkText(v any, best *string) {
	switch t := v.(type) {
	case string:
		if len(t) > len(*best) {
			*best = t
		}
	case map[string]any:
		// Sorted keys keep ties deterministic.
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			walkText(t[k], best)
		}
	case []any:
		for _, child := range t {
			walkText(child, best)
		}
	}
}

func nowUTC() time.Time { return time.Now().UTC() }
