package score

import (
	"image"
	"time"
)

// MediaKind distinguishes still images from animated clips.
type MediaKind string

const (
	KindImage MediaKind = "image"
	KindVideo MediaKind = "video"
)

// Artifact is a decoded media artifact ready for assessment. Frames holds
// the decoded frames in presentation order; for still images it has exactly
// one entry.
type Artifact struct {
	Path            string
	Kind            MediaKind
	Width           int
	Height          int
	DurationSeconds float64
	FrameRate       float64
	FileSizeBytes   int64
	ContentHash     string // sha256 over the raw file bytes
	Frames          []image.Image
}

// Thresholds are the pass/fail limits applied by the Analyzer.
type Thresholds struct {
	MinWidth        int
	MinHeight       int
	MinDuration     float64 // seconds
	MaxFileSizeMB   float64
	MinFrameRate    float64
	MinOverallScore float64
}

// DefaultThresholds returns the standard acceptance limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinWidth:        512,
		MinHeight:       512,
		MinDuration:     1.0,
		MaxFileSizeMB:   500,
		MinFrameRate:    15,
		MinOverallScore: 0.7,
	}
}

// ScoreResult is the structured outcome of one assessment. Passes is always
// equivalent to len(Reasons) == 0; newScoreResult is the only constructor.
type ScoreResult struct {
	ArtifactPath    string    `json:"artifact_path"`
	MediaKind       MediaKind `json:"media_kind"`
	Width           int       `json:"width"`
	Height          int       `json:"height"`
	DurationSeconds float64   `json:"duration_seconds"`
	FrameRate       float64   `json:"frame_rate"`
	FileSizeBytes   int64     `json:"file_size_bytes"`
	QualityScore    float64   `json:"quality_score"`
	PerFrameScores  []float64 `json:"per_frame_scores,omitempty"`
	Passes          bool      `json:"passes"`
	Reasons         []Reason  `json:"reasons,omitempty"`
	ContentHash     string    `json:"content_hash,omitempty"`
	AssessedAt      time.Time `json:"assessed_at"`
}

// newScoreResult builds a ScoreResult and derives Passes from the reasons,
// keeping the invariant in one place.
func newScoreResult(a *Artifact, quality float64, perFrame []float64, reasons []Reason) *ScoreResult {
	return &ScoreResult{
		ArtifactPath:    a.Path,
		MediaKind:       a.Kind,
		Width:           a.Width,
		Height:          a.Height,
		DurationSeconds: a.DurationSeconds,
		FrameRate:       a.FrameRate,
		FileSizeBytes:   a.FileSizeBytes,
		QualityScore:    quality,
		PerFrameScores:  perFrame,
		Passes:          len(reasons) == 0,
		Reasons:         reasons,
		ContentHash:     a.ContentHash,
		AssessedAt:      time.Now().UTC(),
	}
}

// RejectionMessages returns the rendered reason strings.
func (r *ScoreResult) RejectionMessages() []string {
	return Messages(r.Reasons)
}

// HasReason reports whether any rejection reason has the given kind.
func (r *ScoreResult) HasReason(kind ReasonKind) bool {
	for _, reason := range r.Reasons {
		if reason.Kind == kind {
			return true
		}
	}
	return false
}
