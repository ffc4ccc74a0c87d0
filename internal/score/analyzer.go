package score

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"os"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"vigil/internal/logging"
)

// maxSampledFrames caps how many frames of a clip are scored.
const maxSampledFrames = 10

// Analyzer scores decoded artifacts against thresholds. Results are cached
// by content hash so reassessing identical bytes is free; the cache is
// bounded and owned by the instance. ScoreResults handed out are shared and
// must be treated as immutable.
type Analyzer struct {
	thresholds Thresholds
	cache      *lru.Cache[string, *ScoreResult]
	log        *slog.Logger
}

// NewAnalyzer creates an Analyzer with the given thresholds and cache capacity.
func NewAnalyzer(thr Thresholds, cacheCapacity int) (*Analyzer, error) {
	if cacheCapacity < 1 {
		return nil, fmt.Errorf("cache capacity must be >= 1, got %d", cacheCapacity)
	}
	cache, err := lru.New[string, *ScoreResult](cacheCapacity)
	if err != nil {
		return nil, fmt.Errorf("create assessment cache: %w", err)
	}
	return &Analyzer{
		thresholds: thr,
		cache:      cache,
		log:        logging.New("analyzer"),
	}, nil
}

// Thresholds returns the acceptance limits this analyzer applies.
func (a *Analyzer) Thresholds() Thresholds { return a.thresholds }

// AssessFile reads, decodes and scores the artifact at path. A missing or
// corrupt file yields a zero-score failed result, never an error: input
// problems are verdicts, not crashes.
func (a *Analyzer) AssessFile(path string) *ScoreResult {
	data, err := os.ReadFile(path)
	if err != nil {
		a.log.Warn("artifact unreadable", "path", path, "error", err)
		return unreadableResult(path, err)
	}
	return a.AssessBytes(path, data)
}

// AssessBytes scores raw artifact bytes, serving repeats from the cache.
func (a *Analyzer) AssessBytes(path string, data []byte) *ScoreResult {
	hash := ContentHash(data)
	if cached, ok := a.cache.Get(hash); ok {
		a.log.Debug("assessment served from cache", "path", path, "hash", hash)
		return cached
	}

	artifact, err := Decode(path, data)
	var result *ScoreResult
	if err != nil {
		a.log.Warn("artifact decode failed", "path", path, "error", err)
		result = unreadableResult(path, err)
		result.ContentHash = hash
		result.FileSizeBytes = int64(len(data))
	} else {
		result = a.Assess(artifact)
	}
	a.cache.Add(hash, result)
	return result
}

// Assess scores an already-decoded artifact. Pure: no I/O, no cache.
func (a *Analyzer) Assess(artifact *Artifact) *ScoreResult {
	thr := a.thresholds

	perFrame := make([]float64, 0, maxSampledFrames)
	var metricSums frameMetrics
	for _, i := range sampleIndices(len(artifact.Frames), maxSampledFrames) {
		m := analyzeFrame(artifact.Frames[i])
		perFrame = append(perFrame, m.score())
		metricSums.Sharpness += m.Sharpness
		metricSums.Contrast += m.Contrast
		metricSums.Brightness += m.Brightness
		metricSums.EdgeDensity += m.EdgeDensity
	}
	quality := mean(perFrame)

	var reasons []Reason
	if artifact.Width < thr.MinWidth || artifact.Height < thr.MinHeight {
		reasons = append(reasons, ResolutionTooLow(artifact.Width, artifact.Height, thr.MinWidth, thr.MinHeight))
	}
	if artifact.Kind == KindVideo && artifact.DurationSeconds < thr.MinDuration {
		reasons = append(reasons, DurationTooShort(artifact.DurationSeconds, thr.MinDuration))
	}
	sizeMB := float64(artifact.FileSizeBytes) / (1024 * 1024)
	if sizeMB > thr.MaxFileSizeMB {
		reasons = append(reasons, FileTooLarge(sizeMB, thr.MaxFileSizeMB))
	}
	if artifact.Kind == KindVideo && artifact.FrameRate < thr.MinFrameRate {
		reasons = append(reasons, FrameRateTooLow(artifact.FrameRate, thr.MinFrameRate))
	}
	if quality < thr.MinOverallScore {
		reasons = append(reasons, QualityTooLow(quality, thr.MinOverallScore))
		reasons = append(reasons, diagnoseSignals(metricSums, len(perFrame))...)
	}

	return newScoreResult(artifact, quality, perFrame, reasons)
}

// Diagnostic floors for per-signal reasons accompanying a quality failure.
const (
	diagSharpnessMin  = 0.30
	diagContrastMin   = 0.15
	diagBrightnessMin = 0.50
)

// diagnoseSignals attributes a quality failure to specific weak signals so
// the correction engine can target prompt adjustments.
func diagnoseSignals(sums frameMetrics, frames int) []Reason {
	if frames == 0 {
		return nil
	}
	n := float64(frames)
	var out []Reason
	if s := sums.Sharpness / n; s < diagSharpnessMin {
		out = append(out, SharpnessLow(s, diagSharpnessMin))
	}
	if c := sums.Contrast / n; c < diagContrastMin {
		out = append(out, ContrastLow(c, diagContrastMin))
	}
	if b := sums.Brightness / n; b < diagBrightnessMin {
		out = append(out, BrightnessOff(b, diagBrightnessMin))
	}
	return out
}

// unreadableResult is the zero-score verdict for undecodable input.
func unreadableResult(path string, err error) *ScoreResult {
	a := &Artifact{Path: path, Kind: KindImage}
	return newScoreResult(a, 0, nil, []Reason{Unreadable(path, err)})
}

// ContentHash returns the sha256 hex digest of raw artifact bytes.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Decode parses artifact bytes into frames plus metadata. Animated GIFs
// decode as video with duration and frame rate from the frame delays; PNG
// and JPEG decode as single-frame images. Containers we cannot decode
// in-process (mp4, webm) must arrive as pre-extracted frames through
// Assess; Decode rejects them.
func Decode(path string, data []byte) (*Artifact, error) {
	hash := ContentHash(data)

	if isGIF(data) {
		g, err := gif.DecodeAll(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decode gif: %w", err)
		}
		if len(g.Image) == 0 {
			return nil, fmt.Errorf("gif has no frames")
		}
		frames := make([]image.Image, len(g.Image))
		totalHundredths := 0
		for i, f := range g.Image {
			frames[i] = f
			totalHundredths += g.Delay[i]
		}
		duration := float64(totalHundredths) / 100.0
		fps := 0.0
		if duration > 0 {
			fps = float64(len(frames)) / duration
		}
		b := g.Image[0].Bounds()
		kind := KindVideo
		if len(frames) == 1 {
			kind = KindImage
		}
		return &Artifact{
			Path:            path,
			Kind:            kind,
			Width:           b.Dx(),
			Height:          b.Dy(),
			DurationSeconds: duration,
			FrameRate:       fps,
			FileSizeBytes:   int64(len(data)),
			ContentHash:     hash,
			Frames:          frames,
		}, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	b := img.Bounds()
	return &Artifact{
		Path:          path,
		Kind:          KindImage,
		Width:         b.Dx(),
		Height:        b.Dy(),
		FileSizeBytes: int64(len(data)),
		ContentHash:   hash,
		Frames:        []image.Image{img},
	}, nil
}

func isGIF(data []byte) bool {
	return len(data) >= 6 && strings.HasPrefix(string(data[:6]), "GIF8")
}
