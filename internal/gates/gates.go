// Package gates runs the four-gate acceptance check over a finished
// production unit: reference assets, keyframe fidelity, temporal smoothness,
// and final delivery (sync, render quality, narrative cohesion). Gates are
// independent; the orchestrator aggregates them into one report.
package gates

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/spf13/afero"

	"vigil/internal/score"
)

// Gate identifiers.
const (
	GateReferenceAssets = 1
	GateKeyframes       = 2
	GateSmoothness      = 3
	GateDelivery        = 4
)

// AssetRef names one required reference asset. Version is the asset-pack
// version the asset was generated from; empty means unversioned.
type AssetRef struct {
	Path    string `json:"path" yaml:"path"`
	Version string `json:"version,omitempty" yaml:"version,omitempty"`
}

// RunInput is one finished production unit submitted for acceptance.
type RunInput struct {
	ReferenceAssets []AssetRef `json:"reference_assets,omitempty" yaml:"reference_assets,omitempty"`
	Keyframes       []string   `json:"keyframes,omitempty" yaml:"keyframes,omitempty"`

	// FramePaths is the ordered rendered frame sequence; VideoPath is the
	// final encoded delivery. Either may stand in for the other.
	FramePaths []string `json:"frame_paths,omitempty" yaml:"frame_paths,omitempty"`
	VideoPath  string   `json:"video_path,omitempty" yaml:"video_path,omitempty"`

	AudioDurationSeconds float64   `json:"audio_duration_seconds,omitempty" yaml:"audio_duration_seconds,omitempty"`
	VideoDurationSeconds float64   `json:"video_duration_seconds,omitempty" yaml:"video_duration_seconds,omitempty"`
	SceneCutSeconds      []float64 `json:"scene_cut_seconds,omitempty" yaml:"scene_cut_seconds,omitempty"`

	Narrative          string `json:"narrative,omitempty" yaml:"narrative,omitempty"`
	SceneDescription   string `json:"scene_description,omitempty" yaml:"scene_description,omitempty"`
	ContentDescription string `json:"content_description,omitempty" yaml:"content_description,omitempty"`
}

// GateResult is one gate's verdict.
type GateResult struct {
	GateID    int                `json:"gate_id"`
	Name      string             `json:"name"`
	Pass      bool               `json:"pass"`
	Score     float64            `json:"score"`
	Issues    []string           `json:"issues,omitempty"`
	Subscores map[string]float64 `json:"subscores,omitempty"`
}

// Tuning constants for the gate heuristics.
const (
	smoothnessPenalty = 50.0 // luminance-diff variance at 1/50 zeroes the score
	gate4PassBar      = 0.7
	maxSyncSlackSecs  = 2.0
	minBitrateKbps    = 250.0
	strongAdherence   = 0.25 // cosine at which adherence saturates to 1
	minSceneSeconds   = 1.0
	maxSceneSeconds   = 10.0
)

// gateAssets (gate 1) checks presence, non-emptiness and version consistency
// of the required reference assets.
func (o *Orchestrator) gateAssets(_ context.Context, in *RunInput) GateResult {
	res := GateResult{GateID: GateReferenceAssets, Name: "reference-assets"}
	if len(in.ReferenceAssets) == 0 {
		res.Pass, res.Score = true, 1.0
		return res
	}

	ok := 0
	versions := map[string]bool{}
	for _, a := range in.ReferenceAssets {
		info, err := o.fs.Stat(a.Path)
		switch {
		case err != nil:
			res.Issues = append(res.Issues, fmt.Sprintf("reference asset missing: %s", a.Path))
		case info.Size() == 0:
			res.Issues = append(res.Issues, fmt.Sprintf("reference asset empty: %s", a.Path))
		default:
			ok++
		}
		if a.Version != "" {
			versions[a.Version] = true
		}
	}
	if len(versions) > 1 {
		res.Issues = append(res.Issues, fmt.Sprintf("reference asset version mismatch: %v", sortedVersionList(versions)))
	}

	res.Score = float64(ok) / float64(len(in.ReferenceAssets))
	if len(versions) > 1 {
		res.Score /= 2
	}
	res.Pass = len(res.Issues) == 0
	return res
}

// gateKeyframes (gate 2) scores each keyframe with the analyzer and blends
// mean quality with the weakest frame, so one bad keyframe drags the gate.
func (o *Orchestrator) gateKeyframes(_ context.Context, in *RunInput) GateResult {
	res := GateResult{GateID: GateKeyframes, Name: "keyframe-fidelity"}
	if len(in.Keyframes) == 0 {
		res.Pass, res.Score = true, 1.0
		return res
	}

	qualities := make([]float64, 0, len(in.Keyframes))
	for _, path := range in.Keyframes {
		data, err := afero.ReadFile(o.fs, path)
		if err != nil {
			res.Issues = append(res.Issues, fmt.Sprintf("keyframe unreadable: %s", path))
			qualities = append(qualities, 0)
			continue
		}
		r := o.analyzer.AssessBytes(path, data)
		qualities = append(qualities, r.QualityScore)
		if !r.Passes {
			for _, msg := range r.RejectionMessages() {
				res.Issues = append(res.Issues, fmt.Sprintf("%s: %s", path, msg))
			}
		}
	}

	meanQ := meanOf(qualities)
	minQ := minOf(qualities)
	res.Subscores = map[string]float64{"mean_quality": meanQ, "weakest": minQ}
	res.Score = 0.8*meanQ + 0.2*minQ
	res.Pass = res.Score >= o.cfg.FidelityTarget && len(res.Issues) == 0
	if !res.Pass && res.Score < o.cfg.FidelityTarget {
		res.Issues = append(res.Issues, fmt.Sprintf("keyframe fidelity %.2f below target %.2f", res.Score, o.cfg.FidelityTarget))
	}
	return res
}

// gateSmoothness (gate 3) measures temporal smoothness as the variance of
// frame-to-frame mean-luminance differences: steady motion has near-constant
// diffs, flicker has erratic ones.
func (o *Orchestrator) gateSmoothness(_ context.Context, in *RunInput) GateResult {
	res := GateResult{GateID: GateSmoothness, Name: "temporal-smoothness"}

	lums, err := o.frameLuminances(in)
	if err != nil {
		res.Issues = append(res.Issues, err.Error())
		return res
	}
	if len(lums) < 2 {
		res.Pass, res.Score = true, 1.0
		res.Issues = append(res.Issues, "fewer than two frames, smoothness not measurable")
		return res
	}

	diffs := make([]float64, len(lums)-1)
	for i := 1; i < len(lums); i++ {
		diffs[i-1] = math.Abs(lums[i] - lums[i-1])
	}
	variance := varianceOf(diffs)
	res.Score = clampUnit(1.0 - variance*smoothnessPenalty)
	res.Subscores = map[string]float64{"diff_variance": variance}
	res.Pass = res.Score >= o.cfg.SmoothnessTarget
	if !res.Pass {
		res.Issues = append(res.Issues, fmt.Sprintf("temporal flicker detected: smoothness %.2f below target %.2f", res.Score, o.cfg.SmoothnessTarget))
	}
	return res
}

// gateDelivery (gate 4) averages three independently-run sub-checks:
// sync/timing, render quality, and narrative cohesion.
func (o *Orchestrator) gateDelivery(ctx context.Context, in *RunInput) GateResult {
	res := GateResult{GateID: GateDelivery, Name: "final-delivery"}

	type sub struct {
		score  float64
		issues []string
	}
	var timing, render, cohesion sub

	done := make(chan struct{}, 3)
	go func() { timing.score, timing.issues = o.checkSync(in); done <- struct{}{} }()
	go func() { render.score, render.issues = o.checkRender(in); done <- struct{}{} }()
	go func() { cohesion.score, cohesion.issues = o.checkCohesion(in); done <- struct{}{} }()
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-ctx.Done():
			res.Issues = []string{"cancelled"}
			return res
		}
	}

	res.Subscores = map[string]float64{
		"sync":     timing.score,
		"render":   render.score,
		"cohesion": cohesion.score,
	}
	res.Issues = append(res.Issues, timing.issues...)
	res.Issues = append(res.Issues, render.issues...)
	res.Issues = append(res.Issues, cohesion.issues...)
	res.Score = (timing.score + render.score + cohesion.score) / 3
	res.Pass = res.Score >= gate4PassBar
	return res
}

// checkSync compares audio and video durations and verifies scene cuts land
// inside the clip.
func (o *Orchestrator) checkSync(in *RunInput) (float64, []string) {
	var issues []string
	durScore := 1.0
	if in.AudioDurationSeconds > 0 && in.VideoDurationSeconds > 0 {
		delta := math.Abs(in.AudioDurationSeconds - in.VideoDurationSeconds)
		if delta > o.cfg.SyncToleranceSeconds {
			durScore = clampUnit(1.0 - (delta-o.cfg.SyncToleranceSeconds)/maxSyncSlackSecs)
			issues = append(issues, fmt.Sprintf("audio-video sync delta %.2fs exceeds tolerance %.2fs", delta, o.cfg.SyncToleranceSeconds))
		}
	}

	cutScore := 1.0
	if len(in.SceneCutSeconds) > 0 && in.VideoDurationSeconds > 0 {
		inRange := 0
		for _, cut := range in.SceneCutSeconds {
			if cut >= 0 && cut <= in.VideoDurationSeconds {
				inRange++
			} else {
				issues = append(issues, fmt.Sprintf("scene cut at %.2fs outside clip duration %.2fs", cut, in.VideoDurationSeconds))
			}
		}
		cutScore = float64(inRange) / float64(len(in.SceneCutSeconds))
	}
	return (durScore + cutScore) / 2, issues
}

// checkRender assesses the final encoded delivery: analyzer verdict plus an
// encoding-bitrate floor.
func (o *Orchestrator) checkRender(in *RunInput) (float64, []string) {
	if in.VideoPath == "" {
		// Frames were checked by gates 2 and 3; nothing encoded to inspect.
		return 1.0, nil
	}
	data, err := afero.ReadFile(o.fs, in.VideoPath)
	if err != nil {
		return 0, []string{fmt.Sprintf("delivery unreadable: %s", in.VideoPath)}
	}
	r := o.analyzer.AssessBytes(in.VideoPath, data)

	var issues []string
	scoreVal := r.QualityScore
	if !r.Passes {
		for _, msg := range r.RejectionMessages() {
			issues = append(issues, fmt.Sprintf("%s: %s", in.VideoPath, msg))
		}
	}
	if r.MediaKind == score.KindVideo && r.DurationSeconds > 0 {
		kbps := float64(r.FileSizeBytes) * 8 / r.DurationSeconds / 1000
		if kbps < minBitrateKbps {
			reason := score.BitrateTooLow(kbps, minBitrateKbps)
			issues = append(issues, fmt.Sprintf("%s: %s", in.VideoPath, reason.Message))
			if scoreVal > 0.5 {
				scoreVal = 0.5
			}
		}
	}
	return scoreVal, issues
}

// checkCohesion blends semantic adherence with a scene-pacing heuristic.
func (o *Orchestrator) checkCohesion(in *RunInput) (float64, []string) {
	if in.Narrative == "" || in.ContentDescription == "" {
		return 1.0, nil
	}
	var issues []string
	adh := o.scorer.Adherence(in.Narrative, in.SceneDescription, in.ContentDescription)
	if adh < o.cfg.CohesionThreshold {
		issues = append(issues, fmt.Sprintf("narrative cohesion %.3f below threshold %.3f", adh, o.cfg.CohesionThreshold))
	}

	pacing := 1.0
	if len(in.SceneCutSeconds) > 0 && in.VideoDurationSeconds > 0 {
		meanSegment := in.VideoDurationSeconds / float64(len(in.SceneCutSeconds)+1)
		switch {
		case meanSegment < minSceneSeconds:
			pacing = clampUnit(meanSegment / minSceneSeconds)
			issues = append(issues, fmt.Sprintf("pacing too fast: mean scene length %.2fs", meanSegment))
		case meanSegment > maxSceneSeconds:
			pacing = clampUnit(maxSceneSeconds / meanSegment)
			issues = append(issues, fmt.Sprintf("pacing too slow: mean scene length %.2fs", meanSegment))
		}
	}
	return 0.5*clampUnit(adh/strongAdherence) + 0.5*pacing, issues
}

// frameLuminances returns per-frame mean luminance from the frame sequence,
// falling back to the decoded delivery when no frame paths are given.
func (o *Orchestrator) frameLuminances(in *RunInput) ([]float64, error) {
	if len(in.FramePaths) > 0 {
		lums := make([]float64, 0, len(in.FramePaths))
		for _, path := range in.FramePaths {
			data, err := afero.ReadFile(o.fs, path)
			if err != nil {
				return nil, fmt.Errorf("frame unreadable: %s", path)
			}
			art, err := score.Decode(path, data)
			if err != nil {
				return nil, fmt.Errorf("frame undecodable: %s", path)
			}
			lums = append(lums, score.MeanLuminance(art.Frames[0]))
		}
		return lums, nil
	}
	if in.VideoPath != "" {
		data, err := afero.ReadFile(o.fs, in.VideoPath)
		if err != nil {
			return nil, fmt.Errorf("delivery unreadable: %s", in.VideoPath)
		}
		art, err := score.Decode(in.VideoPath, data)
		if err != nil {
			return nil, fmt.Errorf("delivery undecodable: %s", in.VideoPath)
		}
		lums := make([]float64, len(art.Frames))
		for i, f := range art.Frames {
			lums[i] = score.MeanLuminance(f)
		}
		return lums, nil
	}
	return nil, nil
}

func sortedVersionList(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func meanOf(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func minOf(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	m := vals[0]
	for _, v := range vals[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func varianceOf(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	m := meanOf(vals)
	var sq float64
	for _, v := range vals {
		d := v - m
		sq += d * d
	}
	return sq / float64(len(vals))
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
