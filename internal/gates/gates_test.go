package gates

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/spf13/afero"

	"vigil/internal/score"
	"vigil/internal/semantic"
)

func testAnalyzer(t *testing.T) *score.Analyzer {
	t.Helper()
	a, err := score.NewAnalyzer(score.Thresholds{
		MinWidth:        8,
		MinHeight:       8,
		MinDuration:     0.1,
		MaxFileSizeMB:   500,
		MinFrameRate:    1,
		MinOverallScore: 0.7,
	}, 64)
	if err != nil {
		t.Fatalf("NewAnalyzer: %v", err)
	}
	return a
}

func grayPNG(t *testing.T, v uint8, size int) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, size, size))
	for i := range img.Pix {
		img.Pix[i] = v
	}
	return encodePNG(t, img)
}

func checkerPNG(t *testing.T, size int) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			if (x+y)%2 == 0 {
				img.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	return encodePNG(t, img)
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func write(t *testing.T, fs afero.Fs, path string, data []byte) {
	t.Helper()
	if err := afero.WriteFile(fs, path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// passingInput builds a memfs production unit that clears every gate.
func passingInput(t *testing.T) (afero.Fs, *RunInput) {
	t.Helper()
	fs := afero.NewMemMapFs()

	write(t, fs, "assets/char.ref", []byte("character sheet"))
	write(t, fs, "assets/scene.ref", []byte("scene layout"))

	write(t, fs, "keys/kf1.png", checkerPNG(t, 64))
	write(t, fs, "keys/kf2.png", checkerPNG(t, 64))

	for i, v := range []uint8{100, 110, 120, 130} {
		write(t, fs, fmt.Sprintf("frames/f%d.png", i), grayPNG(t, v, 32))
	}

	return fs, &RunInput{
		ReferenceAssets: []AssetRef{
			{Path: "assets/char.ref", Version: "v3"},
			{Path: "assets/scene.ref", Version: "v3"},
		},
		Keyframes:            []string{"keys/kf1.png", "keys/kf2.png"},
		FramePaths:           []string{"frames/f0.png", "frames/f1.png", "frames/f2.png", "frames/f3.png"},
		AudioDurationSeconds: 4.0,
		VideoDurationSeconds: 4.0,
		Narrative:            "a knight rides through a misty forest at dawn",
		ContentDescription:   "a knight rides through a misty forest at dawn",
	}
}

func newOrchestrator(t *testing.T, fs afero.Fs, mode string, opts ...Option) *Orchestrator {
	t.Helper()
	all := append([]Option{WithFS(fs)}, opts...)
	return NewOrchestrator(testAnalyzer(t), semantic.NewScorer(nil), Config{Mode: mode}, all...)
}

func TestRunAllGates_AllPass(t *testing.T) {
	fs, in := passingInput(t)
	o := newOrchestrator(t, fs, "sequential")

	report, err := o.RunAllGates(context.Background(), in)
	if err != nil {
		t.Fatalf("RunAllGates: %v", err)
	}
	if !report.OverallPass {
		t.Fatalf("expected pass, issues: %v", report.Issues)
	}
	if len(report.Gates) != 4 {
		t.Fatalf("gates = %d, want 4", len(report.Gates))
	}
	for _, g := range report.Gates {
		if !g.Pass {
			t.Errorf("gate %d failed: %v", g.GateID, g.Issues)
		}
	}
	if report.AverageScore < 0.7 {
		t.Errorf("average score = %.2f", report.AverageScore)
	}
}

func TestRunAllGates_MissingFilesFailFast(t *testing.T) {
	fs, in := passingInput(t)
	in.Keyframes = append(in.Keyframes, "keys/absent.png")
	in.VideoPath = "render/absent.gif"
	o := newOrchestrator(t, fs, "sequential")

	report, err := o.RunAllGates(context.Background(), in)
	if report != nil {
		t.Fatal("expected no report on validation failure")
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("want ValidationError, got %v", err)
	}
	if len(verr.Missing) != 2 {
		t.Errorf("missing = %v, want both absent paths", verr.Missing)
	}
}

func TestRunAllGates_SequentialParallelIdentical(t *testing.T) {
	fs, in := passingInput(t)
	// Shared analyzer keeps cached assessments identical across both runs.
	an := testAnalyzer(t)
	seq := NewOrchestrator(an, semantic.NewScorer(nil), Config{Mode: "sequential"}, WithFS(fs))
	par := NewOrchestrator(an, semantic.NewScorer(nil), Config{Mode: "parallel"}, WithFS(fs))

	r1, err := seq.RunAllGates(context.Background(), in)
	if err != nil {
		t.Fatalf("sequential: %v", err)
	}
	r2, err := par.RunAllGates(context.Background(), in)
	if err != nil {
		t.Fatalf("parallel: %v", err)
	}

	ignoreTiming := cmpopts.IgnoreFields(Report{}, "RunID", "GeneratedAt")
	if diff := cmp.Diff(r1, r2, ignoreTiming); diff != "" {
		t.Errorf("sequential vs parallel mismatch (-seq +par):\n%s", diff)
	}
}

func TestGateAssets_VersionMismatch(t *testing.T) {
	fs, in := passingInput(t)
	in.ReferenceAssets[1].Version = "v4"
	o := newOrchestrator(t, fs, "sequential")

	report, err := o.RunAllGates(context.Background(), in)
	if err != nil {
		t.Fatalf("RunAllGates: %v", err)
	}
	g1 := report.Gates[0]
	if g1.Pass {
		t.Fatal("gate 1 should fail on version mismatch")
	}
	if len(g1.Issues) == 0 {
		t.Fatal("expected a version issue")
	}
	wantRec := "Regenerate reference assets from a single asset-pack version."
	if !containsString(report.Recommendations, wantRec) {
		t.Errorf("recommendations = %v", report.Recommendations)
	}
}

func TestGateKeyframes_WeakFrameFails(t *testing.T) {
	fs, in := passingInput(t)
	write(t, fs, "keys/kf2.png", grayPNG(t, 128, 64)) // featureless frame
	o := newOrchestrator(t, fs, "sequential")

	report, err := o.RunAllGates(context.Background(), in)
	if err != nil {
		t.Fatalf("RunAllGates: %v", err)
	}
	g2 := report.Gates[1]
	if g2.Pass {
		t.Fatal("gate 2 should fail with a featureless keyframe")
	}
	if g2.Subscores["weakest"] >= g2.Subscores["mean_quality"] {
		t.Errorf("subscores = %v", g2.Subscores)
	}
}

func TestGateSmoothness_FlickerFails(t *testing.T) {
	fs, in := passingInput(t)
	for i, v := range []uint8{0, 255, 0, 0, 255} {
		write(t, fs, fmt.Sprintf("frames/f%d.png", i), grayPNG(t, v, 32))
	}
	in.FramePaths = []string{"frames/f0.png", "frames/f1.png", "frames/f2.png", "frames/f3.png", "frames/f4.png"}
	o := newOrchestrator(t, fs, "sequential")

	report, err := o.RunAllGates(context.Background(), in)
	if err != nil {
		t.Fatalf("RunAllGates: %v", err)
	}
	g3 := report.Gates[2]
	if g3.Pass {
		t.Fatal("gate 3 should fail on flicker")
	}
	wantRec := "Review frame-interpolation and motion-consistency settings."
	if !containsString(report.Recommendations, wantRec) {
		t.Errorf("recommendations = %v", report.Recommendations)
	}
}

func TestGateDelivery_SyncDelta(t *testing.T) {
	fs, in := passingInput(t)
	in.AudioDurationSeconds = 4.0
	in.VideoDurationSeconds = 6.5
	o := newOrchestrator(t, fs, "sequential")

	report, err := o.RunAllGates(context.Background(), in)
	if err != nil {
		t.Fatalf("RunAllGates: %v", err)
	}
	g4 := report.Gates[3]
	if g4.Subscores["sync"] >= 1.0 {
		t.Errorf("sync subscore = %.2f, want < 1", g4.Subscores["sync"])
	}
	if !anyContains(g4.Issues, "sync delta") {
		t.Errorf("issues = %v", g4.Issues)
	}
}

func TestRunAllGates_CancelledYieldsPartialReport(t *testing.T) {
	fs, in := passingInput(t)
	o := newOrchestrator(t, fs, "parallel")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := o.RunAllGates(ctx, in)
	if err != nil {
		t.Fatalf("RunAllGates: %v", err)
	}
	if report.OverallPass {
		t.Fatal("cancelled run must not pass")
	}
	for _, g := range report.Gates {
		if g.Pass || len(g.Issues) != 1 || g.Issues[0] != "cancelled" {
			t.Errorf("gate %d = %+v, want cancelled", g.GateID, g)
		}
	}
}

func TestRunAllGates_PersistsReport(t *testing.T) {
	fs, in := passingInput(t)
	o := newOrchestrator(t, fs, "sequential", WithReportDir("reports"))

	report, err := o.RunAllGates(context.Background(), in)
	if err != nil {
		t.Fatalf("RunAllGates: %v", err)
	}
	exists, err := afero.Exists(fs, "reports/"+report.RunID+".json")
	if err != nil || !exists {
		t.Fatalf("report file missing (exists=%v err=%v)", exists, err)
	}
}

type captureNotifier struct {
	got chan string
}

func (n *captureNotifier) Notify(_ context.Context, text, _ string) {
	select {
	case n.got <- text:
	default:
	}
}

func TestRunAllGates_NotifiesOracle(t *testing.T) {
	fs, in := passingInput(t)
	n := &captureNotifier{got: make(chan string, 1)}
	o := newOrchestrator(t, fs, "sequential", WithNotifier(n))

	if _, err := o.RunAllGates(context.Background(), in); err != nil {
		t.Fatalf("RunAllGates: %v", err)
	}
	select {
	case text := <-n.got:
		if text == "" {
			t.Error("empty notification")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("oracle was not notified")
	}
}

func TestRecommend_Deterministic(t *testing.T) {
	issues := []string{
		"Gate 3: temporal flicker detected: smoothness 0.10 below target 0.70",
		"Gate 2: keys/kf1.png: Resolution too low: 256x256 < 512x512",
	}
	r1 := recommend(issues)
	r2 := recommend(issues)
	if diff := cmp.Diff(r1, r2); diff != "" {
		t.Errorf("recommend not deterministic:\n%s", diff)
	}
	if len(r1) != 2 {
		t.Errorf("recommendations = %v", r1)
	}
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func anyContains(list []string, sub string) bool {
	for _, s := range list {
		if bytes.Contains([]byte(s), []byte(sub)) {
			return true
		}
	}
	return false
}
