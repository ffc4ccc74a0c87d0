package correct

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/learn"
	"vigil/internal/score"
)

func failedResult(reasons ...score.Reason) *score.ScoreResult {
	return &score.ScoreResult{
		Passes:  len(reasons) == 0,
		Reasons: reasons,
	}
}

func newTestEngine(t *testing.T) (*Engine, *learn.MemStore) {
	t.Helper()
	st := learn.NewMemStore()
	return NewEngine(st, nil, Config{}), st
}

func TestCorrect_ResolutionUpscale(t *testing.T) {
	e, _ := newTestEngine(t)
	params := map[string]any{"width": 512.0, "height": 512.0, "positive": "a castle"}
	res := failedResult(score.ResolutionTooLow(512, 512, 1024, 1024))

	corr, err := e.Correct(context.Background(), "art-1", params, res)
	require.NoError(t, err)

	w, _ := findNumber(corr.Parameters, "width")
	h, _ := findNumber(corr.Parameters, "height")
	assert.GreaterOrEqual(t, w, 1024.0)
	assert.GreaterOrEqual(t, h, 1024.0)
	assert.Zero(t, int(w)%8, "width must stay a multiple of 8")
	assert.Zero(t, int(h)%8, "height must stay a multiple of 8")
	assert.Contains(t, corr.AppliedRules, "resolution-upscale")

	// The input graph must not be touched.
	assert.Equal(t, 512.0, params["width"])
	assert.Equal(t, 512.0, params["height"])
}

func TestCorrect_QualityBoost(t *testing.T) {
	e, _ := newTestEngine(t)
	params := map[string]any{"steps": 20.0, "cfg": 7.0, "sampler": "euler", "positive": "a castle"}
	res := failedResult(score.QualityTooLow(0.42, 0.7))

	corr, err := e.Correct(context.Background(), "art-2", params, res)
	require.NoError(t, err)

	steps, _ := findNumber(corr.Parameters, "steps")
	cfg, _ := findNumber(corr.Parameters, "cfg")
	sampler, _, _ := findStringKeys(corr.Parameters, "sampler")
	assert.GreaterOrEqual(t, steps, 30.0)
	assert.InDelta(t, 8.5, cfg, 1e-9)
	assert.NotEqual(t, "euler", sampler)
}

func TestCorrect_QualityBoostSaturates(t *testing.T) {
	e, _ := newTestEngine(t)
	params := map[string]any{"steps": 48.0, "cfg": 11.5, "sampler": "dpmpp_2m"}
	res := failedResult(score.QualityTooLow(0.5, 0.7))

	corr, err := e.Correct(context.Background(), "art-3", params, res)
	require.NoError(t, err)

	steps, _ := findNumber(corr.Parameters, "steps")
	cfg, _ := findNumber(corr.Parameters, "cfg")
	assert.Equal(t, 50.0, steps)
	assert.Equal(t, 12.0, cfg)
}

func TestCorrect_CombinedResolutionAndQuality(t *testing.T) {
	e, _ := newTestEngine(t)
	params := map[string]any{
		"width": 512.0, "height": 512.0,
		"steps": 20.0, "cfg": 7.0, "sampler": "euler",
		"positive": "a sweeping mountain range at dawn",
	}
	res := failedResult(
		score.ResolutionTooLow(512, 512, 640, 640),
		score.QualityTooLow(0.3, 0.7),
	)

	corr, err := e.Correct(context.Background(), "art-4", params, res)
	require.NoError(t, err)

	w, _ := findNumber(corr.Parameters, "width")
	h, _ := findNumber(corr.Parameters, "height")
	steps, _ := findNumber(corr.Parameters, "steps")
	cfg, _ := findNumber(corr.Parameters, "cfg")
	assert.Equal(t, 768.0, w)
	assert.Equal(t, 768.0, h)
	assert.Equal(t, 30.0, steps)
	assert.Equal(t, 8.5, cfg)
}

func TestCorrect_VideoTimingRules(t *testing.T) {
	e, _ := newTestEngine(t)
	params := map[string]any{"frames": 16.0, "fps": 12.0}
	res := failedResult(
		score.DurationTooShort(0.6, 1.0),
		score.FrameRateTooLow(12, 15),
	)

	corr, err := e.Correct(context.Background(), "art-5", params, res)
	require.NoError(t, err)

	frames, _ := findNumber(corr.Parameters, "frames")
	fps, _ := findNumber(corr.Parameters, "fps")
	assert.Equal(t, 24.0, frames, "frames scale by 1.5x")
	assert.Equal(t, 24.0, fps, "fps raised to floor")
}

func TestCorrect_PromptTermIdempotent(t *testing.T) {
	e, _ := newTestEngine(t)
	params := map[string]any{"positive": "a quiet harbor at dusk", "width": 512.0}
	res := failedResult(
		score.QualityTooLow(0.4, 0.7),
		score.ContrastLow(0.08, 0.15),
	)

	corr, err := e.Correct(context.Background(), "art-6", params, res)
	require.NoError(t, err)
	_, prompt, _ := longestTextPath(corr.Parameters)
	assert.Equal(t, 1, countOccurrences(prompt, "high contrast"))

	// Correcting the already-corrected graph changes nothing: the term is
	// already present and there is no sampler block to boost, so the engine
	// refuses rather than resubmitting an identical graph.
	_, err = e.Correct(context.Background(), "art-6b", corr.Parameters, res)
	assert.ErrorIs(t, err, ErrNoFix)
}

func countOccurrences(s, sub string) int {
	n := 0
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			n++
		}
	}
	return n
}

func TestCorrect_SamplerLadderNeverDowngrades(t *testing.T) {
	e, _ := newTestEngine(t)
	params := map[string]any{"steps": 20.0, "cfg": 7.0, "sampler": "euler", "positive": "a castle"}
	res := failedResult(score.QualityTooLow(0.4, 0.7))

	// Three consecutive quality corrections climb the ladder and stay at
	// the top; the sampler must never move back down.
	for i, want := range []string{"dpmpp_2m", "dpmpp_2m_sde", "dpmpp_2m_sde"} {
		corr, err := e.Correct(context.Background(), fmt.Sprintf("art-ladder-%d", i), params, res)
		require.NoError(t, err)
		sampler, _, _ := findStringKeys(corr.Parameters, "sampler")
		assert.Equal(t, want, sampler, "attempt %d", i+1)
		params = corr.Parameters
	}
}

func TestCorrect_NoFixWhenQualitySaturated(t *testing.T) {
	e, _ := newTestEngine(t)
	params := map[string]any{"steps": 50.0, "cfg": 12.0, "sampler": "dpmpp_2m_sde"}
	_, err := e.Correct(context.Background(), "art-sat", params, failedResult(score.QualityTooLow(0.5, 0.7)))
	assert.ErrorIs(t, err, ErrNoFix, "a correction identical to its input must not be resubmitted")
}

func TestCorrect_NoFixForPassingResult(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.Correct(context.Background(), "art-7", map[string]any{}, failedResult())
	assert.ErrorIs(t, err, ErrNoFix)
}

func TestCorrect_NoFixWhenNoRuleMatches(t *testing.T) {
	e, _ := newTestEngine(t)
	// Unreadable has no mutation rule and the graph has no prompt to rewrite.
	res := failedResult(score.Unreadable("x.png", errors.New("corrupt")))
	_, err := e.Correct(context.Background(), "art-8", map[string]any{"seed": 7.0}, res)
	assert.ErrorIs(t, err, ErrNoFix)
}

func TestCorrect_AttemptCapRaisesAlert(t *testing.T) {
	e, st := newTestEngine(t)
	params := map[string]any{"width": 512.0, "height": 512.0}
	res := failedResult(score.ResolutionTooLow(512, 512, 1024, 1024))

	for i := 0; i < DefaultMaxAttempts; i++ {
		corr, err := e.Correct(context.Background(), "art-9", params, res)
		require.NoError(t, err)
		require.NoError(t, e.Commit(corr, corr.Record.ID+"-resub"))
	}

	_, err := e.Correct(context.Background(), "art-9", params, res)
	assert.ErrorIs(t, err, ErrAttemptsExhausted)

	alerts, err := st.ListAlerts(10)
	require.NoError(t, err)
	require.NotEmpty(t, alerts)
	assert.Equal(t, "manual_review", alerts[0].AlertType)
}

func TestCorrect_LearnedOverlayWins(t *testing.T) {
	e, st := newTestEngine(t)
	params := map[string]any{
		"steps": 20.0, "cfg": 7.0, "sampler": "euler",
		"positive": "a lighthouse in a storm",
	}
	best := map[string]any{
		"steps": 45.0, "cfg": 9.0, "sampler": "dpmpp_2m_sde",
		"positive": "a lighthouse in a storm",
	}
	_, err := st.UpsertBest(learn.Fingerprint(params), best, 0.92)
	require.NoError(t, err)

	corr, err := e.Correct(context.Background(), "art-10", params, failedResult(score.QualityTooLow(0.4, 0.7)))
	require.NoError(t, err)
	assert.True(t, corr.LearnedOverlay)

	steps, _ := findNumber(corr.Parameters, "steps")
	sampler, _, _ := findStringKeys(corr.Parameters, "sampler")
	assert.Equal(t, 45.0, steps, "learned steps override rule output")
	assert.Equal(t, "dpmpp_2m_sde", sampler)
}

func TestCorrect_LearnedOverlayIgnoredBelowThreshold(t *testing.T) {
	e, st := newTestEngine(t)
	params := map[string]any{"steps": 20.0, "positive": "a lighthouse in a storm"}
	_, err := st.UpsertBest(learn.Fingerprint(params), map[string]any{"steps": 45.0}, 0.5)
	require.NoError(t, err)

	corr, err := e.Correct(context.Background(), "art-11", params, failedResult(score.QualityTooLow(0.4, 0.7)))
	require.NoError(t, err)
	assert.False(t, corr.LearnedOverlay)

	steps, _ := findNumber(corr.Parameters, "steps")
	assert.Equal(t, 30.0, steps)
}

type fakeRewriter struct {
	response string
	err      error
	lastText string
}

func (f *fakeRewriter) Query(_ context.Context, text, _ string) (string, error) {
	f.lastText = text
	return f.response, f.err
}

func TestCorrect_OracleRewrite(t *testing.T) {
	st := learn.NewMemStore()
	rw := &fakeRewriter{response: "a lighthouse in a storm, crisp detail, volumetric light"}
	e := NewEngine(st, rw, Config{})

	params := map[string]any{"steps": 20.0, "positive": "a lighthouse in a storm"}
	corr, err := e.Correct(context.Background(), "art-12", params, failedResult(score.QualityTooLow(0.4, 0.7)))
	require.NoError(t, err)
	assert.True(t, corr.PromptRewritten)
	assert.Equal(t, "a lighthouse in a storm", rw.lastText)

	_, prompt, _ := longestTextPath(corr.Parameters)
	assert.Equal(t, rw.response, prompt)
}

func TestCorrect_OracleFailureDegrades(t *testing.T) {
	st := learn.NewMemStore()
	rw := &fakeRewriter{err: errors.New("oracle down")}
	e := NewEngine(st, rw, Config{})

	params := map[string]any{"steps": 20.0, "positive": "a lighthouse in a storm"}
	corr, err := e.Correct(context.Background(), "art-13", params, failedResult(score.QualityTooLow(0.4, 0.7)))
	require.NoError(t, err)
	assert.False(t, corr.PromptRewritten)

	_, prompt, _ := longestTextPath(corr.Parameters)
	assert.Equal(t, "a lighthouse in a storm", prompt)
}

func TestCommit_PersistsLineage(t *testing.T) {
	e, st := newTestEngine(t)
	params := map[string]any{"width": 512.0, "height": 512.0}
	corr, err := e.Correct(context.Background(), "art-14", params, failedResult(score.ResolutionTooLow(512, 512, 1024, 1024)))
	require.NoError(t, err)
	require.NoError(t, e.Commit(corr, "art-14-retry"))

	recs, err := st.CorrectionsFor("art-14")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "art-14-retry", recs[0].CorrectedArtifactID)
	assert.Equal(t, 1, e.Attempts("art-14"))
}

func TestRecordOutcome(t *testing.T) {
	e, st := newTestEngine(t)
	params := map[string]any{"positive": "a desert canyon"}
	fp := learn.Fingerprint(params)

	e.RecordOutcome(params, &score.ScoreResult{Passes: true, QualityScore: 0.88})
	best, err := st.BestParameters(fp)
	require.NoError(t, err)
	require.NotNil(t, best)
	assert.Equal(t, 0.88, best.QualityScore)

	e.RecordOutcome(params, failedResult(score.QualityTooLow(0.3, 0.7)))
	fails, err := st.RecentFailures(fp)
	require.NoError(t, err)
	assert.Len(t, fails, 1)
}
