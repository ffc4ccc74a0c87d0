package correct

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/score"
)

// nodeGraph mirrors the renderer's submission shape: numbered nodes with an
// inputs map each.
func nodeGraph() map[string]any {
	return map[string]any{
		"3": map[string]any{
			"class_type": "KSampler",
			"inputs": map[string]any{
				"steps": 20.0, "cfg": 7.0, "sampler_name": "euler", "seed": 42.0,
			},
		},
		"5": map[string]any{
			"class_type": "EmptyLatentImage",
			"inputs":     map[string]any{"width": 512.0, "height": 512.0},
		},
		"6": map[string]any{
			"class_type": "CLIPTextEncode",
			"inputs":     map[string]any{"text": "a castle on a hill, golden hour"},
		},
	}
}

func TestApplyRules_NestedGraph(t *testing.T) {
	g := nodeGraph()
	applied := applyRules(g, []score.Reason{
		score.ResolutionTooLow(512, 512, 640, 640),
		score.QualityTooLow(0.4, 0.7),
	})
	assert.ElementsMatch(t, []string{"resolution-upscale", "quality-boost"}, applied)

	w, _ := findNumber(g, "width")
	h, _ := findNumber(g, "height")
	steps, _ := findNumber(g, "steps")
	sampler, _, _ := findStringKeys(g, "sampler", "sampler_name")
	assert.Equal(t, 768.0, w)
	assert.Equal(t, 768.0, h)
	assert.Equal(t, 30.0, steps)
	assert.Equal(t, "dpmpp_2m", sampler)

	// Unrelated inputs stay put.
	seed, _ := findNumber(g, "seed")
	assert.Equal(t, 42.0, seed)
}

func TestAppendPromptTerm_NestedGraph(t *testing.T) {
	g := nodeGraph()
	require.True(t, appendPromptTerm(g, "sharp focus"))
	_, prompt, ok := longestTextPath(g)
	require.True(t, ok)
	assert.Equal(t, "a castle on a hill, golden hour, sharp focus", prompt)
}

func TestFixQuality_SamplerLadderTopsOut(t *testing.T) {
	g := map[string]any{"steps": 20.0, "sampler": "dpmpp_2m_sde"}
	require.True(t, fixQuality(g))
	sampler, _, _ := findStringKeys(g, "sampler")
	assert.Equal(t, "dpmpp_2m_sde", sampler, "top of the ladder stays put")
}

func TestFixQuality_SaturatedReportsNoChange(t *testing.T) {
	g := map[string]any{"steps": 50.0, "cfg": 12.0, "sampler": "dpmpp_2m_sde"}
	assert.False(t, fixQuality(g))
	steps, _ := findNumber(g, "steps")
	cfg, _ := findNumber(g, "cfg")
	assert.Equal(t, 50.0, steps)
	assert.Equal(t, 12.0, cfg)
}

func TestAppendPromptTerm_AlreadyPresent(t *testing.T) {
	g := map[string]any{"positive": "a castle on a hill, sharp focus"}
	assert.False(t, appendPromptTerm(g, "sharp focus"))
}

func TestMultipleOf8Helpers(t *testing.T) {
	assert.Equal(t, 768, floorToMultiple8(768.0))
	assert.Equal(t, 760, floorToMultiple8(767.9))
	assert.Equal(t, 1024, ceilToMultiple8(1024))
	assert.Equal(t, 1032, ceilToMultiple8(1025))
}

func TestDeepCopy_Isolation(t *testing.T) {
	g := nodeGraph()
	cp := deepCopy(g).(map[string]any)
	setNumber(cp, "width", 1024)
	w, _ := findNumber(g, "width")
	assert.Equal(t, 512.0, w)
}

func TestFindValue_MissingKey(t *testing.T) {
	_, _, ok := findNumberKeys(nodeGraph(), "nonexistent")
	assert.False(t, ok)
}
