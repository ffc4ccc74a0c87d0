package correct

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"vigil/internal/score"
)

// Mutation caps and floors. Step count and guidance scale saturate rather
// than growing without bound; frame rate is raised to a fixed floor.
const (
	resolutionScale = 1.5
	stepsIncrement  = 10
	stepsCap        = 50
	cfgIncrement    = 1.5
	cfgCap          = 12.0
	durationScale   = 1.5
	minFrameFloor   = 16
	frameRateFloor  = 24.0
)

// samplerUpgrades maps each sampler to a higher-fidelity replacement.
// Unknown samplers upgrade to the default high-fidelity choice; the top of
// the ladder maps to itself so repeated corrections never downgrade.
var samplerUpgrades = map[string]string{
	"euler":           "dpmpp_2m",
	"euler_ancestral": "dpmpp_2m",
	"ddim":            "dpmpp_2m",
	"lcm":             "dpmpp_2m",
	"dpmpp_2m":        "dpmpp_2m_sde",
	"dpmpp_2m_sde":    "dpmpp_2m_sde",
}

const defaultUpgradeSampler = "dpmpp_2m"

// promptTerms are the positive-prompt additions for signal-level reasons.
// Appended once, idempotently.
var promptTerms = map[score.ReasonKind]string{
	score.ReasonBrightnessOff: "balanced exposure, natural lighting",
	score.ReasonContrastLow:   "high contrast, vivid tones",
	score.ReasonSharpnessLow:  "sharp focus, highly detailed",
}

// applyRules mutates params in place according to the rejection reasons and
// returns the names of the rules that fired.
func applyRules(params map[string]any, reasons []score.Reason) []string {
	var applied []string
	for _, r := range reasons {
		switch r.Kind {
		case score.ReasonResolutionTooLow:
			if fixResolution(params, r) {
				applied = append(applied, "resolution-upscale")
			}
		case score.ReasonQualityTooLow:
			if fixQuality(params) {
				applied = append(applied, "quality-boost")
			}
		case score.ReasonSharpnessLow:
			if fixQuality(params) {
				applied = append(applied, "quality-boost")
			}
			if appendPromptTerm(params, promptTerms[r.Kind]) {
				applied = append(applied, "prompt-sharpness")
			}
		case score.ReasonDurationTooShort:
			if fixDuration(params) {
				applied = append(applied, "duration-extend")
			}
		case score.ReasonFrameRateTooLow:
			if fixFrameRate(params) {
				applied = append(applied, "framerate-floor")
			}
		case score.ReasonBrightnessOff, score.ReasonContrastLow:
			if appendPromptTerm(params, promptTerms[r.Kind]) {
				applied = append(applied, "prompt-"+string(r.Kind))
			}
		}
	}
	return dedupe(applied)
}

// fixResolution scales width and height by resolutionScale, floors each to a
// multiple of 8, and never lands below the required minimum from the reason.
func fixResolution(params map[string]any, r score.Reason) bool {
	w, wOK := findNumber(params, "width")
	h, hOK := findNumber(params, "height")
	if !wOK || !hOK {
		return false
	}
	newW := float64(floorToMultiple8(w * resolutionScale))
	newH := float64(floorToMultiple8(h * resolutionScale))
	if req := float64(r.RequiredW); newW < req {
		newW = float64(ceilToMultiple8(req))
	}
	if req := float64(r.RequiredH); newH < req {
		newH = float64(ceilToMultiple8(req))
	}
	setNumber(params, "width", newW)
	setNumber(params, "height", newH)
	return true
}

// fixQuality raises steps and guidance and switches to a higher-fidelity
// sampler. Reports a change only when a value actually moved, so a graph
// saturated at the caps falls through to the no-fix path.
func fixQuality(params map[string]any) bool {
	changed := false
	if steps, ok := findNumber(params, "steps"); ok {
		if next := math.Min(steps+stepsIncrement, stepsCap); next != steps {
			setNumber(params, "steps", next)
			changed = true
		}
	}
	if cfg, key, ok := findNumberKeys(params, "cfg", "cfg_scale", "guidance_scale"); ok {
		if next := math.Min(cfg+cfgIncrement, cfgCap); next != cfg {
			setNumber(params, key, next)
			changed = true
		}
	}
	if sampler, key, ok := findStringKeys(params, "sampler", "sampler_name"); ok {
		next, known := samplerUpgrades[sampler]
		if !known {
			next = defaultUpgradeSampler
		}
		if next != sampler {
			setString(params, key, next)
			changed = true
		}
	}
	return changed
}

// fixDuration scales the frame-count or duration parameter by durationScale
// with a fixed floor on frame count.
func fixDuration(params map[string]any) bool {
	if frames, key, ok := findNumberKeys(params, "frames", "frame_count", "length"); ok {
		setNumber(params, key, math.Max(math.Ceil(frames*durationScale), minFrameFloor))
		return true
	}
	if dur, key, ok := findNumberKeys(params, "duration", "duration_seconds"); ok {
		setNumber(params, key, dur*durationScale)
		return true
	}
	return false
}

// fixFrameRate raises the frame rate to the fixed floor.
func fixFrameRate(params map[string]any) bool {
	if fps, key, ok := findNumberKeys(params, "fps", "frame_rate"); ok && fps < frameRateFloor {
		setNumber(params, key, frameRateFloor)
		return true
	}
	return false
}

// appendPromptTerm appends term to the positive prompt (the longest text
// field) unless it is already present.
func appendPromptTerm(params map[string]any, term string) bool {
	if term == "" {
		return false
	}
	path, prompt, ok := longestTextPath(params)
	if !ok {
		return false
	}
	if strings.Contains(prompt, term) {
		return false // already applied, nothing changed
	}
	setAtPath(params, path, prompt+", "+term)
	return true
}

func floorToMultiple8(v float64) int {
	n := int(v)
	return n - n%8
}

func ceilToMultiple8(v float64) int {
	n := int(math.Ceil(v))
	if n%8 == 0 {
		return n
	}
	return n + (8 - n%8)
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	var out []string
	for _, it := range items {
		if !seen[it] {
			seen[it] = true
			out = append(out, it)
		}
	}
	return out
}

// --- parameter graph traversal ---
//
// The parameter graph is an opaque nested map; mutations target the first
// occurrence of a key in sorted-key depth-first order, which keeps repeated
// corrections deterministic.

func findNumber(params map[string]any, key string) (float64, bool) {
	v, _, ok := findNumberKeys(params, key)
	return v, ok
}

// findNumberKeys returns the first numeric value found under any of the
// given keys, along with the key that matched.
func findNumberKeys(params map[string]any, keys ...string) (float64, string, bool) {
	for _, key := range keys {
		if v, ok := findValue(params, key); ok {
			if f, ok := toFloat(v); ok {
				return f, key, true
			}
		}
	}
	return 0, "", false
}

func findStringKeys(params map[string]any, keys ...string) (string, string, bool) {
	for _, key := range keys {
		if v, ok := findValue(params, key); ok {
			if s, ok := v.(string); ok {
				return s, key, true
			}
		}
	}
	return "", "", false
}

func findValue(node any, key string) (any, bool) {
	m, ok := node.(map[string]any)
	if !ok {
		if slice, ok := node.([]any); ok {
			for _, child := range slice {
				if v, found := findValue(child, key); found {
					return v, true
				}
			}
		}
		return nil, false
	}
	if v, ok := m[key]; ok {
		switch v.(type) {
		case map[string]any, []any:
		default:
			return v, true
		}
	}
	for _, k := range sortedKeys(m) {
		if v, found := findValue(m[k], key); found {
			return v, true
		}
	}
	return nil, false
}

// setNumber replaces the first scalar occurrence of key with val.
func setNumber(node any, key string, val float64) bool {
	return setValue(node, key, val)
}

func setString(node any, key string, val string) bool {
	return setValue(node, key, val)
}

func setValue(node any, key string, val any) bool {
	m, ok := node.(map[string]any)
	if !ok {
		if slice, ok := node.([]any); ok {
			for _, child := range slice {
				if setValue(child, key, val) {
					return true
				}
			}
		}
		return false
	}
	if existing, ok := m[key]; ok {
		switch existing.(type) {
		case map[string]any, []any:
		default:
			m[key] = val
			return true
		}
	}
	for _, k := range sortedKeys(m) {
		if setValue(m[k], key, val) {
			return true
		}
	}
	return false
}

// longestTextPath locates the longest string value in the graph and returns
// its key path.
func longestTextPath(node any) ([]string, string, bool) {
	var bestPath []string
	best := ""
	var walk func(n any, path []string)
	walk = func(n any, path []string) {
		switch t := n.(type) {
		case string:
			if len(t) > len(best) {
				best = t
				bestPath = append([]string(nil), path...)
			}
		case map[string]any:
			for _, k := range sortedKeys(t) {
				walk(t[k], append(path, k))
			}
		case []any:
			for i, child := range t {
				walk(child, append(path, fmt.Sprintf("[%d]", i)))
			}
		}
	}
	walk(node, nil)
	return bestPath, best, best != ""
}

// setAtPath writes val at the key path produced by longestTextPath.
func setAtPath(node any, path []string, val any) {
	for i, seg := range path {
		last := i == len(path)-1
		if strings.HasPrefix(seg, "[") {
			idx := 0
			_, _ = fmt.Sscanf(seg, "[%d]", &idx)
			slice, ok := node.([]any)
			if !ok || idx >= len(slice) {
				return
			}
			if last {
				slice[idx] = val
				return
			}
			node = slice[idx]
			continue
		}
		m, ok := node.(map[string]any)
		if !ok {
			return
		}
		if last {
			m[seg] = val
			return
		}
		node = m[seg]
	}
}

// deepCopy clones a parameter graph so mutations never touch the original.
func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		cp := make(map[string]any, len(t))
		for k, child := range t {
			cp[k] = deepCopy(child)
		}
		return cp
	case []any:
		cp := make([]any, len(t))
		for i, child := range t {
			cp[i] = deepCopy(child)
		}
		return cp
	default:
		return v
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
