package score

import (
	"image"
	"math"
)

// Per-frame metric weights: sharpness, contrast, brightness balance, edge density.
const (
	weightSharpness  = 0.3
	weightContrast   = 0.3
	weightBrightness = 0.2
	weightEdges      = 0.2
)

// laplacianNorm is the Laplacian variance at which sharpness saturates to 1.0.
const laplacianNorm = 1000.0

// edgeResponseMin is the absolute Laplacian response counting a pixel as edge.
const edgeResponseMin = 25.0

// frameMetrics holds the four raw signal metrics for a single frame,
// each normalized to [0,1].
type frameMetrics struct {
	Sharpness   float64
	Contrast    float64
	Brightness  float64
	EdgeDensity float64
}

// score combines the metrics with the fixed weights.
func (m frameMetrics) score() float64 {
	return weightSharpness*m.Sharpness +
		weightContrast*m.Contrast +
		weightBrightness*m.Brightness +
		weightEdges*m.EdgeDensity
}

// luminance converts a frame to a flat luminance plane (ITU-R BT.601 weights).
func luminance(img image.Image) ([]float64, int, int) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	plane := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			// RGBA returns 16-bit channels.
			plane[y*w+x] = (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(bl)) / 257.0
		}
	}
	return plane, w, h
}

// analyzeFrame computes the four signal metrics over one decoded frame.
func analyzeFrame(img image.Image) frameMetrics {
	plane, w, h := luminance(img)
	n := float64(len(plane))
	if n == 0 {
		return frameMetrics{}
	}

	var sum float64
	for _, v := range plane {
		sum += v
	}
	mean := sum / n

	var sqDiff float64
	for _, v := range plane {
		d := v - mean
		sqDiff += d * d
	}
	stddev := math.Sqrt(sqDiff / n)

	lapVar, edgeFrac := laplacianStats(plane, w, h)

	return frameMetrics{
		Sharpness:   clamp01(lapVar / laplacianNorm),
		Contrast:    clamp01(stddev / 255.0),
		Brightness:  clamp01(1.0 - 2.0*math.Abs(mean/255.0-0.5)),
		EdgeDensity: edgeFrac,
	}
}

// laplacianStats computes the variance of the 4-neighbor Laplacian response
// over interior pixels, and the fraction of pixels whose absolute response
// exceeds the edge threshold.
func laplacianStats(plane []float64, w, h int) (variance, edgeFraction float64) {
	if w < 3 || h < 3 {
		return 0, 0
	}
	responses := make([]float64, 0, (w-2)*(h-2))
	edges := 0
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			c := plane[y*w+x]
			resp := 4*c - plane[(y-1)*w+x] - plane[(y+1)*w+x] - plane[y*w+x-1] - plane[y*w+x+1]
			responses = append(responses, resp)
			if math.Abs(resp) > edgeResponseMin {
				edges++
			}
		}
	}
	n := float64(len(responses))
	var sum float64
	for _, r := range responses {
		sum += r
	}
	mean := sum / n
	var sq float64
	for _, r := range responses {
		d := r - mean
		sq += d * d
	}
	return sq / n, float64(edges) / n
}

// MeanLuminance returns a frame's mean luminance normalized to [0,1].
// Used by temporal-smoothness checks over frame sequences.
func MeanLuminance(img image.Image) float64 {
	plane, _, _ := luminance(img)
	if len(plane) == 0 {
		return 0
	}
	var sum float64
	for _, v := range plane {
		sum += v
	}
	return sum / float64(len(plane)) / 255.0
}

// sampleIndices picks up to max evenly spaced indices out of n frames.
func sampleIndices(n, max int) []int {
	if n <= max {
		idx := make([]int, n)
		for i := range idx {
			idx[i] = i
		}
		return idx
	}
	idx := make([]int, max)
	step := float64(n-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx[i] = int(math.Round(float64(i) * step))
	}
	return idx
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}
