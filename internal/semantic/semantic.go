// Package semantic scores how closely generated-content descriptions adhere
// to the intended narrative, via cosine similarity in a shared embedding
// space. The built-in embedder is a deterministic feature-hashing model; a
// real encoder can be plugged in through the Embedder interface.
package semantic

import (
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Embedder maps text into a fixed-dimension vector space. Implementations
// must be deterministic for identical input.
type Embedder interface {
	Embed(text string) []float64
}

// embeddingDim is the hashing embedder's vector width.
const embeddingDim = 256

// HashingEmbedder is a dependency-free signed feature-hashing embedder.
// It is a stand-in for a learned encoder: adequate for relative ranking of
// closely related texts, deterministic, and cheap.
type HashingEmbedder struct {
	dim int
}

// NewHashingEmbedder returns the default local embedder.
func NewHashingEmbedder() *HashingEmbedder {
	return &HashingEmbedder{dim: embeddingDim}
}

// Embed tokenizes text and accumulates signed token hashes into a unit vector.
// Empty or tokenless text embeds as the zero vector.
func (e *HashingEmbedder) Embed(text string) []float64 {
	vec := make([]float64, e.dim)
	for _, tok := range tokenize(text) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum64()
		idx := int(sum % uint64(e.dim))
		sign := 1.0
		if (sum>>63)&1 == 1 {
			sign = -1.0
		}
		vec[idx] += sign
	}
	normalize(vec)
	return vec
}

// Scorer computes narrative-adherence similarity.
type Scorer struct {
	embedder Embedder
}

// NewScorer builds a Scorer over the given embedder; nil selects the local
// hashing embedder.
func NewScorer(e Embedder) *Scorer {
	if e == nil {
		e = NewHashingEmbedder()
	}
	return &Scorer{embedder: e}
}

// Adherence embeds the intended narrative and optional scene description,
// averages them, and returns cosine similarity against the content
// description. Result is in [-1, 1]; zero when either side is empty.
func (s *Scorer) Adherence(narrative, scene, contentDescription string) float64 {
	intent := s.embedder.Embed(narrative)
	if strings.TrimSpace(scene) != "" {
		sceneVec := s.embedder.Embed(scene)
		for i := range intent {
			intent[i] = (intent[i] + sceneVec[i]) / 2
		}
		normalize(intent)
	}
	content := s.embedder.Embed(contentDescription)
	return Cosine(intent, content)
}

// Cosine returns the cosine similarity of two equal-length vectors.
// Zero-magnitude input yields 0.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func normalize(vec []float64) {
	var mag float64
	for _, v := range vec {
		mag += v * v
	}
	if mag == 0 {
		return
	}
	mag = math.Sqrt(mag)
	for i := range vec {
		vec[i] /= mag
	}
}

// tokenize lowercases and splits on non-letter/digit runs.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
