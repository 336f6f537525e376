package memory

import (
	"math"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Dimensions is the fixed embedding vector size.
const Dimensions = 256

// Embed produces a deterministic hashed bag-of-tokens embedding of the
// given indicator text: each token hashes to a bucket and a sign, and the
// vector is L2-normalized. Equal text always embeds identically, and texts
// sharing many tokens land close under cosine similarity. This keeps the
// memory index self-contained; a learned embedding model can replace it
// behind the same signature.
func Embed(text string) []float32 {
	vec := make([]float32, Dimensions)
	for _, tok := range tokenize(text) {
		h := xxhash.Sum64String(tok)
		bucket := h % Dimensions
		if h&(1<<63) != 0 {
			vec[bucket]--
		} else {
			vec[bucket]++
		}
	}
	normalize(vec)
	return vec
}

// Cosine returns the cosine similarity of two vectors, 0 for mismatched or
// zero-length inputs.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == ':', r == '_', r == '-':
			return false
		default:
			return true
		}
	})
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range vec {
		vec[i] *= inv
	}
}
