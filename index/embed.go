// ABOUTME: Embedder interface and the default feature-hashing embedder.
// ABOUTME: Hashing gives deterministic, provider-free vectors good enough for coarse recall.

package index

import (
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Embedder turns text into a fixed-dimension vector. Implementations must be
// safe for concurrent use.
type Embedder interface {
	Embed(text string) []float32
	Dimensions() int
}

// HashEmbedder folds token and token-bigram hashes into buckets and
// L2-normalizes the result. It captures lexical overlap, not meaning, which
// is sufficient for the recall indexes: the context gatherer re-reads the
// underlying turn documents anyway.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder creates an embedder producing dims-wide vectors.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims < 1 {
		dims = 1
	}
	return &HashEmbedder{dims: dims}
}

// Dimensions implements Embedder.
func (h *HashEmbedder) Dimensions() int { return h.dims }

// Embed implements Embedder.
func (h *HashEmbedder) Embed(text string) []float32 {
	v := make([]float32, h.dims)
	tokens := tokenize(text)
	for i, tok := range tokens {
		h.fold(v, tok, 1)
		if i > 0 {
			h.fold(v, tokens[i-1]+" "+tok, 0.5)
		}
	}

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range v {
			v[i] *= inv
		}
	}
	return v
}

// fold adds weight into the bucket for the token, with a second hash choosing
// the sign so collisions cancel rather than pile up.
func (h *HashEmbedder) fold(v []float32, token string, weight float32) {
	hasher := fnv.New64a()
	hasher.Write([]byte(token))
	sum := hasher.Sum64()
	bucket := int(sum % uint64(h.dims))
	if (sum>>63)&1 == 1 {
		weight = -weight
	}
	v[bucket] += weight
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
