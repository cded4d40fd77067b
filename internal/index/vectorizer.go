package index

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"golang.org/x/sync/errgroup"
)

// Vectorizer turns localized text into a fixed-dimension vector. The engine
// is polymorphic over this seam: a deployment can plug in a remote embedding
// model without touching the index.
type Vectorizer interface {
	Vectorize(ctx context.Context, text string) ([]float32, error)
	Dim() int
}

// HashingVectorizer is the shipped Vectorizer: deterministic feature hashing
// of unigrams and bigrams into a fixed-dimension space, L2-normalized.
// It needs no model weights and no network, which keeps the core usable on
// fully offline devices; similarity quality is bounded but transparent.
type HashingVectorizer struct {
	dim int
}

// NewHashingVectorizer creates a vectorizer with the given dimension.
// Dimensions below 64 are raised to 64.
func NewHashingVectorizer(dim int) *HashingVectorizer {
	if dim < 64 {
		dim = 64
	}
	return &HashingVectorizer{dim: dim}
}

// Dim returns the vector dimension.
func (v *HashingVectorizer) Dim() int { return v.dim }

// Vectorize hashes the tokens of text into a normalized vector.
// Deterministic: the same text always produces the same vector.
func (v *HashingVectorizer) Vectorize(_ context.Context, text string) ([]float32, error) {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return nil, fmt.Errorf("vectorizing: no tokens in text")
	}

	vec := make([]float32, v.dim)
	add := func(feature string, weight float32) {
		h := fnv.New32a()
		h.Write([]byte(feature))
		sum := h.Sum32()
		idx := int(sum % uint32(v.dim))
		// High bits decide the sign so collisions don't systematically
		// inflate a bucket.
		if (sum>>16)&1 == 0 {
			weight = -weight
		}
		vec[idx] += weight
	}

	for i, tok := range tokens {
		add(tok, 1)
		if i+1 < len(tokens) {
			add(tok+" "+tokens[i+1], 0.5)
		}
	}

	var sum float64
	for _, f := range vec {
		sum += float64(f) * float64(f)
	}
	n := float32(math.Sqrt(sum))
	if n == 0 {
		return nil, fmt.Errorf("vectorizing: zero vector")
	}
	for i := range vec {
		vec[i] /= n
	}
	return vec, nil
}

// tokenize lowercases and splits on non-letter, non-digit runes. Works for
// space-separated scripts; Indic scripts pass through as whole-word tokens.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// VectorizeBatch vectorizes several texts concurrently, bounded to four
// goroutines. Returns nil for empty input.
func VectorizeBatch(ctx context.Context, v Vectorizer, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for i, text := range texts {
		g.Go(func() error {
			vec, err := v.Vectorize(gCtx, text)
			if err != nil {
				return fmt.Errorf("vectorizing text %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
