package memory

import (
	"hash/fnv"
	"math"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Embedder turns text into a fixed-dimension vector. Implementations must
// return the same dimension for every input; a store rejects mixed
// dimensions.
type Embedder interface {
	ModelID() string
	Embed(text string) []float32
}

const (
	chargramModelID = "ctxkeeper-chargram-384-v1"
	hashModelID     = "ctxkeeper-hash-256-v1"
)

var tokenPattern = regexp.MustCompile(`[A-Za-z0-9_\-]+`)

// ChargramEmbedder is the default offline embedder: character trigrams
// plus token hashes folded into a normalized 384-dim vector. No network,
// deterministic.
type ChargramEmbedder struct {
	dims int
}

func NewChargramEmbedder() *ChargramEmbedder { return &ChargramEmbedder{dims: 384} }

func (e *ChargramEmbedder) ModelID() string { return chargramModelID }

func (e *ChargramEmbedder) Embed(text string) []float32 {
	vec := make([]float32, e.dims)
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return vec
	}
	window := "#" + normalized + "#"
	for i := 0; i+3 <= len(window); i++ {
		vec[hashIndex(window[i:i+3], e.dims)]++
	}
	for _, token := range tokenize(normalized) {
		vec[hashIndex("tok:"+token, e.dims)] += 1.25
	}
	normalizeVector(vec)
	return vec
}

// HashEmbedder is a cheaper 256-dim signed token-hash embedder.
type HashEmbedder struct {
	dims int
}

func NewHashEmbedder() *HashEmbedder { return &HashEmbedder{dims: 256} }

func (e *HashEmbedder) ModelID() string { return hashModelID }

func (e *HashEmbedder) Embed(text string) []float32 {
	vec := make([]float32, e.dims)
	for _, token := range tokenize(strings.ToLower(text)) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(token))
		sum := h.Sum64()
		sign := float32(1)
		if sum&1 == 1 {
			sign = -1
		}
		weight := float32(1 + (len(token) / 8))
		vec[int(sum%uint64(e.dims))] += sign * weight
	}
	normalizeVector(vec)
	return vec
}

// CachedEmbedder wraps another embedder with a bounded LRU so repeated
// texts (summaries re-embedded across sweeps, repeated queries) cost one
// computation.
type CachedEmbedder struct {
	inner Embedder
	cache *lru.Cache[string, []float32]
}

func NewCachedEmbedder(inner Embedder, size int) (*CachedEmbedder, error) {
	if size <= 0 {
		size = 512
	}
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, err
	}
	return &CachedEmbedder{inner: inner, cache: cache}, nil
}

func (e *CachedEmbedder) ModelID() string { return e.inner.ModelID() }

func (e *CachedEmbedder) Embed(text string) []float32 {
	if vec, ok := e.cache.Get(text); ok {
		return vec
	}
	vec := e.inner.Embed(text)
	e.cache.Add(text, vec)
	return vec
}

func hashIndex(s string, dims int) int {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return int(h.Sum64() % uint64(dims))
}

func tokenize(text string) []string {
	matches := tokenPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return []string{text}
	}
	return matches
}

func normalizeVector(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v * v)
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sum))
	for i := range vec {
		vec[i] *= inv
	}
}
