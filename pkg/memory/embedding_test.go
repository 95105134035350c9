package memory

import (
	"math"
	"testing"
)

func vectorNorm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x * x)
	}
	return math.Sqrt(sum)
}

func TestChargramEmbedderDeterministic(t *testing.T) {
	e := NewChargramEmbedder()
	a := e.Embed("database migration plan")
	b := e.Embed("database migration plan")
	if len(a) != 384 {
		t.Fatalf("dimension = %d, want 384", len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("embedding not deterministic at %d", i)
		}
	}
	if n := vectorNorm(a); math.Abs(n-1.0) > 1e-5 {
		t.Fatalf("norm = %v, want 1", n)
	}
}

func TestChargramEmbedderSimilarityOrdering(t *testing.T) {
	e := NewChargramEmbedder()
	query := e.Embed("postgres database migration")
	near := e.Embed("the postgres database migration steps")
	far := e.Embed("weekend hiking trip photos")

	if Cosine(query, near) <= Cosine(query, far) {
		t.Fatal("related text does not score above unrelated text")
	}
}

func TestChargramEmbedderEmptyInput(t *testing.T) {
	v := NewChargramEmbedder().Embed("   ")
	if len(v) != 384 {
		t.Fatalf("dimension = %d", len(v))
	}
	if vectorNorm(v) != 0 {
		t.Fatal("empty input should embed to the zero vector")
	}
}

func TestHashEmbedder(t *testing.T) {
	e := NewHashEmbedder()
	v := e.Embed("token hashing works")
	if len(v) != 256 {
		t.Fatalf("dimension = %d, want 256", len(v))
	}
	if n := vectorNorm(v); math.Abs(n-1.0) > 1e-5 {
		t.Fatalf("norm = %v, want 1", n)
	}
	if e.ModelID() == NewChargramEmbedder().ModelID() {
		t.Fatal("model IDs must differ between embedders")
	}
}

func TestCachedEmbedder(t *testing.T) {
	inner := &countingEmbedder{inner: NewChargramEmbedder()}
	cached, err := NewCachedEmbedder(inner, 8)
	if err != nil {
		t.Fatalf("new cached embedder: %v", err)
	}

	first := cached.Embed("repeat me")
	second := cached.Embed("repeat me")
	if inner.calls != 1 {
		t.Fatalf("inner called %d times, want 1", inner.calls)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatal("cached result differs")
		}
	}
	if cached.ModelID() != inner.ModelID() {
		t.Fatal("cache must pass through the model ID")
	}
}

type countingEmbedder struct {
	inner Embedder
	calls int
}

func (c *countingEmbedder) ModelID() string { return c.inner.ModelID() }

func (c *countingEmbedder) Embed(text string) []float32 {
	c.calls++
	return c.inner.Embed(text)
}
