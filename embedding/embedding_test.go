package embedding

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/swmcc/indexatron/analysis"
)

type fakeBackend struct {
	vector []float32
	err    error
}

func (f *fakeBackend) Name() string       { return "fake" }
func (f *fakeBackend) Model() string      { return "fake-vision" }
func (f *fakeBackend) EmbedModel() string { return "fake-embed" }
func (f *fakeBackend) IsHealthy() bool    { return true }

func (f *fakeBackend) DescribeImage(ctx context.Context, image []byte, prompt string) (string, error) {
	return "", errors.New("not used")
}

func (f *fakeBackend) Embeddings(ctx context.Context, text string) ([]float32, error) {
	return f.vector, f.err
}

func makeVector(n int) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = float32(i) * 0.01
	}
	return v
}

func TestEmbed(t *testing.T) {
	t.Run("matching dimensions", func(t *testing.T) {
		e := NewEmbedder(&fakeBackend{vector: makeVector(768)}, 768, nil)

		rec, err := e.Embed(t.Context(), "photo.jpg", "a summer picnic")
		if err != nil {
			t.Fatalf("unexpected error %v", err)
		}
		if rec.Dimensions != 768 || len(rec.Embedding) != 768 {
			t.Errorf("dimensions = %d, len = %d", rec.Dimensions, len(rec.Embedding))
		}
		if rec.Filename != "photo.jpg" || rec.ModelUsed != "fake-embed" {
			t.Errorf("record = %+v", rec)
		}
		if rec.SourceText != "a summer picnic" {
			t.Errorf("source text = %q", rec.SourceText)
		}
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		e := NewEmbedder(&fakeBackend{vector: makeVector(512)}, 768, nil)

		_, err := e.Embed(t.Context(), "photo.jpg", "a summer picnic")
		if !errors.Is(err, ErrDimensionMismatch) {
			t.Fatalf("expected ErrDimensionMismatch, got %v", err)
		}
	})

	t.Run("backend error passes through", func(t *testing.T) {
		sentinel := errors.New("boom")
		e := NewEmbedder(&fakeBackend{err: sentinel}, 768, nil)

		_, err := e.Embed(t.Context(), "photo.jpg", "text")
		if !errors.Is(err, sentinel) {
			t.Fatalf("expected backend error, got %v", err)
		}
	})

	t.Run("long source text truncated", func(t *testing.T) {
		e := NewEmbedder(&fakeBackend{vector: makeVector(768)}, 768, nil)

		long := strings.Repeat("x", 600)
		rec, err := e.Embed(t.Context(), "photo.jpg", long)
		if err != nil {
			t.Fatal(err)
		}
		if len(rec.SourceText) != 503 || !strings.HasSuffix(rec.SourceText, "...") {
			t.Errorf("source text length = %d", len(rec.SourceText))
		}
	})
}

func TestSourceText(t *testing.T) {
	pa := &analysis.PhotoAnalysis{
		Description: "Kids building a sandcastle.",
		Location:    &analysis.Location{Setting: "beach", Type: "outdoor"},
		Categories:  []string{"beach", "summer"},
		Era:         &analysis.Era{Decade: "2010s", Confidence: analysis.ConfidenceHigh},
		Mood:        "playful",
		Objects:     []string{"bucket", "spade"},
	}

	got := SourceText(pa)
	want := "Kids building a sandcastle. | Location: beach outdoor | Categories: beach, summer | Mood: playful | Era: 2010s | Objects: bucket, spade"
	if got != want {
		t.Errorf("SourceText = %q, want %q", got, want)
	}

	t.Run("description only", func(t *testing.T) {
		minimal := &analysis.PhotoAnalysis{Description: "A blurry photo."}
		if got := SourceText(minimal); got != "A blurry photo." {
			t.Errorf("SourceText = %q", got)
		}
	})
}
