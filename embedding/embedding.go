// Package embedding turns photo descriptions into fixed-length vectors via
// the embedding model and validates what comes back.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/swmcc/indexatron/analysis"
	"github.com/swmcc/indexatron/describer"
)

// ErrDimensionMismatch indicates the model returned a vector of the wrong
// length. Recoverable: record the item as failed and keep going.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// sourceTextLimit caps the text stored in a Record. The full text is still
// embedded, only the echo in the output artifact is truncated.
const sourceTextLimit = 500

// Record is the embedding result for one photo.
type Record struct {
	Filename    string    `json:"filename"`
	GeneratedAt time.Time `json:"generated_at"`
	ModelUsed   string    `json:"model_used"`
	Dimensions  int       `json:"dimensions"`
	Embedding   []float32 `json:"embedding"`
	SourceText  string    `json:"source_text"`
}

// Embedder requests vectors from a backend and enforces the expected
// dimensionality.
type Embedder struct {
	d      describer.Describer
	dims   int
	logger *slog.Logger
}

func NewEmbedder(d describer.Describer, dims int, logger *slog.Logger) *Embedder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Embedder{d: d, dims: dims, logger: logger}
}

// Dimensions returns the expected vector length.
func (e *Embedder) Dimensions() int { return e.dims }

// Embed generates an embedding for the given text.
func (e *Embedder) Embed(ctx context.Context, filename, text string) (*Record, error) {
	vector, err := e.d.Embeddings(ctx, text)
	if err != nil {
		return nil, err
	}

	if len(vector) != e.dims {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vector), e.dims)
	}

	e.logger.Debug("embedding generated", "file", filename, "dims", len(vector))

	src := text
	if len(src) > sourceTextLimit {
		src = src[:sourceTextLimit] + "..."
	}

	return &Record{
		Filename:    filename,
		GeneratedAt: time.Now().UTC(),
		ModelUsed:   e.d.EmbedModel(),
		Dimensions:  len(vector),
		Embedding:   vector,
		SourceText:  src,
	}, nil
}

// EmbedAnalysis flattens an analysis into one text and embeds it.
func (e *Embedder) EmbedAnalysis(ctx context.Context, pa *analysis.PhotoAnalysis) (*Record, error) {
	return e.Embed(ctx, pa.Filename, SourceText(pa))
}

// SourceText builds the text representation of an analysis used for
// embedding: the description plus the searchable facets.
func SourceText(pa *analysis.PhotoAnalysis) string {
	parts := []string{pa.Description}

	if pa.Location != nil {
		parts = append(parts, fmt.Sprintf("Location: %s %s", pa.Location.Setting, pa.Location.Type))
	}
	if len(pa.Categories) > 0 {
		parts = append(parts, "Categories: "+strings.Join(pa.Categories, ", "))
	}
	if pa.Mood != "" {
		parts = append(parts, "Mood: "+pa.Mood)
	}
	if pa.Era != nil {
		parts = append(parts, "Era: "+pa.Era.Decade)
	}
	if len(pa.Objects) > 0 {
		parts = append(parts, "Objects: "+strings.Join(pa.Objects, ", "))
	}

	return strings.Join(parts, " | ")
}
