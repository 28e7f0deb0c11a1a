package indexatron

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/swmcc/indexatron/analysis"
	"github.com/swmcc/indexatron/describer"
	"github.com/swmcc/indexatron/embedding"
)

// fakeDescriber keys its canned responses off the image file contents, so
// tests control behavior per image without touching the network.
type fakeDescriber struct {
	describeErr error
	embedDims   map[string]int // source text substring -> returned vector length
	defaultDims int
}

func (f *fakeDescriber) Name() string       { return "fake" }
func (f *fakeDescriber) Model() string      { return "fake-vision" }
func (f *fakeDescriber) EmbedModel() string { return "fake-embed" }
func (f *fakeDescriber) IsHealthy() bool    { return true }

func (f *fakeDescriber) DescribeImage(ctx context.Context, image []byte, prompt string) (string, error) {
	if f.describeErr != nil {
		return "", f.describeErr
	}
	content := string(image)
	if content == "malformed" {
		return "I see a lovely photo but I will not give you JSON.", nil
	}
	return fmt.Sprintf(`{"description": "description of %s", "mood": "warm", "categories": ["family"]}`, content), nil
}

func (f *fakeDescriber) Embeddings(ctx context.Context, text string) ([]float32, error) {
	dims := f.defaultDims
	for substr, d := range f.embedDims {
		if strings.Contains(text, substr) {
			dims = d
		}
	}
	v := make([]float32, dims)
	for i := range v {
		v[i] = float32(i%10) * 0.1
	}
	return v, nil
}

func writeImages(t *testing.T, contents map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range contents {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func newTestProcessor(t *testing.T, d describer.Describer, catalog *DB) *Processor {
	t.Helper()
	a := analysis.NewAnalyzer(d, nil)
	e := embedding.NewEmbedder(d, 768, nil)
	return NewProcessor(a, e, catalog, t.TempDir(), nil)
}

func TestFindImages(t *testing.T) {
	dir := writeImages(t, map[string]string{
		"b.jpg":     "b",
		"a.PNG":     "a",
		"c.webp":    "c",
		"notes.txt": "not an image",
	})
	if err := os.Mkdir(filepath.Join(dir, "subdir"), 0755); err != nil {
		t.Fatal(err)
	}

	images, err := FindImages(dir)
	if err != nil {
		t.Fatal(err)
	}

	if len(images) != 3 {
		t.Fatalf("found %d images, want 3: %v", len(images), images)
	}
	for i, want := range []string{"a.PNG", "b.jpg", "c.webp"} {
		if filepath.Base(images[i]) != want {
			t.Errorf("images[%d] = %s, want %s", i, filepath.Base(images[i]), want)
		}
	}
}

func TestProcessAllPartialFailure(t *testing.T) {
	dir := writeImages(t, map[string]string{
		"img1.jpg": "img-one",
		"img2.jpg": "malformed",
		"img3.jpg": "img-three",
	})

	p := newTestProcessor(t, &fakeDescriber{defaultDims: 768}, nil)

	batch, err := p.ProcessAll(t.Context(), dir, false)
	if err != nil {
		t.Fatal(err)
	}

	if batch.TotalImages != 3 || len(batch.Results) != 3 {
		t.Fatalf("total = %d, results = %d, want 3 and 3", batch.TotalImages, len(batch.Results))
	}
	if batch.Processed != 2 || batch.Failed != 1 {
		t.Errorf("processed = %d failed = %d, want 2 and 1", batch.Processed, batch.Failed)
	}

	// Input order is preserved.
	for i, want := range []string{"img1.jpg", "img2.jpg", "img3.jpg"} {
		if batch.Results[i].Filename != want {
			t.Errorf("results[%d].Filename = %s, want %s", i, batch.Results[i].Filename, want)
		}
	}

	bad := batch.Results[1]
	if bad.Status != StatusAnalysisFailed {
		t.Errorf("img2 status = %s, want %s", bad.Status, StatusAnalysisFailed)
	}
	if bad.ErrorKind != KindInvalidResponse {
		t.Errorf("img2 error kind = %s, want %s", bad.ErrorKind, KindInvalidResponse)
	}
	if bad.Error == "" || bad.Analysis != nil {
		t.Errorf("img2 = %+v", bad)
	}

	for _, i := range []int{0, 2} {
		good := batch.Results[i]
		if good.Status != StatusComplete {
			t.Errorf("%s status = %s", good.Filename, good.Status)
		}
		if good.Analysis == nil || good.Analysis.Description == "" {
			t.Errorf("%s has no analysis", good.Filename)
		}
		if good.EmbeddingDimensions != 768 || len(good.EmbeddingPreview) != 5 {
			t.Errorf("%s embedding dims = %d preview = %d", good.Filename, good.EmbeddingDimensions, len(good.EmbeddingPreview))
		}
	}

	// Artifacts: per-photo files for successes, combined file always.
	for _, fn := range []string{"analysis_img1.json", "embedding_img1.json", "analysis_img3.json", "embedding_img3.json", "batch_results.json"} {
		if _, err := os.Stat(filepath.Join(p.ResultsDir, fn)); err != nil {
			t.Errorf("missing artifact %s: %v", fn, err)
		}
	}
	for _, fn := range []string{"analysis_img2.json", "embedding_img2.json"} {
		if _, err := os.Stat(filepath.Join(p.ResultsDir, fn)); err == nil {
			t.Errorf("unexpected artifact %s for failed item", fn)
		}
	}
}

func TestProcessAllDimensionMismatch(t *testing.T) {
	dir := writeImages(t, map[string]string{
		"ok.jpg":    "fine-photo",
		"short.jpg": "short-photo",
	})

	d := &fakeDescriber{
		defaultDims: 768,
		embedDims:   map[string]int{"description of short-photo": 512},
	}
	p := newTestProcessor(t, d, nil)

	batch, err := p.ProcessAll(t.Context(), dir, false)
	if err != nil {
		t.Fatal(err)
	}

	if len(batch.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(batch.Results))
	}

	var short *ItemResult
	for i := range batch.Results {
		if batch.Results[i].Filename == "short.jpg" {
			short = &batch.Results[i]
		}
	}
	if short == nil {
		t.Fatal("short.jpg missing from results")
	}
	if short.Status != StatusEmbeddingFailed || short.ErrorKind != KindDimensionMismatch {
		t.Errorf("short.jpg = %+v", short)
	}
	if batch.Processed != 1 || batch.Failed != 1 {
		t.Errorf("processed = %d failed = %d", batch.Processed, batch.Failed)
	}
}

func TestProcessOneUnreadableImage(t *testing.T) {
	p := newTestProcessor(t, &fakeDescriber{defaultDims: 768}, nil)

	// The file vanished between discovery and read.
	item, err := p.processOne(t.Context(), filepath.Join(t.TempDir(), "gone.jpg"))
	if err != nil {
		t.Fatal(err)
	}
	if item.Status != StatusAnalysisFailed || item.ErrorKind != KindIOError {
		t.Errorf("item = %+v", item)
	}
}

func TestProcessAllServiceUnavailable(t *testing.T) {
	dir := writeImages(t, map[string]string{"a.jpg": "a", "b.jpg": "b"})

	d := &fakeDescriber{
		describeErr: fmt.Errorf("%w: connection refused", describer.ErrServiceUnavailable),
		defaultDims: 768,
	}
	p := newTestProcessor(t, d, nil)

	_, err := p.ProcessAll(t.Context(), dir, false)
	if !errors.Is(err, describer.ErrServiceUnavailable) {
		t.Fatalf("expected ErrServiceUnavailable, got %v", err)
	}

	// The run aborted, so no combined artifact should exist.
	if _, err := os.Stat(filepath.Join(p.ResultsDir, "batch_results.json")); err == nil {
		t.Error("batch_results.json written despite aborted run")
	}
}

func TestProcessAllIdempotent(t *testing.T) {
	dir := writeImages(t, map[string]string{
		"one.jpg": "one",
		"two.jpg": "malformed",
	})

	p := newTestProcessor(t, &fakeDescriber{defaultDims: 768}, nil)

	first, err := p.ProcessAll(t.Context(), dir, true)
	if err != nil {
		t.Fatal(err)
	}
	second, err := p.ProcessAll(t.Context(), dir, true)
	if err != nil {
		t.Fatal(err)
	}

	if len(first.Results) != len(second.Results) {
		t.Fatalf("result lengths differ: %d vs %d", len(first.Results), len(second.Results))
	}
	for i := range first.Results {
		a, b := first.Results[i], second.Results[i]
		if a.Filename != b.Filename || a.Status != b.Status || a.ErrorKind != b.ErrorKind {
			t.Errorf("results[%d] differ: %+v vs %+v", i, a, b)
		}
		if a.Analysis != nil && b.Analysis != nil && a.Analysis.Description != b.Analysis.Description {
			t.Errorf("results[%d] descriptions differ", i)
		}
		if a.EmbeddingDimensions != b.EmbeddingDimensions {
			t.Errorf("results[%d] dimensions differ", i)
		}
	}
}

func TestProcessAllSkipExisting(t *testing.T) {
	dir := writeImages(t, map[string]string{
		"a.jpg": "a-photo",
		"b.jpg": "b-photo",
	})

	catalog, err := NewDB(t.Context(), ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer catalog.Close()

	p := newTestProcessor(t, &fakeDescriber{defaultDims: 768}, catalog)

	first, err := p.ProcessAll(t.Context(), dir, false)
	if err != nil {
		t.Fatal(err)
	}
	if first.Processed != 2 || first.Skipped != 0 {
		t.Fatalf("first run processed = %d skipped = %d", first.Processed, first.Skipped)
	}

	second, err := p.ProcessAll(t.Context(), dir, false)
	if err != nil {
		t.Fatal(err)
	}
	if second.Skipped != 2 || len(second.Results) != 0 {
		t.Errorf("second run skipped = %d results = %d, want 2 and 0", second.Skipped, len(second.Results))
	}

	// force reprocesses everything.
	third, err := p.ProcessAll(t.Context(), dir, true)
	if err != nil {
		t.Fatal(err)
	}
	if third.Processed != 2 || third.Skipped != 0 {
		t.Errorf("forced run processed = %d skipped = %d", third.Processed, third.Skipped)
	}
}

func TestEmbedExisting(t *testing.T) {
	dir := writeImages(t, map[string]string{"pic.jpg": "pic-content"})

	p := newTestProcessor(t, &fakeDescriber{defaultDims: 768}, nil)

	imagePath := filepath.Join(dir, "pic.jpg")

	// Embedding before analysis fails.
	if _, err := p.EmbedExisting(t.Context(), imagePath); err == nil {
		t.Error("expected error embedding without an analysis")
	}

	if _, err := p.AnalyzeOne(t.Context(), imagePath); err != nil {
		t.Fatal(err)
	}

	rec, err := p.EmbedExisting(t.Context(), imagePath)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Dimensions != 768 || rec.Filename != "pic.jpg" {
		t.Errorf("record = %+v", rec)
	}
	if _, err := os.Stat(filepath.Join(p.ResultsDir, "embedding_pic.json")); err != nil {
		t.Errorf("missing embedding artifact: %v", err)
	}
}
