package indexatron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/swmcc/indexatron/analysis"
	"github.com/swmcc/indexatron/describer"
	"github.com/swmcc/indexatron/embedding"
)

// Item statuses. An item is terminal in exactly one of these.
const (
	StatusComplete        = "complete"
	StatusAnalysisFailed  = "analysis_failed"
	StatusEmbeddingFailed = "embedding_failed"
)

// Failure kinds written into batch results so a reader can tell what went
// wrong without parsing the error text.
const (
	KindIOError            = "io_error"
	KindInvalidResponse    = "invalid_response"
	KindDimensionMismatch  = "dimension_mismatch"
	KindTimeout            = "timeout"
	KindServiceUnavailable = "service_unavailable"
)

// supportedExtensions are the image formats the batch will pick up.
var supportedExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
}

// embeddingPreviewLen is how many vector elements the combined batch file
// echoes; the full vector lives in the per-photo embedding artifact.
const embeddingPreviewLen = 5

// ItemResult is the outcome for one photo in a batch.
type ItemResult struct {
	Filename string `json:"filename"`
	Status   string `json:"status"`

	Analysis            *analysis.PhotoAnalysis `json:"analysis,omitempty"`
	EmbeddingDimensions int                     `json:"embedding_dimensions,omitempty"`
	EmbeddingPreview    []float32               `json:"embedding_preview,omitempty"`

	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`

	ProcessingTimeSeconds float64 `json:"processing_time_seconds"`
}

// BatchResult is the aggregate outcome of one batch run, in input order.
type BatchResult struct {
	ProcessedAt      time.Time    `json:"processed_at"`
	TotalImages      int          `json:"total_images"`
	Processed        int          `json:"processed"`
	Failed           int          `json:"failed"`
	Skipped          int          `json:"skipped"`
	TotalTimeSeconds float64      `json:"total_time_seconds"`
	Results          []ItemResult `json:"results"`
}

// Processor runs photos through analysis and embedding, one at a time.
type Processor struct {
	analyzer *analysis.Analyzer
	embedder *embedding.Embedder
	catalog  *DB // optional, enables skip-existing across runs
	logger   *slog.Logger

	ResultsDir string

	// Progress draws a progress bar during batch runs.
	Progress bool

	// Count limits how many images a batch takes on; negative means all.
	Count int
}

func NewProcessor(a *analysis.Analyzer, e *embedding.Embedder, catalog *DB, resultsDir string, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		analyzer:   a,
		embedder:   e,
		catalog:    catalog,
		logger:     logger,
		ResultsDir: resultsDir,
		Count:      -1,
	}
}

// FindImages returns the supported images directly inside dir, sorted by
// name.
func FindImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var images []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if supportedExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			images = append(images, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(images)

	return images, nil
}

// ProcessAll analyzes and embeds every image in imagesDir sequentially. A
// failure on one image is recorded and the batch moves on; only an
// unreachable inference service aborts the run. The combined result is
// written to batch_results.json in the results directory and returned.
func (p *Processor) ProcessAll(ctx context.Context, imagesDir string, force bool) (*BatchResult, error) {
	images, err := FindImages(imagesDir)
	if err != nil {
		return nil, err
	}
	if p.Count > -1 {
		images = images[:min(len(images), p.Count)]
	}

	if p.catalog != nil && len(images) > 0 {
		photos := make([]PhotoPath, len(images))
		for i, img := range images {
			info, err := os.Stat(img)
			mtime := time.Now()
			if err == nil {
				mtime = info.ModTime()
			}
			photos[i] = PhotoPath{Filename: filepath.Base(img), Modtime: mtime}
		}
		if _, err := p.catalog.InsertPhotos(ctx, photos, 100); err != nil {
			return nil, err
		}
	}

	p.logger.Info("batch starting", "images", len(images), "dir", imagesDir)

	var bar *progressbar.ProgressBar
	if p.Progress {
		bar = progressbar.NewOptions(
			len(images),
			progressbar.OptionSetDescription("Processing images"),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionShowCount(),
			progressbar.OptionOnCompletion(func() { fmt.Println() }),
		)
	}

	batch := &BatchResult{
		ProcessedAt: time.Now().UTC(),
		TotalImages: len(images),
		Results:     []ItemResult{},
	}

	start := time.Now()
out:
	for _, imagePath := range images {
		select {
		case <-ctx.Done():
			break out
		default:
		}

		if !force && p.isProcessed(ctx, imagePath) {
			p.logger.Debug("skipping, already processed", "file", filepath.Base(imagePath))
			batch.Skipped++
			if bar != nil {
				bar.Add(1)
			}
			continue
		}

		item, err := p.processOne(ctx, imagePath)
		if err != nil {
			// Nothing further can succeed without the service.
			return nil, err
		}
		batch.Results = append(batch.Results, item)

		if item.Status == StatusComplete {
			batch.Processed++
		} else {
			batch.Failed++
		}

		if bar != nil {
			bar.Add(1)
		}
	}
	if bar != nil {
		bar.Finish()
	}
	batch.TotalTimeSeconds = round2(time.Since(start).Seconds())

	if err := p.writeJSON(filepath.Join(p.ResultsDir, "batch_results.json"), batch); err != nil {
		return nil, err
	}

	p.logger.Info("batch complete",
		"processed", batch.Processed,
		"failed", batch.Failed,
		"skipped", batch.Skipped,
		"seconds", batch.TotalTimeSeconds)

	return batch, nil
}

// processOne walks one image through the per-item state machine. Per-item
// failures come back inside the ItemResult; the returned error is non-nil
// only for failures that doom the whole batch.
func (p *Processor) processOne(ctx context.Context, imagePath string) (ItemResult, error) {
	filename := filepath.Base(imagePath)
	item := ItemResult{Filename: filename}
	start := time.Now()

	defer func() {
		item.ProcessingTimeSeconds = round2(time.Since(start).Seconds())
	}()

	imgdata, err := os.ReadFile(imagePath)
	if err != nil {
		item.Status = StatusAnalysisFailed
		item.Error = err.Error()
		item.ErrorKind = KindIOError
		return item, nil
	}

	pa, err := p.analyzer.Analyze(ctx, filename, imgdata)
	if err != nil {
		if errors.Is(err, describer.ErrServiceUnavailable) {
			return item, err
		}
		p.recordAttempt(ctx, filename)
		item.Status = StatusAnalysisFailed
		item.Error = err.Error()
		item.ErrorKind = classifyKind(err)
		return item, nil
	}

	if err := p.writeJSON(p.artifactPath("analysis", filename), pa); err != nil {
		item.Status = StatusAnalysisFailed
		item.Error = err.Error()
		item.ErrorKind = KindIOError
		return item, nil
	}

	rec, err := p.embedder.EmbedAnalysis(ctx, pa)
	if err != nil {
		if errors.Is(err, describer.ErrServiceUnavailable) {
			return item, err
		}
		p.recordAttempt(ctx, filename)
		item.Status = StatusEmbeddingFailed
		item.Error = err.Error()
		item.ErrorKind = classifyKind(err)
		return item, nil
	}

	if err := p.writeJSON(p.artifactPath("embedding", filename), rec); err != nil {
		item.Status = StatusEmbeddingFailed
		item.Error = err.Error()
		item.ErrorKind = KindIOError
		return item, nil
	}

	if p.catalog != nil {
		now := time.Now()
		if err := p.catalog.MarkAnalyzed(ctx, filename, pa.Description, pa.ModelUsed, now); err != nil {
			p.logger.Warn("catalog update failed", "file", filename, "err", err)
		}
		if err := p.catalog.CreateEmbedding(ctx, filename, rec.ModelUsed, rec.Embedding, now); err != nil {
			p.logger.Warn("catalog embedding insert failed", "file", filename, "err", err)
		}
	}

	item.Status = StatusComplete
	// The combined file carries a preview only; the full analysis and
	// vector live in the per-photo artifacts.
	stripped := *pa
	stripped.RawResponse = ""
	item.Analysis = &stripped
	item.EmbeddingDimensions = rec.Dimensions
	item.EmbeddingPreview = rec.Embedding[:min(embeddingPreviewLen, len(rec.Embedding))]

	return item, nil
}

// AnalyzeOne analyzes a single image and writes its analysis artifact.
func (p *Processor) AnalyzeOne(ctx context.Context, imagePath string) (*analysis.PhotoAnalysis, error) {
	imgdata, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, err
	}

	filename := filepath.Base(imagePath)
	pa, err := p.analyzer.Analyze(ctx, filename, imgdata)
	if err != nil {
		return nil, err
	}

	if err := p.writeJSON(p.artifactPath("analysis", filename), pa); err != nil {
		return nil, err
	}
	return pa, nil
}

// EmbedExisting embeds the previously written analysis for an image and
// writes the embedding artifact.
func (p *Processor) EmbedExisting(ctx context.Context, imagePath string) (*embedding.Record, error) {
	filename := filepath.Base(imagePath)

	data, err := os.ReadFile(p.artifactPath("analysis", filename))
	if err != nil {
		return nil, fmt.Errorf("no analysis found for %s, analyze it first: %w", filename, err)
	}

	var pa analysis.PhotoAnalysis
	if err := json.Unmarshal(data, &pa); err != nil {
		return nil, err
	}

	rec, err := p.embedder.EmbedAnalysis(ctx, &pa)
	if err != nil {
		return nil, err
	}

	if err := p.writeJSON(p.artifactPath("embedding", filename), rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (p *Processor) isProcessed(ctx context.Context, imagePath string) bool {
	filename := filepath.Base(imagePath)

	if p.catalog != nil {
		done, err := p.catalog.IsProcessed(ctx, filename)
		if err == nil {
			return done
		}
		p.logger.Warn("catalog lookup failed", "file", filename, "err", err)
	}

	// Fall back to checking for the artifacts on disk.
	_, aerr := os.Stat(p.artifactPath("analysis", filename))
	_, eerr := os.Stat(p.artifactPath("embedding", filename))
	return aerr == nil && eerr == nil
}

func (p *Processor) recordAttempt(ctx context.Context, filename string) {
	if p.catalog == nil {
		return
	}
	if err := p.catalog.MarkAttempted(ctx, filename, p.analyzer.ModelUsed(), time.Now()); err != nil {
		p.logger.Warn("catalog attempt update failed", "file", filename, "err", err)
	}
}

// artifactPath returns e.g. results/analysis_beach_1.json for beach_1.jpg.
func (p *Processor) artifactPath(kind, filename string) string {
	stem := strings.TrimSuffix(filename, filepath.Ext(filename))
	return filepath.Join(p.ResultsDir, fmt.Sprintf("%s_%s.json", kind, stem))
}

func (p *Processor) writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// classifyKind maps an error onto the failure kinds recorded in batch
// output.
func classifyKind(err error) string {
	switch {
	case errors.Is(err, embedding.ErrDimensionMismatch):
		return KindDimensionMismatch
	case errors.Is(err, describer.ErrTimeout):
		return KindTimeout
	case errors.Is(err, describer.ErrServiceUnavailable):
		return KindServiceUnavailable
	case errors.Is(err, describer.ErrInvalidResponse), errors.Is(err, describer.ErrNotSupported):
		return KindInvalidResponse
	default:
		return KindIOError
	}
}

func round2(f float64) float64 {
	return float64(int(f*100+0.5)) / 100
}
