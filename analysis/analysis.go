// Package analysis turns a photo into a structured description by prompting
// a vision model for JSON and validating what comes back.
package analysis

import (
	"context"
	"log/slog"
	"time"

	"github.com/swmcc/indexatron/describer"
)

// Prompt is the instruction template sent alongside each photo. The model is
// asked for a specific JSON shape; ParseResponse is the single place that
// copes with it not complying.
const Prompt = `Analyze this family photo and provide a detailed JSON response with the following structure:

{
  "description": "A detailed description of what's happening in the photo",
  "location": {
    "setting": "general setting like beach, park, home, restaurant",
    "type": "indoor or outdoor",
    "specific": "specific location if identifiable, or null"
  },
  "people": [
    {
      "description": "description of the person",
      "estimated_age": "age or age range like '8 years old' or '30s'",
      "position": "where in the frame: left, center, right, background"
    }
  ],
  "categories": ["list", "of", "relevant", "tags"],
  "era": {
    "decade": "estimated decade like 1990s or 2000s",
    "confidence": "low, medium, or high",
    "reasoning": "why you think this era"
  },
  "mood": "the emotional tone of the photo",
  "colors": ["notable", "colors"],
  "objects": ["visible", "objects"]
}

Focus on:
- Family relationships if apparent
- Activities happening
- Special occasions (birthdays, holidays, etc.)
- Photo quality and style for era estimation
- Clothing and objects for context

Respond with ONLY valid JSON, no other text.`

// Confidence levels for era estimates.
const (
	ConfidenceLow    = "low"
	ConfidenceMedium = "medium"
	ConfidenceHigh   = "high"
)

// Location is where a photo was taken.
type Location struct {
	Setting  string `json:"setting"`
	Type     string `json:"type"`
	Specific string `json:"specific,omitempty"`
}

// Person is one person visible in a photo.
type Person struct {
	Description  string `json:"description"`
	EstimatedAge string `json:"estimated_age,omitempty"`
	Position     string `json:"position,omitempty"`
}

// Era is the model's best guess at when a photo was taken.
type Era struct {
	Decade     string `json:"decade"`
	Confidence string `json:"confidence"`
	Reasoning  string `json:"reasoning,omitempty"`
}

// PhotoAnalysis is the structured description of a single photo.
type PhotoAnalysis struct {
	Filename   string    `json:"filename"`
	AnalyzedAt time.Time `json:"analyzed_at"`
	ModelUsed  string    `json:"model_used"`

	Description string    `json:"description"`
	Location    *Location `json:"location,omitempty"`
	People      []Person  `json:"people"`
	Categories  []string  `json:"categories"`
	Era         *Era      `json:"era,omitempty"`
	Mood        string    `json:"mood,omitempty"`
	Colors      []string  `json:"colors"`
	Objects     []string  `json:"objects"`

	RawResponse string `json:"raw_response,omitempty"`
}

// Analyzer prompts a vision backend and validates its output.
type Analyzer struct {
	d      describer.Describer
	logger *slog.Logger
}

func NewAnalyzer(d describer.Describer, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{d: d, logger: logger}
}

// ModelUsed returns the vision model identifier of the backend.
func (a *Analyzer) ModelUsed() string { return a.d.Model() }

// Analyze sends the image to the vision model and returns the parsed
// analysis. Parse failures wrap describer.ErrInvalidResponse so callers can
// record them as per-item failures.
func (a *Analyzer) Analyze(ctx context.Context, filename string, image []byte) (*PhotoAnalysis, error) {
	raw, err := a.d.DescribeImage(ctx, image, Prompt)
	if err != nil {
		return nil, err
	}

	a.logger.Debug("raw analysis response", "file", filename, "chars", len(raw))

	pa, err := ParseResponse(raw)
	if err != nil {
		return nil, err
	}

	pa.Filename = filename
	pa.AnalyzedAt = time.Now().UTC()
	pa.ModelUsed = a.d.Model()
	pa.RawResponse = raw
	return pa, nil
}
