// Package indexatron analyzes family photos with a locally hosted vision
// model, embeds the resulting descriptions, and writes both out as JSON.
package indexatron

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/swmcc/indexatron/describer"
	"github.com/swmcc/indexatron/internal/llama"
	"github.com/swmcc/indexatron/internal/ollama"
	"github.com/swmcc/indexatron/internal/openai"
)

type InitOptions struct {
	Config Config

	// LlamaServer selects the llama.cpp backend instead of Ollama.
	LlamaServer string
	LlamaSeed   int

	// OpenAIEmbeddings selects the OpenAI embeddings-only backend.
	OpenAIEmbeddings bool

	HttpClient *http.Client // if nil a client with Config.RequestTimeout is used
	Logger     *slog.Logger // if nil uses slog.Default()
}

type Indexatron struct {
	describer.Describer

	Config Config
	Logger *slog.Logger
}

// ModelChecker is implemented by backends that can enumerate the models
// their server has pulled.
type ModelChecker interface {
	CheckModels(ctx context.Context) (map[string]bool, error)
}

func Init(iio InitOptions) (*Indexatron, error) {
	logger := iio.Logger
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := iio.HttpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: iio.Config.RequestTimeout()}
	}

	var n int
	if iio.LlamaServer != "" {
		n++
	}
	if iio.OpenAIEmbeddings {
		n++
	}
	if n > 1 {
		return nil, fmt.Errorf("multiple backends selected, only one allowed")
	}

	ix := &Indexatron{Config: iio.Config, Logger: logger}

	switch {
	case iio.LlamaServer != "":
		ix.Describer = llama.Init(iio.LlamaServer, iio.Config.VisionModel, iio.LlamaSeed, httpClient)
	case iio.OpenAIEmbeddings:
		ix.Describer = openai.Init(iio.Config.Dimensions, httpClient)
	default:
		ix.Describer = ollama.Init(iio.Config.OllamaServer, iio.Config.VisionModel, iio.Config.EmbedModel, httpClient, logger)
	}

	return ix, nil
}
