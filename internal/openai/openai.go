// Package openai is an embeddings-only backend. Photos never leave the
// machine: DescribeImage is intentionally unsupported, only description text
// is sent to the OpenAI API.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/swmcc/indexatron/describer"

	oagc "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const model = "text-embedding-3-small"

type openai struct {
	oac  *oagc.Client
	dims int

	rl *rateLimiter // For requests to the OpenAI API
}

var _ describer.Describer = &openai{}

func Init(dims int, httpClient *http.Client) *openai {
	return &openai{
		oac: oagc.NewClient(
			option.WithHTTPClient(httpClient),
		),
		dims: dims,
		rl:   newRateLimiter(20, time.Minute),
	}
}

func (o *openai) Name() string { return "openai" }

func (o *openai) Model() string { return "" }

func (o *openai) EmbedModel() string { return model }

func (o *openai) DescribeImage(ctx context.Context, image []byte, prompt string) (string, error) {
	return "", fmt.Errorf("%w: describing disabled for privacy reasons", describer.ErrNotSupported)
}

func (o *openai) IsHealthy() bool {
	// The API has no health endpoint worth probing; failures surface on the
	// first embedding request.
	return true
}

func (o *openai) Embeddings(ctx context.Context, text string) ([]float32, error) {
	// Rate limit use of the OpenAI API
	if err := o.rl.Acquire(ctx); err != nil {
		return nil, err
	}

	enp := oagc.EmbeddingNewParams{
		Input:      oagc.F(oagc.EmbeddingNewParamsInputUnion(oagc.EmbeddingNewParamsInputArrayOfStrings{text})),
		Model:      oagc.F(oagc.EmbeddingModel(model)),
		Dimensions: oagc.Int(int64(o.dims)),
	}
	resp, err := o.oac.Embeddings.New(ctx, enp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", describer.ErrServiceUnavailable, err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("%w: no embedding data", describer.ErrInvalidResponse)
	}
	if resp.Data[0].Object != oagc.EmbeddingObjectEmbedding {
		return nil, fmt.Errorf("%w: unexpected object type %q", describer.ErrInvalidResponse, resp.Data[0].Object)
	}

	// Convert the float64 embedding vector to float32
	embs := make([]float32, len(resp.Data[0].Embedding))
	for i, em := range resp.Data[0].Embedding {
		embs[i] = float32(em)
	}

	return embs, nil
}
