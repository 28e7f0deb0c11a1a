package describer

import (
	"context"
	"errors"
)

// Errors returned by Describer implementations. Callers classify failures
// with errors.Is; everything a backend returns wraps one of these.
var (
	// ErrServiceUnavailable indicates the inference server could not be
	// reached. Nothing else will succeed, so callers should abort the run.
	ErrServiceUnavailable = errors.New("inference service unavailable")

	// ErrInvalidResponse indicates the server replied but the body did not
	// have the expected shape.
	ErrInvalidResponse = errors.New("invalid model response")

	// ErrTimeout indicates a request exceeded the client timeout.
	ErrTimeout = errors.New("inference request timed out")

	// ErrNotSupported indicates the backend does not implement the
	// requested operation, e.g. embeddings on a vision-only server.
	ErrNotSupported = errors.New("operation not supported by this backend")
)

// Describer is a client for a model inference backend, e.g. "ollama" or
// "llama".
type Describer interface {
	// Name returns the name of the backend, e.g. "ollama".
	Name() string

	// Model returns the vision model identifier, e.g. "llava:7b".
	Model() string

	// EmbedModel returns the embedding model identifier, e.g.
	// "nomic-embed-text".
	EmbedModel() string

	// DescribeImage sends the image and instruction prompt to the vision
	// model and returns the model's text response. The image data should be
	// the full contents of the image file including the header. The provided
	// ctx is used as a parent context for the request to the server.
	DescribeImage(ctx context.Context, image []byte, prompt string) (string, error)

	// Embeddings returns the embedding vector for the given text.
	Embeddings(ctx context.Context, text string) ([]float32, error)

	// IsHealthy returns whether the inference server is reachable.
	IsHealthy() bool
}
