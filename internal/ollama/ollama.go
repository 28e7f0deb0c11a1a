// Package ollama is a client for a local Ollama server. It covers the three
// endpoints the pipeline needs: /api/chat for vision analysis, /api/embed
// for text embeddings and /api/tags for health and model discovery.
package ollama

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/swmcc/indexatron/describer"
)

type jsonmap map[string]any

type ollama struct {
	srvAddr    string
	model      string
	embedModel string

	client *http.Client
	logger *slog.Logger
}

var _ describer.Describer = &ollama{}

func Init(srvAddr, model, embedModel string, httpClient *http.Client, logger *slog.Logger) *ollama {
	if logger == nil {
		logger = slog.Default()
	}
	return &ollama{
		srvAddr:    strings.TrimSuffix(srvAddr, "/"),
		model:      model,
		embedModel: embedModel,
		client:     httpClient,
		logger:     logger,
	}
}

func (o *ollama) Name() string { return "ollama" }

func (o *ollama) Model() string { return o.model }

func (o *ollama) EmbedModel() string { return o.embedModel }

func (o *ollama) IsHealthy() bool {
	resp, err := o.client.Get(o.srvAddr + "/api/tags")
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}

// ListModels returns the models available on the server.
func (o *ollama) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.srvAddr+"/api/tags", nil)
	if err != nil {
		return nil, err
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: /api/tags returned %d", describer.ErrServiceUnavailable, resp.StatusCode)
	}

	respbody := struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}{}
	if err := json.NewDecoder(resp.Body).Decode(&respbody); err != nil {
		return nil, fmt.Errorf("%w: %v", describer.ErrInvalidResponse, err)
	}

	names := make([]string, len(respbody.Models))
	for i, m := range respbody.Models {
		names[i] = m.Name
	}
	return names, nil
}

// CheckModels reports whether the vision and embedding models are present
// on the server. The returned map is keyed by model identifier.
func (o *ollama) CheckModels(ctx context.Context) (map[string]bool, error) {
	available, err := o.ListModels(ctx)
	if err != nil {
		return nil, err
	}

	status := map[string]bool{
		o.model:      false,
		o.embedModel: false,
	}
	for _, name := range available {
		// Match on the base name so "llava:7b" finds "llava:7b" and
		// "nomic-embed-text" finds "nomic-embed-text:latest".
		for want := range status {
			if name == want || strings.HasPrefix(name, strings.Split(want, ":")[0]) {
				status[want] = true
			}
		}
	}

	return status, nil
}

func (o *ollama) DescribeImage(ctx context.Context, image []byte, prompt string) (string, error) {
	imb64 := base64.StdEncoding.EncodeToString(image)

	body, err := o.sendRequest(ctx, "/api/chat", jsonmap{
		"model":  o.model,
		"stream": false,
		"messages": []jsonmap{
			{
				"role":    "user",
				"content": prompt,
				"images":  []string{imb64},
			},
		},
	})
	if err != nil {
		return "", err
	}

	respbody := struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}{}
	if err := json.Unmarshal(body, &respbody); err != nil {
		return "", fmt.Errorf("%w: %v", describer.ErrInvalidResponse, err)
	}
	if respbody.Message.Content == "" {
		return "", fmt.Errorf("%w: empty chat response", describer.ErrInvalidResponse)
	}

	o.logger.Debug("chat response", "model", o.model, "chars", len(respbody.Message.Content))

	return strings.TrimLeft(respbody.Message.Content, " "), nil
}

func (o *ollama) Embeddings(ctx context.Context, text string) ([]float32, error) {
	body, err := o.sendRequest(ctx, "/api/embed", jsonmap{
		"model": o.embedModel,
		"input": text,
	})
	if err != nil {
		return nil, err
	}

	respbody := struct {
		Embeddings [][]float32 `json:"embeddings"`
	}{}
	if err := json.Unmarshal(body, &respbody); err != nil {
		return nil, fmt.Errorf("%w: %v", describer.ErrInvalidResponse, err)
	}
	if len(respbody.Embeddings) == 0 || len(respbody.Embeddings[0]) == 0 {
		return nil, fmt.Errorf("%w: no embedding in response", describer.ErrInvalidResponse)
	}

	return respbody.Embeddings[0], nil
}

func (o *ollama) sendRequest(ctx context.Context, path string, data jsonmap) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, 2_000_000)) // The buffer will be resized by Encode
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(&data); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.srvAddr+path, bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned %d", describer.ErrInvalidResponse, path, resp.StatusCode)
	}

	content := &bytes.Buffer{}
	if _, err := content.ReadFrom(resp.Body); err != nil {
		return nil, classify(err)
	}

	return content.Bytes(), nil
}

// classify maps a transport error onto the describer error taxonomy.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", describer.ErrTimeout, err)
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return fmt.Errorf("%w: %v", describer.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", describer.ErrServiceUnavailable, err)
}
