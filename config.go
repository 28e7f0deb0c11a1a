package indexatron

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config carries every tunable the pipeline needs. It is passed explicitly
// into each component at construction so tests can swap in fake backends.
type Config struct {
	OllamaServer string `yaml:"ollamaServer"`
	VisionModel  string `yaml:"visionModel"`
	EmbedModel   string `yaml:"embedModel"`
	Dimensions   int    `yaml:"dimensions"`

	RequestTimeoutSeconds int `yaml:"requestTimeoutSeconds"`

	ResultsDir  string `yaml:"resultsDir"`
	CatalogPath string `yaml:"catalogPath"`
}

// RequestTimeout returns the per-request timeout for inference calls.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// DefaultConfig returns the configuration the tool ships with: a local
// Ollama instance running llava:7b and nomic-embed-text.
func DefaultConfig() Config {
	return Config{
		OllamaServer:          "http://localhost:11434",
		VisionModel:           "llava:7b",
		EmbedModel:            "nomic-embed-text",
		Dimensions:            768,
		RequestTimeoutSeconds: 300,
		ResultsDir:            "./results",
		CatalogPath:           "./indexatron.db",
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
