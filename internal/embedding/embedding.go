// Package embedding produces query embeddings for semantic recall. Two
// providers are supported: any OpenAI-compatible embeddings endpoint and
// Voyage AI. When neither is configured, semantic recall is disabled.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pgvector/pgvector-go"
)

// ErrDisabled is returned when no embedding provider is configured.
var ErrDisabled = errors.New("embedding: no provider configured")

// Provider turns query text into a vector. Implementations must be safe for
// concurrent use.
type Provider interface {
	Embed(ctx context.Context, text string) (pgvector.Vector, error)
	Name() string
}

// Config selects and parameterizes a provider.
type Config struct {
	// BaseURL is the root of an OpenAI-compatible API.
	BaseURL string
	APIKey  string
	Model   string

	// Voyage switches to the Voyage AI endpoint and payload shape.
	Voyage bool

	// HTTPClient is optional; a 15-second-timeout client is the default.
	HTTPClient *http.Client
}

// New builds the configured provider, or a disabled stub when no credentials
// are present.
func New(cfg Config) Provider {
	if cfg.APIKey == "" {
		return disabled{}
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Voyage {
		model := cfg.Model
		if model == "" {
			model = "voyage-law-2"
		}
		return &httpProvider{
			name:    "voyage",
			url:     "https://api.voyageai.com/v1/embeddings",
			apiKey:  cfg.APIKey,
			model:   model,
			client:  client,
			payload: voyagePayload,
		}
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	model := cfg.Model
	if model == "" {
		model = "text-embedding-3-small"
	}
	return &httpProvider{
		name:    "openai",
		url:     base + "/embeddings",
		apiKey:  cfg.APIKey,
		model:   model,
		client:  client,
		payload: openAIPayload,
	}
}

type disabled struct{}

func (disabled) Embed(context.Context, string) (pgvector.Vector, error) {
	return pgvector.Vector{}, ErrDisabled
}
func (disabled) Name() string { return "disabled" }

type httpProvider struct {
	name    string
	url     string
	apiKey  string
	model   string
	client  *http.Client
	payload func(model, text string) any
}

func openAIPayload(model, text string) any {
	return map[string]any{"model": model, "input": []string{text}}
}

func voyagePayload(model, text string) any {
	return map[string]any{"model": model, "input": []string{text}, "input_type": "query"}
}

type embeddingsResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (p *httpProvider) Name() string { return p.name }

func (p *httpProvider) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	body, err := json.Marshal(p.payload(p.model, text))
	if err != nil {
		return pgvector.Vector{}, fmt.Errorf("embedding: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return pgvector.Vector{}, fmt.Errorf("embedding: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return pgvector.Vector{}, fmt.Errorf("embedding: %s call: %w", p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return pgvector.Vector{}, fmt.Errorf("embedding: %s returned %d: %s", p.name, resp.StatusCode, snippet)
	}

	var parsed embeddingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return pgvector.Vector{}, fmt.Errorf("embedding: decode response: %w", err)
	}
	if len(parsed.Data) == 0 || len(parsed.Data[0].Embedding) == 0 {
		return pgvector.Vector{}, fmt.Errorf("embedding: %s returned no vectors", p.name)
	}
	return pgvector.NewVector(parsed.Data[0].Embedding), nil
}
