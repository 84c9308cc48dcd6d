package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledWithoutAPIKey(t *testing.T) {
	p := New(Config{})
	assert.Equal(t, "disabled", p.Name())

	_, err := p.Embed(context.Background(), "anything")
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestOpenAIProvider(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": []float32{0.25, 0.5}}},
		})
	}))
	defer srv.Close()

	p := New(Config{BaseURL: srv.URL + "/v1", APIKey: "test-key", Model: "test-model"})
	assert.Equal(t, "openai", p.Name())

	vec, err := p.Embed(context.Background(), "claim construction")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.25, 0.5}, vec.Slice())
	assert.Equal(t, "test-model", gotBody["model"])
}

func TestProviderSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := New(Config{BaseURL: srv.URL, APIKey: "k"})
	_, err := p.Embed(context.Background(), "q")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestVoyagePayloadShape(t *testing.T) {
	body := voyagePayload("voyage-law-2", "query text").(map[string]any)
	assert.Equal(t, "query", body["input_type"])
	assert.Equal(t, []string{"query text"}, body["input"])
}
