package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashEmbedderIsDeterministic(t *testing.T) {
	e := NewHashEmbedder(64)
	a, err := e.Embed(context.Background(), "guitar, piano ")
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), "guitar, piano ")
	require.NoError(t, err)
	c, err := e.Embed(context.Background(), "cooking ")
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a[:8], a[8:16])
	assert.Equal(t, 64, e.Dimensions())
}

func TestOpenAIEmbedderRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, DefaultOpenAIModel, body["model"])
		assert.Equal(t, "go ", body["input"])
		_, _ = w.Write([]byte(`{"data":[{"index":0,"embedding":[0.25,0.5,0.75]}]}`))
	}))
	defer srv.Close()

	e := NewOpenAIEmbedder(srv.URL, "sk-test", "")
	vec, err := e.Embed(context.Background(), "go ")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.25, 0.5, 0.75}, vec)
	assert.Equal(t, 1536, e.Dimensions())
}

func TestOpenAIEmbedderSurfacesProviderErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"Rate limit reached","type":"requests"}}`))
	}))
	defer srv.Close()

	_, err := NewOpenAIEmbedder(srv.URL, "sk-test", "").Embed(context.Background(), "go")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "Rate limit reached")

	_, err = NewOpenAIEmbedder(srv.URL, "", "").Embed(context.Background(), "go")
	assert.Error(t, err)
}

func TestEmbeddingCacheKeyDependsOnModelAndText(t *testing.T) {
	a := embeddingCacheKey("m1", "go")
	assert.Equal(t, a, embeddingCacheKey("m1", "go"))
	assert.NotEqual(t, a, embeddingCacheKey("m2", "go"))
	assert.NotEqual(t, a, embeddingCacheKey("m1", "rust"))
}

func TestProfileEntryMapping(t *testing.T) {
	input, ok := profileEntry(domainProfile("ana", []string{" guitar ", ""}, []string{"spanish", " "}))
	require.True(t, ok)
	assert.Equal(t, "ana", input.EntityID)
	assert.Equal(t, []string{"guitar"}, input.Skills)
	assert.Equal(t, "learning: spanish", input.Description)

	input, ok = profileEntry(domainProfile("ben", []string{"cooking"}, nil))
	require.True(t, ok)
	assert.Empty(t, input.Description)

	_, ok = profileEntry(domainProfile("cy", []string{" "}, nil))
	assert.False(t, ok)
}
