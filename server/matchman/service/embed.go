package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	commonlog "skilltrade_server/server/common/log"
)

const (
	DefaultOpenAIModel    = "text-embedding-ada-002"
	DefaultOpenAIEndpoint = "https://api.openai.com"
	openAIAdaDimensions   = 1536
	defaultHashDimensions = 256
)

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
	Model() string
}

// HashEmbedder derives a deterministic vector from SHA-256 digests of the text.
// It has no semantic quality and exists for local runs and tests.
type HashEmbedder struct {
	dim int
}

func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = defaultHashDimensions
	}
	return &HashEmbedder{dim: dim}
}

func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return hashEmbed(text, e.dim), nil
}

func (e *HashEmbedder) Dimensions() int { return e.dim }

func (e *HashEmbedder) Model() string { return fmt.Sprintf("hash-%d", e.dim) }

func hashEmbed(text string, dim int) []float32 {
	vec := make([]float32, dim)
	var block [sha256.Size]byte
	for i := 0; i < dim; i++ {
		offset := (i * 4) % sha256.Size
		if offset == 0 {
			seed := make([]byte, 0, len(text)+4)
			seed = binary.BigEndian.AppendUint32(seed, uint32(i/8))
			seed = append(seed, text...)
			block = sha256.Sum256(seed)
		}
		chunk := binary.BigEndian.Uint32(block[offset : offset+4])
		vec[i] = float32(chunk%1000) / 1000.0
	}
	return vec
}

// OpenAIEmbedder calls the OpenAI embeddings REST endpoint.
type OpenAIEmbedder struct {
	endpoint string
	apiKey   string
	model    string
	dim      int
	client   *http.Client
}

func NewOpenAIEmbedder(endpoint, apiKey, model string) *OpenAIEmbedder {
	normalizedEndpoint := strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if normalizedEndpoint == "" {
		normalizedEndpoint = DefaultOpenAIEndpoint
	}
	if strings.TrimSpace(model) == "" {
		model = DefaultOpenAIModel
	}
	dim := 0
	if model == DefaultOpenAIModel {
		dim = openAIAdaDimensions
	}
	return &OpenAIEmbedder{
		endpoint: normalizedEndpoint,
		apiKey:   strings.TrimSpace(apiKey),
		model:    model,
		dim:      dim,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (e *OpenAIEmbedder) Dimensions() int { return e.dim }

func (e *OpenAIEmbedder) Model() string { return e.model }

type openAIEmbeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.apiKey == "" {
		return nil, errors.New("openai api key is not configured")
	}
	body, err := json.Marshal(map[string]any{"model": e.model, "input": text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, err
	}

	var out openAIEmbeddingResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("openai status %d: decode response: %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= 300 {
		if out.Error != nil && out.Error.Message != "" {
			return nil, fmt.Errorf("openai status %d: %s", resp.StatusCode, out.Error.Message)
		}
		return nil, fmt.Errorf("openai status %d", resp.StatusCode)
	}
	if len(out.Data) == 0 || len(out.Data[0].Embedding) == 0 {
		return nil, errors.New("openai returned no embedding")
	}
	return out.Data[0].Embedding, nil
}

// CachedEmbedder memoizes another embedder in Redis. Cache failures fall through
// to the wrapped embedder.
type CachedEmbedder struct {
	next  Embedder
	redis *redis.Client
	ttl   time.Duration
}

func NewCachedEmbedder(next Embedder, client *redis.Client, ttl time.Duration) *CachedEmbedder {
	return &CachedEmbedder{next: next, redis: client, ttl: ttl}
}

func (c *CachedEmbedder) Dimensions() int { return c.next.Dimensions() }

func (c *CachedEmbedder) Model() string { return c.next.Model() }

func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := embeddingCacheKey(c.next.Model(), text)

	raw, err := c.redis.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var cached []float32
		if jsonErr := json.Unmarshal(raw, &cached); jsonErr == nil && len(cached) > 0 {
			return cached, nil
		}
	case !errors.Is(err, redis.Nil):
		commonlog.Warnf("event=embed_cache action=get status=failed key=%s error=%v", key, err)
	}

	vec, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if b, err := json.Marshal(vec); err == nil {
		if err := c.redis.Set(ctx, key, b, c.ttl).Err(); err != nil {
			commonlog.Warnf("event=embed_cache action=set status=failed key=%s error=%v", key, err)
		}
	}
	return vec, nil
}

func embeddingCacheKey(model, text string) string {
	sum := sha256.Sum256([]byte(text))
	return "embed:" + model + ":" + hex.EncodeToString(sum[:])
}
