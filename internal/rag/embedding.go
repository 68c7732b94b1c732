package rag

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sashabaranov/go-openai"

	"char-chat/server/internal/config"
)

const (
	cacheTTL     = 24 * time.Hour
	maxCacheSize = 4096
	batchSize    = 64
)

// EmbeddingCache stores cached embeddings
type EmbeddingCache struct {
	cache map[string]*CachedEmbedding
	mu    sync.RWMutex
}

// CachedEmbedding holds a cached embedding with expiration
type CachedEmbedding struct {
	Vector    []float32
	CreatedAt time.Time
}

func (c *EmbeddingCache) get(text string) ([]float32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cached, ok := c.cache[text]
	if !ok || time.Since(cached.CreatedAt) > cacheTTL {
		return nil, false
	}
	return cached.Vector, true
}

// Put caches an embedding. A full cache is reset rather than evicted entry by entry.
func (c *EmbeddingCache) Put(text string, vector []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.cache) >= maxCacheSize {
		c.cache = make(map[string]*CachedEmbedding)
	}
	c.cache[text] = &CachedEmbedding{Vector: vector, CreatedAt: time.Now()}
}

func (c *EmbeddingCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}

// EmbeddingService turns text into normalized vectors through the
// OpenAI-compatible embeddings endpoint.
type EmbeddingService struct {
	client     *openai.Client
	model      string
	maxRetries uint64
	cache      *EmbeddingCache
}

func NewEmbeddingService(llm config.LLMConfig, emb config.EmbeddingConfig) *EmbeddingService {
	key := emb.APIKey
	if key == "" {
		key = llm.APIKey
	}
	cfg := openai.DefaultConfig(key)
	if llm.BaseURL != "" {
		cfg.BaseURL = llm.BaseURL
	}
	return &EmbeddingService{
		client:     openai.NewClientWithConfig(cfg),
		model:      emb.Model,
		maxRetries: uint64(llm.MaxRetries),
		cache:      &EmbeddingCache{cache: make(map[string]*CachedEmbedding)},
	}
}

// Embed generates embedding for a single text
func (s *EmbeddingService) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("no embedding generated")
	}
	return vectors[0], nil
}

// EmbedBatch generates embeddings for multiple texts, serving repeats from
// the cache.
func (s *EmbeddingService) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string
	for i, text := range texts {
		if vec, ok := s.cache.get(text); ok {
			out[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}

	for start := 0; start < len(missTexts); start += batchSize {
		end := start + batchSize
		if end > len(missTexts) {
			end = len(missTexts)
		}
		vectors, err := s.create(ctx, missTexts[start:end])
		if err != nil {
			return nil, err
		}
		for j, vec := range vectors {
			idx := missIdx[start+j]
			out[idx] = vec
			s.cache.Put(texts[idx], vec)
		}
	}
	return out, nil
}

func (s *EmbeddingService) create(ctx context.Context, texts []string) ([][]float32, error) {
	var resp openai.EmbeddingResponse
	op := func() error {
		var err error
		resp, err = s.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: texts,
			Model: openai.EmbeddingModel(s.model),
		})
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.maxRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, fmt.Errorf("failed to create embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: sent %d, got %d", len(texts), len(resp.Data))
	}

	vectors := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		vectors[d.Index] = NormalizeVector(d.Embedding)
	}
	return vectors, nil
}

// NormalizeVector normalizes a vector to unit length
func NormalizeVector(vector []float32) []float32 {
	var norm float64
	for _, v := range vector {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return vector
	}
	normalized := make([]float32, len(vector))
	for i, v := range vector {
		normalized[i] = float32(float64(v) / norm)
	}
	return normalized
}
