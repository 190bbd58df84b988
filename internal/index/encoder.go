package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"mcpgateway-go/internal/hash"
	"mcpgateway-go/internal/storage"
)

// Encoder turns texts into dense vectors.
type Encoder interface {
	Encode(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Model() string
}

const encoderBatchSize = 256

// HTTPEncoder calls a sentence-encoder service speaking the common
// /embeddings JSON shape: {"model": ..., "input": [...]} in,
// {"data": [{"embedding": [...]}, ...]} out.
type HTTPEncoder struct {
	endpoint   string
	model      string
	dimensions int
	client     *http.Client
}

// NewHTTPEncoder creates an encoder driver against endpoint.
func NewHTTPEncoder(endpoint, model string, dimensions int) *HTTPEncoder {
	return &HTTPEncoder{
		endpoint:   endpoint,
		model:      model,
		dimensions: dimensions,
		client:     &http.Client{Timeout: 120 * time.Second},
	}
}

// Dimensions returns the encoder's vector width.
func (e *HTTPEncoder) Dimensions() int { return e.dimensions }

// Model returns the configured model identifier.
func (e *HTTPEncoder) Model() string { return e.model }

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Encode embeds texts, batching as needed.
func (e *HTTPEncoder) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += encoderBatchSize {
		end := start + encoderBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		vectors, err := e.encodeBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}
	return out, nil
}

func (e *HTTPEncoder) encodeBatch(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("encoder request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("encoder returned status %d: %s", resp.StatusCode, string(payload))
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode embed response: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("encoder returned %d vectors for %d texts", len(parsed.Data), len(texts))
	}

	vectors := make([][]float32, len(parsed.Data))
	for i, d := range parsed.Data {
		if len(d.Embedding) != e.dimensions {
			return nil, fmt.Errorf("encoder returned %d-dim vector, expected %d", len(d.Embedding), e.dimensions)
		}
		vectors[i] = d.Embedding
	}
	return vectors, nil
}

// CachedEncoder fronts an Encoder with the bbolt embedding cache so
// unchanged texts are never re-encoded across restarts.
type CachedEncoder struct {
	inner  Encoder
	db     *storage.BoltDB
	logger *zap.Logger
}

// NewCachedEncoder wraps inner with the cache. A nil db disables caching.
func NewCachedEncoder(inner Encoder, db *storage.BoltDB, logger *zap.Logger) *CachedEncoder {
	return &CachedEncoder{inner: inner, db: db, logger: logger.Named("encoder-cache")}
}

// Dimensions returns the inner encoder's vector width.
func (c *CachedEncoder) Dimensions() int { return c.inner.Dimensions() }

// Model returns the inner encoder's model identifier.
func (c *CachedEncoder) Model() string { return c.inner.Model() }

// Encode serves cached vectors and encodes only the misses.
func (c *CachedEncoder) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	if c.db == nil {
		return c.inner.Encode(ctx, texts)
	}

	out := make([][]float32, len(texts))
	var missTexts []string
	var missIdx []int

	for i, text := range texts {
		key := hash.Text(c.Model() + "\x00" + text)
		rec, err := c.db.GetEmbedding(key)
		if err == nil && rec != nil && rec.Model == c.Model() {
			out[i] = rec.Vector
			continue
		}
		missTexts = append(missTexts, text)
		missIdx = append(missIdx, i)
	}

	if len(missTexts) == 0 {
		return out, nil
	}

	vectors, err := c.inner.Encode(ctx, missTexts)
	if err != nil {
		return nil, err
	}

	for j, vec := range vectors {
		i := missIdx[j]
		out[i] = vec
		key := hash.Text(c.Model() + "\x00" + texts[i])
		if err := c.db.SaveEmbedding(&storage.EmbeddingRecord{
			TextHash: key,
			Model:    c.Model(),
			Vector:   vec,
		}); err != nil {
			c.logger.Warn("failed to cache embedding", zap.Error(err))
		}
	}
	return out, nil
}
