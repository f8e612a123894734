package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-gateway/internal/types"
)

// Entry is one cached prompt/response pair with its embedding.
type Entry struct {
	Prompt    string
	Embedding []float32
	Response  *types.AIResponse
	StoredAt  time.Time
}

// Config sizes the semantic cache.
type Config struct {
	Enabled             bool          `json:"enabled" yaml:"enabled"`
	MaxEntries          int           `json:"max_entries" yaml:"max_entries"`
	TTL                 time.Duration `json:"ttl" yaml:"ttl"`
	SimilarityThreshold float64       `json:"similarity_threshold" yaml:"similarity_threshold"`
}

// SemanticCache matches incoming prompts against stored ones by embedding
// similarity. Exact-text hits short-circuit the embedding call; otherwise
// a lookup scans live entries for the best cosine score above threshold.
// Eviction is LRU with a TTL, both enforced by the backing store.
type SemanticCache struct {
	config   Config
	embedder Embedder
	logger   *logrus.Logger

	mu      sync.RWMutex
	entries *lru.LRU[string, *Entry]
}

// NewSemanticCache creates a cache over the given embedder.
func NewSemanticCache(config Config, embedder Embedder, logger *logrus.Logger) *SemanticCache {
	if config.MaxEntries <= 0 {
		config.MaxEntries = 1000
	}
	if config.SimilarityThreshold <= 0 {
		config.SimilarityThreshold = 0.85
	}
	return &SemanticCache{
		config:   config,
		embedder: embedder,
		logger:   logger,
		entries:  lru.NewLRU[string, *Entry](config.MaxEntries, nil, config.TTL),
	}
}

// Lookup returns the cached response for the closest stored prompt at or
// above the similarity threshold. An embedding failure is a logged miss,
// never an error surfaced to the request path.
func (c *SemanticCache) Lookup(ctx context.Context, prompt string) (*types.AIResponse, float64, bool) {
	key := promptKey(prompt)

	c.mu.RLock()
	exact, ok := c.entries.Get(key)
	c.mu.RUnlock()
	if ok {
		return exact.Response, 1.0, true
	}

	vec, err := c.embedder.Embed(ctx, prompt)
	if err != nil {
		c.logger.WithError(err).Warn("Embedding lookup failed, treating as cache miss")
		return nil, 0, false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	var best *Entry
	var bestScore float64
	for _, k := range c.entries.Keys() {
		entry, ok := c.entries.Peek(k)
		if !ok {
			continue
		}
		score := cosineSimilarity(vec, entry.Embedding)
		if score > bestScore {
			bestScore = score
			best = entry
		}
	}

	if best == nil || bestScore < c.config.SimilarityThreshold {
		return nil, bestScore, false
	}
	c.logger.WithFields(logrus.Fields{
		"similarity": bestScore,
	}).Debug("Semantic cache hit")
	return best.Response, bestScore, true
}

// Store caches a prompt/response pair. Embedding failures drop the entry
// silently; the response has already been served.
func (c *SemanticCache) Store(ctx context.Context, prompt string, response *types.AIResponse) {
	vec, err := c.embedder.Embed(ctx, prompt)
	if err != nil {
		c.logger.WithError(err).Warn("Embedding store failed, skipping cache entry")
		return
	}

	entry := &Entry{
		Prompt:    prompt,
		Embedding: vec,
		Response:  response,
		StoredAt:  time.Now().UTC(),
	}

	c.mu.Lock()
	c.entries.Add(promptKey(prompt), entry)
	c.mu.Unlock()
}

// Len reports the live entry count for metrics.
func (c *SemanticCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries.Len()
}

// Purge drops all entries.
func (c *SemanticCache) Purge() {
	c.mu.Lock()
	c.entries.Purge()
	c.mu.Unlock()
}

func promptKey(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}

// cosineSimilarity computes the cosine of the angle between two vectors.
// Mismatched lengths or zero vectors score zero.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
