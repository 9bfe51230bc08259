package embedding

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache is a bounded, expiring map from (model, text) to vector. Only
// successful results are stored.
type Cache struct {
	lru *expirable.LRU[string, []float32]
}

// NewCache returns nil when size or ttl is not positive, which disables caching.
func NewCache(size int, ttl time.Duration) *Cache {
	if size <= 0 || ttl <= 0 {
		return nil
	}
	return &Cache{lru: expirable.NewLRU[string, []float32](size, nil, ttl)}
}

func (c *Cache) Get(model, text string) ([]float32, bool) {
	v, ok := c.lru.Get(cacheKey(model, text))
	if !ok {
		return nil, false
	}
	return cloneEmbedding(v), true
}

func (c *Cache) Add(model, text string, vec []float32) {
	c.lru.Add(cacheKey(model, text), cloneEmbedding(vec))
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	return c.lru.Len()
}

func cacheKey(model, text string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

func cloneEmbedding(values []float32) []float32 {
	if len(values) == 0 {
		return nil
	}
	clone := make([]float32, len(values))
	copy(clone, values)
	return clone
}
