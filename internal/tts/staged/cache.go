package staged

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
)

// cacheEntry is one synthesized segment kept for reuse.
type cacheEntry struct {
	key        string
	samples    []float32
	sampleRate int
	engine     string
}

// synthCache is a fixed-size LRU over synthesized segments, keyed by the
// hash of (engine, voice, options, text). Intros repeat across replies far
// more often than main bodies, so even a small cache pays off.
type synthCache struct {
	mu      sync.Mutex
	max     int
	order   *list.List
	entries map[string]*list.Element
}

func newSynthCache(size int) *synthCache {
	return &synthCache{
		max:     size,
		order:   list.New(),
		entries: make(map[string]*list.Element, size),
	}
}

// cacheKey hashes the full synthesis identity of a segment.
func cacheKey(engine, voice, text string, speed, volume float64) string {
	h := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%g|%g|%s", engine, voice, speed, volume, text))
	return hex.EncodeToString(h[:])
}

func (c *synthCache) get(key string) (*cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry), true
}

func (c *synthCache) put(key string, samples []float32, sampleRate int, engine string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.order.MoveToFront(el)
		el.Value = &cacheEntry{key: key, samples: samples, sampleRate: sampleRate, engine: engine}
		return
	}
	el := c.order.PushFront(&cacheEntry{key: key, samples: samples, sampleRate: sampleRate, engine: engine})
	c.entries[key] = el
	for c.order.Len() > c.max {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}

func (c *synthCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
