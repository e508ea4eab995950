package speech

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

const (
	defaultCacheSize = 128
	defaultCacheTTL  = time.Hour
)

// CacheObserver counts cache lookups.
type CacheObserver interface {
	CacheHit()
	CacheMiss()
}

type nopCacheObserver struct{}

func (nopCacheObserver) CacheHit()  {}
func (nopCacheObserver) CacheMiss() {}

// Cached wraps a Synthesizer with a size and age bounded cache keyed by the
// SHA-256 of the text. Concurrent requests for the same text share one
// upstream call.
type Cached struct {
	next     Synthesizer
	cache    *expirable.LRU[string, *Audio]
	group    singleflight.Group
	observer CacheObserver
}

// NewCached wraps next. Non-positive size or ttl use defaults.
func NewCached(next Synthesizer, size int, ttl time.Duration, observer CacheObserver) *Cached {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if observer == nil {
		observer = nopCacheObserver{}
	}
	return &Cached{
		next:     next,
		cache:    expirable.NewLRU[string, *Audio](size, nil, ttl),
		observer: observer,
	}
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Synthesize implements Synthesizer.
func (c *Cached) Synthesize(ctx context.Context, text string) (*Audio, error) {
	key := cacheKey(text)
	if audio, ok := c.cache.Get(key); ok {
		c.observer.CacheHit()
		return audio, nil
	}
	c.observer.CacheMiss()

	v, err, _ := c.group.Do(key, func() (any, error) {
		if audio, ok := c.cache.Get(key); ok {
			return audio, nil
		}
		// The flight is shared, so it must outlive the first caller's context.
		audio, err := c.next.Synthesize(context.WithoutCancel(ctx), text)
		if err != nil {
			return nil, err
		}
		c.cache.Add(key, audio)
		return audio, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Audio), nil
}

// Len returns the number of cached entries.
func (c *Cached) Len() int {
	return c.cache.Len()
}
