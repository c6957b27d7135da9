package scoring

import (
	"container/list"
	"fmt"
	"sync"
	"time"
)

// scoreCache is a bounded LRU of score results. Keys are bucketed so tiny
// metric drift between cycles still hits; feedback ingest invalidates all
// of an ad's buckets at once.
type scoreCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List
	entries  map[string]*list.Element
	byAd     map[string]map[string]struct{}
}

type cacheEntry struct {
	key     string
	adID    string
	result  Result
	expires time.Time
}

func newScoreCache(capacity int, ttl time.Duration) *scoreCache {
	if capacity <= 0 {
		capacity = 4096
	}
	return &scoreCache{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
		byAd:     make(map[string]map[string]struct{}),
	}
}

// cacheKey buckets the volatile inputs: impressions per 100, CTR in whole
// percent, spend per $10, age per 6h.
func cacheKey(in Input) string {
	st := in.State
	return fmt.Sprintf("%s|%d|%d|%d|%d",
		st.AdID,
		st.Impressions/100,
		int64(st.CTR()*100+0.5),
		st.SpendCents/1000,
		int64(st.AgeHours(in.Now)/6))
}

func (c *scoreCache) get(key string) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return Result{}, false
	}
	e := el.Value.(*cacheEntry)
	if time.Now().After(e.expires) {
		c.remove(el)
		return Result{}, false
	}
	c.order.MoveToFront(el)
	return e.result, true
}

func (c *scoreCache) put(adID, key string, r Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		e := el.Value.(*cacheEntry)
		e.result = r
		e.expires = time.Now().Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&cacheEntry{key: key, adID: adID, result: r, expires: time.Now().Add(c.ttl)})
	c.entries[key] = el
	if c.byAd[adID] == nil {
		c.byAd[adID] = make(map[string]struct{})
	}
	c.byAd[adID][key] = struct{}{}

	for c.order.Len() > c.capacity {
		c.remove(c.order.Back())
	}
}

func (c *scoreCache) invalidate(adID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.byAd[adID] {
		if el, ok := c.entries[key]; ok {
			c.remove(el)
		}
	}
	delete(c.byAd, adID)
}

// remove must be called with the lock held.
func (c *scoreCache) remove(el *list.Element) {
	e := el.Value.(*cacheEntry)
	c.order.Remove(el)
	delete(c.entries, e.key)
	if keys, ok := c.byAd[e.adID]; ok {
		delete(keys, e.key)
		if len(keys) == 0 {
			delete(c.byAd, e.adID)
		}
	}
}
