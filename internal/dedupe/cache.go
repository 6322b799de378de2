// ABOUTME: Bounded TTL set of server event ids already handled per agent token
// ABOUTME: Lets the router drop events an agent replays after reconnecting

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// maxSweepInterval caps how long expired entries linger before a sweep.
const maxSweepInterval = time.Minute

type entry struct {
	key    string
	seenAt time.Time
}

// Cache remembers event keys for a fixed window. The oldest key is evicted
// when the cache is full, so a replay older than maxSize events may slip
// through; that bound is what keeps memory flat under a chatty fleet.
type Cache struct {
	mu      sync.Mutex
	byKey   map[string]*list.Element
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Cache and starts its background sweep. Call Close to stop it.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache{
		byKey:   make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.sweepLoop(min(ttl, maxSweepInterval))
	return c
}

// Key builds the cache key for an event reported by an agent. Event ids are
// only unique per agent, so two agents may reuse the same id.
func Key(agentToken, eventID string) string {
	return agentToken + "\x00" + eventID
}

// Seen reports whether the event was already recorded within the window and
// records it if not.
func (c *Cache) Seen(agentToken, eventID string) bool {
	return c.CheckAndMark(Key(agentToken, eventID))
}

// CheckAndMark atomically reports whether key is live in the cache and marks
// it when it is not. A true result means the key is a duplicate.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if el, ok := c.byKey[key]; ok {
		e := el.Value.(*entry)
		if now.Sub(e.seenAt) < c.ttl {
			return true
		}
		// Expired: refresh in place at the back of the order.
		e.seenAt = now
		c.order.MoveToBack(el)
		return false
	}

	for len(c.byKey) >= c.maxSize {
		c.removeLocked(c.order.Front())
	}
	c.byKey[key] = c.order.PushBack(&entry{key: key, seenAt: now})
	return false
}

// Len returns the number of keys held, including expired ones not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byKey)
}

// Close stops the sweep goroutine. Safe to call more than once.
func (c *Cache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Cache) sweepLoop(every time.Duration) {
	if every <= 0 {
		every = maxSweepInterval
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep(time.Now())
		case <-c.done:
			return
		}
	}
}

// sweep drops expired keys. Entries are ordered by seenAt, so it stops at
// the first live one.
func (c *Cache) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for el := c.order.Front(); el != nil; el = c.order.Front() {
		if now.Sub(el.Value.(*entry).seenAt) < c.ttl {
			return
		}
		c.removeLocked(el)
	}
}

func (c *Cache) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	c.order.Remove(el)
	delete(c.byKey, el.Value.(*entry).key)
}
