package provisioning

import "sync"

// VerifiedCache remembers database URLs whose schema has been verified by this
// process so repeat InitializeSchema calls return immediately.
type VerifiedCache struct {
	mu   sync.RWMutex
	urls map[string]struct{}
}

func NewVerifiedCache() *VerifiedCache {
	return &VerifiedCache{urls: make(map[string]struct{})}
}

func (c *VerifiedCache) Has(url string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.urls[url]
	return ok
}

func (c *VerifiedCache) Mark(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.urls[url] = struct{}{}
}

// Forget removes url. Called when the database behind it is dropped so a
// recreated database with the same name is initialized again.
func (c *VerifiedCache) Forget(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.urls, url)
}

func (c *VerifiedCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.urls)
}
