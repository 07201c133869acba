package service

import "sync"

// qrCounter tracks QR codes issued per session without a successful scan
type qrCounter struct {
	mu     sync.Mutex
	counts map[int64]int
}

func newQRCounter() *qrCounter {
	return &qrCounter{counts: make(map[int64]int)}
}

func (c *qrCounter) Get(sessionID int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[sessionID]
}

func (c *qrCounter) Set(sessionID int64, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[sessionID] = n
}

func (c *qrCounter) Drop(sessionID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counts, sessionID)
}

// Has reports whether an entry exists for the session
func (c *qrCounter) Has(sessionID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.counts[sessionID]
	return ok
}
