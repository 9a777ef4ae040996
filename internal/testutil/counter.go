package testutil

import "sync"

// Counter hands out 1, 2, 3, ... and can be rewound. The harness numbers
// its synchronization barriers with it.
type Counter struct {
	mu sync.Mutex
	n  int64
}

// Next increments and returns the counter.
func (c *Counter) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.n
}

// Current returns the last value handed out, or 0.
func (c *Counter) Current() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// Reset rewinds the counter to 0.
func (c *Counter) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n = 0
}
