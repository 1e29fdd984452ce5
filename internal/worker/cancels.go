package worker

import (
	"context"
	"sync"
)

// Cancels maps running job ids to the cancel func of their generation context.
type Cancels struct {
	mu sync.Mutex
	m  map[string]context.CancelCauseFunc
}

func NewCancels() *Cancels {
	return &Cancels{m: map[string]context.CancelCauseFunc{}}
}

func (c *Cancels) register(id string, fn context.CancelCauseFunc) {
	c.mu.Lock()
	c.m[id] = fn
	c.mu.Unlock()
}

func (c *Cancels) unregister(id string) {
	c.mu.Lock()
	delete(c.m, id)
	c.mu.Unlock()
}

// Cancel interrupts the generation of id if it runs in this process.
// Interruption is best-effort: a backend only observes it between steps.
func (c *Cancels) Cancel(id string) bool {
	c.mu.Lock()
	fn, ok := c.m[id]
	c.mu.Unlock()
	if ok {
		fn(errCancelledByUser)
	}
	return ok
}
