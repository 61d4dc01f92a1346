package pipeline

import (
	"sync"

	"github.com/ent0n29/sesame/internal/conversation"
)

// Context is the live, ordered list of turns of one session. Turns are
// shared by pointer so observers can track them by identity.
type Context struct {
	mu    sync.RWMutex
	turns []*conversation.Turn
}

func NewContext(turns []*conversation.Turn) *Context {
	return &Context{turns: append([]*conversation.Turn(nil), turns...)}
}

func (c *Context) Append(turns ...*conversation.Turn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range turns {
		if t != nil {
			c.turns = append(c.turns, t)
		}
	}
}

// Turns returns a snapshot of the turn pointers in order.
func (c *Context) Turns() []*conversation.Turn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*conversation.Turn(nil), c.turns...)
}

func (c *Context) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.turns)
}
