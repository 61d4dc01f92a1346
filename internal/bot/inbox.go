package bot

import (
	"context"
	"sync"

	"github.com/ent0n29/sesame/internal/protocol"
)

// inbox is an unbounded FIFO of messages for the engine loop. Replay pushes
// every scripted action from inside the loop, so pushes must never block.
type inbox struct {
	mu     sync.Mutex
	items  []protocol.Message
	signal chan struct{}
}

func newInbox() *inbox {
	return &inbox{signal: make(chan struct{}, 1)}
}

func (q *inbox) push(msg protocol.Message) {
	q.mu.Lock()
	q.items = append(q.items, msg)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *inbox) pop() (protocol.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return protocol.Message{}, false
	}
	msg := q.items[0]
	q.items[0] = protocol.Message{}
	q.items = q.items[1:]
	return msg, true
}

// next returns queued messages first, then waits for a push or a message on
// inbound. It reports false when ctx is done or inbound is closed.
func (q *inbox) next(ctx context.Context, inbound <-chan protocol.Message) (protocol.Message, bool) {
	for {
		if msg, ok := q.pop(); ok {
			return msg, true
		}
		select {
		case <-ctx.Done():
			return protocol.Message{}, false
		case <-q.signal:
		case msg, ok := <-inbound:
			if !ok {
				return protocol.Message{}, false
			}
			return msg, true
		}
	}
}
