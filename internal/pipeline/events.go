package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Event is the finite set of session events the engine emits.
type Event string

const (
	EventBotStarted             Event = "on_bot_started"
	EventClientReady            Event = "on_client_ready"
	EventFirstParticipantJoined Event = "on_first_participant_joined"
	EventParticipantJoined      Event = "on_participant_joined"
	EventParticipantLeft        Event = "on_participant_left"
	EventCallStateUpdated       Event = "on_call_state_updated"
	EventEndOfStream            Event = "on_end_of_stream"
)

var knownEvents = map[Event]struct{}{
	EventBotStarted:             {},
	EventClientReady:            {},
	EventFirstParticipantJoined: {},
	EventParticipantJoined:      {},
	EventParticipantLeft:        {},
	EventCallStateUpdated:       {},
	EventEndOfStream:            {},
}

var ErrUnknownEvent = errors.New("unknown pipeline event")

// Handler receives an event payload. Payload types are documented per event.
type Handler func(ctx context.Context, payload any) error

type subscription struct {
	id int
	h  Handler
}

// EventBus dispatches events to typed subscribers in registration order.
type EventBus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[Event][]subscription
}

func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[Event][]subscription)}
}

// Subscribe registers h for ev and returns a function that removes it.
func (b *EventBus) Subscribe(ev Event, h Handler) (func(), error) {
	if _, ok := knownEvents[ev]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, ev)
	}
	if h == nil {
		return nil, errors.New("pipeline: nil event handler")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[ev] = append(b.subs[ev], subscription{id: id, h: h})
	return func() { b.unsubscribe(ev, id) }, nil
}

func (b *EventBus) unsubscribe(ev Event, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[ev]
	for i, s := range subs {
		if s.id == id {
			b.subs[ev] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Emit calls every handler of ev and joins their errors.
func (b *EventBus) Emit(ctx context.Context, ev Event, payload any) error {
	if _, ok := knownEvents[ev]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEvent, ev)
	}
	b.mu.RLock()
	subs := append([]subscription(nil), b.subs[ev]...)
	b.mu.RUnlock()

	var errs []error
	for _, s := range subs {
		if err := s.h(ctx, payload); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ev, err))
		}
	}
	return errors.Join(errs...)
}
