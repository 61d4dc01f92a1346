// Package persistence captures turns as the pipeline completes them and
// writes each one to storage exactly once.
package persistence

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/ent0n29/sesame/internal/apperr"
	"github.com/ent0n29/sesame/internal/conversation"
	"github.com/ent0n29/sesame/internal/pipeline"
)

// Handler persists a batch of turns that were never delivered before.
type Handler func(ctx context.Context, turns []*conversation.Turn) error

// Bridge watches a live context and forwards new turns to its handlers.
// Turns are tracked by identity, so a turn inspected many times is only
// delivered once. Turns already in the context at construction are history
// and never delivered.
type Bridge struct {
	live   *pipeline.Context
	logger *zap.Logger

	flushMu   sync.Mutex
	mu        sync.Mutex
	delivered map[*conversation.Turn]struct{}
	handlers  []Handler

	released    chan struct{}
	releaseOnce sync.Once
}

func NewBridge(live *pipeline.Context, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bridge{
		live:      live,
		logger:    logger.Named("persistence"),
		delivered: make(map[*conversation.Turn]struct{}),
		released:  make(chan struct{}),
	}
	for _, t := range live.Turns() {
		b.delivered[t] = struct{}{}
	}
	return b
}

// OnContextMessage registers a persistence callback.
func (b *Bridge) OnContextMessage(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Released is closed once a terminal processor has flushed at end of stream.
func (b *Bridge) Released() <-chan struct{} {
	return b.released
}

// Flush delivers every undelivered turn, oldest first. A turn is marked
// delivered only after every handler accepted it, so a failed flush can be
// retried without losing or duplicating turns. Flushes of one bridge never
// overlap.
func (b *Bridge) Flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	var pending []*conversation.Turn
	seen := make(map[*conversation.Turn]struct{})
	for _, t := range b.live.Turns() {
		if _, ok := b.delivered[t]; ok {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		pending = append(pending, t)
	}
	handlers := append([]Handler(nil), b.handlers...)
	b.mu.Unlock()

	for i, t := range pending {
		for _, h := range handlers {
			if err := h(ctx, []*conversation.Turn{t}); err != nil {
				b.logger.Error("storing context message failed",
					zap.Error(err),
					zap.String("role", string(t.Role)),
					zap.Int("undelivered", len(pending)-i),
					zap.Stack("stack"),
				)
				return apperr.Persistence("persist turns", err)
			}
		}
		b.mu.Lock()
		b.delivered[t] = struct{}{}
		b.mu.Unlock()
	}
	return nil
}

// CreateProcessor returns a stage that flushes whenever a turn completes.
// With exitOnEndOfStream the stage also flushes on end of stream and then
// releases the bridge before passing the frame on.
func (b *Bridge) CreateProcessor(exitOnEndOfStream bool) pipeline.Processor {
	return pipeline.ProcessorFunc(func(ctx context.Context, f pipeline.Frame, next pipeline.Next) error {
		switch f.Kind {
		case pipeline.FrameTurnCompleted:
			if err := b.Flush(ctx); err != nil {
				return err
			}
		case pipeline.FrameEndOfStream:
			if err := b.Flush(ctx); err != nil {
				return err
			}
			if exitOnEndOfStream {
				b.releaseOnce.Do(func() { close(b.released) })
			}
		}
		return next(ctx, f)
	})
}
