package pipeline

import (
	"context"
	"fmt"
)

// Next forwards a frame to the rest of the chain.
type Next func(ctx context.Context, f Frame) error

// Processor is one stage. It may drop, transform or multiply frames by
// choosing how often to call next.
type Processor interface {
	ProcessFrame(ctx context.Context, f Frame, next Next) error
}

type ProcessorFunc func(ctx context.Context, f Frame, next Next) error

func (fn ProcessorFunc) ProcessFrame(ctx context.Context, f Frame, next Next) error {
	return fn(ctx, f, next)
}

// Pipeline runs frames through its processors in order. Push is not safe
// for concurrent use; one session owns one pipeline.
type Pipeline struct {
	processors []Processor
}

func New(processors ...Processor) (*Pipeline, error) {
	for i, p := range processors {
		if p == nil {
			return nil, fmt.Errorf("pipeline: processor %d is nil", i)
		}
	}
	return &Pipeline{processors: processors}, nil
}

// Push sends f through every stage. The first error stops propagation.
func (p *Pipeline) Push(ctx context.Context, f Frame) error {
	return p.at(0)(ctx, f)
}

func (p *Pipeline) at(i int) Next {
	if i >= len(p.processors) {
		return func(context.Context, Frame) error { return nil }
	}
	return func(ctx context.Context, f Frame) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return p.processors[i].ProcessFrame(ctx, f, p.at(i+1))
	}
}

// Passthrough forwards every frame unchanged.
var Passthrough Processor = ProcessorFunc(func(ctx context.Context, f Frame, next Next) error {
	return next(ctx, f)
})
