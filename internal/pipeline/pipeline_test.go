package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/ent0n29/sesame/internal/conversation"
)

func TestPipelinePushRunsStagesInOrder(t *testing.T) {
	var order []string
	stage := func(name string) Processor {
		return ProcessorFunc(func(ctx context.Context, f Frame, next Next) error {
			order = append(order, name+":"+f.Kind.String())
			return next(ctx, f)
		})
	}
	double := ProcessorFunc(func(ctx context.Context, f Frame, next Next) error {
		if err := next(ctx, f); err != nil {
			return err
		}
		return next(ctx, TextDelta("extra"))
	})

	p, err := New(stage("a"), double, stage("b"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := p.Push(context.Background(), EndOfStream()); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	want := []string{"a:end_of_stream", "b:end_of_stream", "b:text_delta"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestPipelineStopsOnError(t *testing.T) {
	boom := errors.New("boom")
	reached := false
	p, err := New(
		ProcessorFunc(func(context.Context, Frame, Next) error { return boom }),
		ProcessorFunc(func(context.Context, Frame, Next) error { reached = true; return nil }),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := p.Push(context.Background(), EndOfStream()); !errors.Is(err, boom) {
		t.Fatalf("Push() error = %v, want boom", err)
	}
	if reached {
		t.Fatalf("stage after failing stage ran")
	}
}

func TestPipelineHonorsCancellation(t *testing.T) {
	p, _ := New(Passthrough)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Push(ctx, EndOfStream()); !errors.Is(err, context.Canceled) {
		t.Fatalf("Push() error = %v, want context.Canceled", err)
	}
}

func TestNewRejectsNilProcessor(t *testing.T) {
	if _, err := New(Passthrough, nil); err == nil {
		t.Fatalf("New() expected error for nil processor")
	}
}

func TestContextPreservesIdentity(t *testing.T) {
	first := conversation.NewTextTurn(conversation.RoleUser, "hi")
	c := NewContext([]*conversation.Turn{first})
	c.Append(nil, conversation.NewTextTurn(conversation.RoleAssistant, "hello"))

	turns := c.Turns()
	if len(turns) != 2 || c.Len() != 2 {
		t.Fatalf("Turns() len = %d, want 2", len(turns))
	}
	if turns[0] != first {
		t.Fatalf("Turns()[0] is a copy, want original pointer")
	}
}

func TestEventBus(t *testing.T) {
	bus := NewEventBus()
	var calls []string
	unsub, err := bus.Subscribe(EventBotStarted, func(_ context.Context, payload any) error {
		calls = append(calls, "first:"+payload.(string))
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if _, err := bus.Subscribe(EventBotStarted, func(context.Context, any) error {
		calls = append(calls, "second")
		return errors.New("handler failed")
	}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	err = bus.Emit(context.Background(), EventBotStarted, "x")
	if err == nil {
		t.Fatalf("Emit() expected joined handler error")
	}
	if len(calls) != 2 || calls[0] != "first:x" {
		t.Fatalf("calls = %v", calls)
	}

	unsub()
	calls = nil
	_ = bus.Emit(context.Background(), EventBotStarted, "y")
	if len(calls) != 1 || calls[0] != "second" {
		t.Fatalf("calls after unsubscribe = %v", calls)
	}

	if _, err := bus.Subscribe(Event("on_nothing"), func(context.Context, any) error { return nil }); !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("Subscribe(unknown) error = %v", err)
	}
}
