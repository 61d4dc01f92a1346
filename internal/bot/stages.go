package bot

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/sesame/internal/conversation"
	"github.com/ent0n29/sesame/internal/llm"
	"github.com/ent0n29/sesame/internal/observability"
	"github.com/ent0n29/sesame/internal/pipeline"
	"github.com/ent0n29/sesame/internal/policy"
	"github.com/ent0n29/sesame/internal/protocol"
)

// userAggregator adds client turns to the live context.
func userAggregator(live *pipeline.Context) pipeline.Processor {
	return pipeline.ProcessorFunc(func(ctx context.Context, f pipeline.Frame, next pipeline.Next) error {
		if f.Kind != pipeline.FrameAppendMessages {
			return next(ctx, f)
		}
		live.Append(f.Turns...)
		if err := next(ctx, pipeline.Frame{Kind: pipeline.FrameTurnCompleted}); err != nil {
			return err
		}
		if f.Run {
			return next(ctx, pipeline.Frame{Kind: pipeline.FrameLLMRun})
		}
		return nil
	})
}

// assistantAggregator records the complete model reply as an assistant turn.
func assistantAggregator(live *pipeline.Context, speakerID string) pipeline.Processor {
	return pipeline.ProcessorFunc(func(ctx context.Context, f pipeline.Frame, next pipeline.Next) error {
		if f.Kind != pipeline.FrameLLMResponseEnd {
			return next(ctx, f)
		}
		if strings.TrimSpace(f.Text) == "" {
			return nil
		}
		turn := conversation.NewTextTurn(conversation.RoleAssistant, f.Text)
		turn.SpeakerID = speakerID
		live.Append(turn)
		return next(ctx, pipeline.Frame{Kind: pipeline.FrameTurnCompleted})
	})
}

type llmStage struct {
	svc     llm.Service
	system  string
	live    *pipeline.Context
	metrics *observability.Metrics
	logger  *zap.Logger
}

func (s *llmStage) ProcessFrame(ctx context.Context, f pipeline.Frame, next pipeline.Next) error {
	if f.Kind != pipeline.FrameLLMRun {
		return next(ctx, f)
	}
	if err := next(ctx, pipeline.MessageFrame(protocol.NewLLMStarted())); err != nil {
		return err
	}

	start := time.Now()
	first := true
	var downstream error
	full, err := s.svc.Stream(ctx, s.system, s.live.Turns(), func(delta string) error {
		if first {
			first = false
			s.metrics.ObserveLLM("first_delta", time.Since(start))
		}
		if err := next(ctx, pipeline.TextDelta(delta)); err != nil {
			downstream = err
			return err
		}
		return nil
	})
	if downstream != nil {
		return downstream
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("model run failed", zap.String("model", s.svc.Name()), zap.Error(err))
		if err := next(ctx, pipeline.ErrorFrame(err, false)); err != nil {
			return err
		}
		return next(ctx, pipeline.MessageFrame(protocol.NewLLMStopped()))
	}
	s.metrics.ObserveLLM("total", time.Since(start))

	if err := next(ctx, pipeline.LLMResponseEnd(full)); err != nil {
		return err
	}
	return next(ctx, pipeline.MessageFrame(protocol.NewLLMStopped()))
}

// outputStage renders client-bound frames as protocol messages. Delivery
// failures are logged; a client that went away must not stop persistence.
type outputStage struct {
	out     Transport
	name    string
	metrics *observability.Metrics
	logger  *zap.Logger
}

func (s *outputStage) ProcessFrame(ctx context.Context, f pipeline.Frame, next pipeline.Next) error {
	var msg *protocol.Message
	switch f.Kind {
	case pipeline.FrameTextDelta:
		m := protocol.NewLLMText(f.Text)
		msg = &m
	case pipeline.FrameMessage:
		msg = f.Message
	case pipeline.FrameError:
		detail := "unknown error"
		if f.Err != nil {
			detail = policy.RedactString(f.Err.Error())
		}
		m := protocol.NewError(detail, f.Fatal)
		msg = &m
	case pipeline.FrameEndOfStream:
		m := protocol.NewBotStopped()
		msg = &m
	}
	if msg != nil {
		if err := s.out.Send(ctx, *msg); err != nil {
			s.logger.Warn("send to client failed",
				zap.String("transport", s.name),
				zap.String("type", string(msg.Type)),
				zap.Error(err),
			)
		} else {
			s.metrics.ChunkSent(s.name)
		}
	}
	return next(ctx, f)
}
