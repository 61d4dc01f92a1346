// Package bot runs conversation sessions. An Engine is the in-process text
// pipeline of one session; the Runner and Launcher isolate sessions from
// each other and report failed sessions through a fallback pipeline.
package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/sesame/internal/apperr"
	"github.com/ent0n29/sesame/internal/conversation"
	"github.com/ent0n29/sesame/internal/llm"
	"github.com/ent0n29/sesame/internal/observability"
	"github.com/ent0n29/sesame/internal/persistence"
	"github.com/ent0n29/sesame/internal/pipeline"
	"github.com/ent0n29/sesame/internal/protocol"
	"github.com/ent0n29/sesame/internal/replay"
	"github.com/ent0n29/sesame/internal/store"
)

const (
	serviceSystem = "system"
	serviceLLM    = "llm"
	verbEnd       = "end"
	verbRun       = "run"

	shutdownFlushTimeout = 5 * time.Second
)

type EngineConfig struct {
	Params      protocol.SessionParams
	Turns       []*conversation.Turn
	Attachments []store.Attachment
	Store       store.Store
	LLM         llm.Service
	// SystemPrompt is passed to the model on every run.
	SystemPrompt string
	Output       Transport
	// OutputName labels the transport in logs and metrics.
	OutputName string
	// Inbound carries client messages for live sessions. A closed channel
	// ends the session.
	Inbound <-chan protocol.Message
	// Live sessions stay open after replay until the client leaves.
	Live    bool
	Logger  *zap.Logger
	Metrics *observability.Metrics
}

// Engine runs one session: it owns the live context, the pipeline, the
// persistence bridge and the replay controller.
type Engine struct {
	params  protocol.SessionParams
	llm     llm.Service
	live    *pipeline.Context
	pipe    *pipeline.Pipeline
	bridge  *persistence.Bridge
	events  *pipeline.EventBus
	replay  *replay.Controller
	inbox   *inbox
	inbound <-chan protocol.Message
	logger  *zap.Logger
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.LLM == nil {
		return nil, errors.New("engine: model service is required")
	}
	if cfg.Output == nil {
		return nil, errors.New("engine: output transport is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("bot").With(zap.String("conversation_id", cfg.Params.ConversationID))

	live := pipeline.NewContext(cfg.Turns)
	bridge := persistence.NewBridge(live, logger)
	bridge.OnContextMessage(persistence.MessageWriter(cfg.Store, persistence.WriterConfig{
		ConversationID: cfg.Params.ConversationID,
		UserID:         cfg.Params.UserID,
		ParticipantID:  cfg.Params.ParticipantID,
		OnPersisted: func(role conversation.Role) {
			cfg.Metrics.TurnPersisted(string(role))
		},
	}))

	pipe, err := pipeline.New(
		userAggregator(live),
		bridge.CreateProcessor(false),
		&llmStage{svc: cfg.LLM, system: cfg.SystemPrompt, live: live, metrics: cfg.Metrics, logger: logger},
		&outputStage{out: cfg.Output, name: cfg.OutputName, metrics: cfg.Metrics, logger: logger},
		assistantAggregator(live, cfg.Params.ParticipantID),
		bridge.CreateProcessor(true),
	)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		params:  cfg.Params,
		llm:     cfg.LLM,
		live:    live,
		pipe:    pipe,
		bridge:  bridge,
		events:  pipeline.NewEventBus(),
		inbox:   newInbox(),
		inbound: cfg.Inbound,
		logger:  logger,
	}
	e.replay = replay.New(replay.Config{
		Actions:              cfg.Params.ActionsCopy(),
		Attachments:          cfg.Attachments,
		Deleter:              cfg.Store,
		TerminateAfterReplay: !cfg.Live,
		Logger:               logger,
		OnDispatched:         cfg.Metrics.ActionReplayed,
	}, e)
	if err := e.replay.Bind(e.events); err != nil {
		return nil, fmt.Errorf("bind replay: %w", err)
	}
	return e, nil
}

// Events exposes the session event bus.
func (e *Engine) Events() *pipeline.EventBus { return e.events }

// Context returns the live conversation context.
func (e *Engine) Context() *pipeline.Context { return e.live }

// ReplayState reports the replay controller state.
func (e *Engine) ReplayState() replay.State { return e.replay.State() }

// HandleMessage queues a client message. It never blocks.
func (e *Engine) HandleMessage(_ context.Context, msg protocol.Message) error {
	e.inbox.push(msg)
	return nil
}

// Run emits on_bot_started and processes messages until the session ends.
// Cancellation of ctx ends the session normally after a final flush.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.events.Emit(ctx, pipeline.EventBotStarted, e.params); err != nil {
		e.logger.Warn("bot started handlers failed", zap.Error(err))
	}
	for {
		msg, ok := e.inbox.next(ctx, e.inbound)
		if !ok {
			return e.shutdown(ctx)
		}
		done, err := e.handle(ctx, msg)
		if err != nil {
			if ctx.Err() != nil && !isPersistence(err) {
				return e.shutdown(ctx)
			}
			return err
		}
		if done {
			return nil
		}
	}
}

func (e *Engine) handle(ctx context.Context, msg protocol.Message) (bool, error) {
	switch msg.Type {
	case protocol.TypeClientReady:
		return false, e.clientReady(ctx, msg)
	case protocol.TypeAction:
		return e.action(ctx, msg)
	default:
		return false, e.reply(ctx, protocol.NewErrorResponse(msg.ID, fmt.Sprintf("unsupported message type %q", msg.Type)))
	}
}

func (e *Engine) clientReady(ctx context.Context, msg protocol.Message) error {
	if err := e.reply(ctx, protocol.NewBotReady(msg.ID)); err != nil {
		return err
	}
	if err := e.events.Emit(ctx, pipeline.EventClientReady, msg); err != nil {
		e.logger.Warn("client ready handlers failed", zap.Error(err))
	}
	turns := e.live.Turns()
	if len(turns) > 0 && turns[len(turns)-1].Role == conversation.RoleUser {
		return e.pipe.Push(ctx, pipeline.Frame{Kind: pipeline.FrameLLMRun})
	}
	return nil
}

func (e *Engine) action(ctx context.Context, msg protocol.Message) (bool, error) {
	action, err := protocol.ParseAction(msg)
	if err != nil {
		return false, e.reply(ctx, protocol.NewErrorResponse(msg.ID, err.Error()))
	}

	switch {
	case action.Service == serviceSystem && action.Verb == verbEnd:
		return true, e.end(ctx)
	case action.Kind() == protocol.KindAppendToMessages:
		turns, err := e.toTurns(action.Append.Messages)
		if err != nil {
			return false, e.reply(ctx, protocol.NewErrorResponse(action.ID, err.Error()))
		}
		if err := e.pipe.Push(ctx, pipeline.AppendMessages(turns, action.Append.RunImmediately)); err != nil {
			return false, err
		}
		return false, e.reply(ctx, protocol.NewActionResponse(action.ID, true))
	case action.Service == serviceLLM && action.Verb == verbRun:
		if err := e.pipe.Push(ctx, pipeline.Frame{Kind: pipeline.FrameLLMRun}); err != nil {
			return false, err
		}
		return false, e.reply(ctx, protocol.NewActionResponse(action.ID, true))
	default:
		return false, e.reply(ctx, protocol.NewErrorResponse(action.ID,
			fmt.Sprintf("unsupported action %s:%s", action.Service, action.Verb)))
	}
}

func (e *Engine) end(ctx context.Context) error {
	if err := e.pipe.Push(ctx, pipeline.EndOfStream()); err != nil {
		return err
	}
	if err := e.events.Emit(ctx, pipeline.EventEndOfStream, nil); err != nil {
		e.logger.Warn("end of stream handlers failed", zap.Error(err))
	}
	return nil
}

// shutdown flushes turns that completed before cancellation.
func (e *Engine) shutdown(ctx context.Context) error {
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownFlushTimeout)
	defer cancel()
	if err := e.events.Emit(flushCtx, pipeline.EventEndOfStream, nil); err != nil {
		e.logger.Warn("end of stream handlers failed", zap.Error(err))
	}
	if err := e.bridge.Flush(flushCtx); err != nil {
		return err
	}
	e.logger.Debug("session cancelled", zap.Error(context.Cause(ctx)))
	return nil
}

func (e *Engine) reply(ctx context.Context, msg protocol.Message) error {
	return e.pipe.Push(ctx, pipeline.MessageFrame(msg))
}

func (e *Engine) toTurns(msgs []protocol.ActionMessage) ([]*conversation.Turn, error) {
	turns := make([]*conversation.Turn, 0, len(msgs))
	for i, m := range msgs {
		role := conversation.Role(m.Role)
		speaker := e.params.ParticipantID
		switch role {
		case conversation.RoleUser:
			speaker = e.params.UserID
		case conversation.RoleAssistant, conversation.RoleSystem:
		default:
			return nil, fmt.Errorf("messages[%d]: invalid role %q", i, m.Role)
		}
		turns = append(turns, &conversation.Turn{
			Role:      role,
			Content:   m.Content.ContentBlocks(),
			SpeakerID: speaker,
		})
	}
	if e.llm.PlainText() {
		turns = conversation.Flatten(turns)
	}
	return turns, nil
}

func isPersistence(err error) bool {
	return errors.Is(err, apperr.ErrPersistence)
}
