package bot

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/ent0n29/sesame/internal/apperr"
	"github.com/ent0n29/sesame/internal/config"
	"github.com/ent0n29/sesame/internal/conversation"
	"github.com/ent0n29/sesame/internal/llm"
	"github.com/ent0n29/sesame/internal/observability"
	"github.com/ent0n29/sesame/internal/protocol"
	"github.com/ent0n29/sesame/internal/session"
	"github.com/ent0n29/sesame/internal/store"
)

// BuildRequest describes a session to construct.
type BuildRequest struct {
	// SessionID is optional; one is generated when empty.
	SessionID string
	Params    protocol.SessionParams
	Kind      session.Transport
	Output    Transport
	Inbound   <-chan protocol.Message
	Live      bool
}

// Factory constructs the engine of a session.
type Factory interface {
	Build(ctx context.Context, req BuildRequest) (*Engine, error)
}

// LLMFactory creates the model service for a bot profile.
type LLMFactory func(ctx context.Context, profile config.BotProfile) (llm.Service, error)

type BuilderDeps struct {
	Config  config.Config
	Store   store.Store
	Loader  *conversation.Loader
	NewLLM  LLMFactory
	Metrics *observability.Metrics
	Logger  *zap.Logger
}

// Builder is the production Factory.
type Builder struct {
	deps BuilderDeps
}

func NewBuilder(deps BuilderDeps) *Builder {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.NewLLM == nil {
		cfg, logger := deps.Config, deps.Logger
		deps.NewLLM = func(ctx context.Context, profile config.BotProfile) (llm.Service, error) {
			return llm.New(ctx, cfg, profile, logger)
		}
	}
	return &Builder{deps: deps}
}

// Build loads the conversation and wires a ready-to-run engine. Every
// failure is a pipeline construction failure.
func (b *Builder) Build(ctx context.Context, req BuildRequest) (*Engine, error) {
	const op = "build session"
	if !req.Params.HasConversation() {
		return nil, apperr.Pipeline(op, apperr.Validation(op, "Missing conversation_id in params"))
	}
	bot := b.deps.Config.Bot
	profile := bot.Profile(req.Params.BotProfile)

	svc, err := b.deps.NewLLM(ctx, profile)
	if err != nil {
		return nil, apperr.Pipeline(op, err)
	}

	var seeds []*conversation.Turn
	if req.Live {
		seeds = conversation.SeedTurns(bot.LiveGreeting)
	}
	turns, err := b.deps.Loader.Load(ctx, req.Params.ConversationID, req.Params.UserID, conversation.LoadOptions{
		Flatten:   svc.PlainText(),
		SeedTurns: seeds,
	})
	if err != nil {
		return nil, apperr.Pipeline(op, err)
	}

	var attachments []store.Attachment
	if len(req.Params.Attachments) > 0 {
		attachments, err = b.deps.Store.GetAttachments(ctx, req.Params.Attachments)
		if err != nil {
			return nil, apperr.Pipeline(op, err)
		}
	}

	system := strings.TrimSpace(profile.SystemPrompt)
	if system == "" {
		system = bot.SystemPrompt
	}
	engine, err := NewEngine(EngineConfig{
		Params:       req.Params,
		Turns:        turns,
		Attachments:  attachments,
		Store:        b.deps.Store,
		LLM:          svc,
		SystemPrompt: system,
		Output:       req.Output,
		OutputName:   string(req.Kind),
		Inbound:      req.Inbound,
		Live:         req.Live,
		Logger:       b.deps.Logger,
		Metrics:      b.deps.Metrics,
	})
	if err != nil {
		return nil, apperr.Pipeline(op, err)
	}
	b.deps.Logger.Debug("session built",
		zap.String("conversation_id", req.Params.ConversationID),
		zap.String("model", svc.Name()),
		zap.Int("history_turns", len(turns)),
		zap.Int("attachments", len(attachments)),
	)
	return engine, nil
}
