// Package llm holds the model services a bot session can talk to.
package llm

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/ent0n29/sesame/internal/apperr"
	"github.com/ent0n29/sesame/internal/config"
	"github.com/ent0n29/sesame/internal/conversation"
)

// Service streams a reply to the conversation so far.
type Service interface {
	Name() string
	// PlainText reports whether turns must be flattened before Stream.
	PlainText() bool
	// Stream calls onDelta for each chunk and returns the full reply.
	Stream(ctx context.Context, system string, turns []*conversation.Turn, onDelta func(string) error) (string, error)
}

// New picks the service for a bot profile. An explicit gemini provider
// without a key is a configuration error; auto falls back to the mock.
func New(ctx context.Context, cfg config.Config, profile config.BotProfile, logger *zap.Logger) (Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	model := strings.TrimSpace(profile.Model)
	if model == "" {
		model = cfg.GeminiModel
	}
	key, hasKey := cfg.APIKey(config.ServiceGemini)

	switch cfg.LLMProvider {
	case "mock":
		return NewMockService(profile.PlainText), nil
	case "auto":
		if !hasKey {
			logger.Warn("GEMINI_API_KEY not set, using mock model")
			return NewMockService(profile.PlainText), nil
		}
	default:
		if !hasKey {
			return nil, apperr.Configuration(config.ServiceGemini)
		}
	}
	return NewGeminiService(ctx, GeminiConfig{APIKey: key, Model: model, PlainText: profile.PlainText})
}

// CheckConfigured reports the configuration error New would return, without
// creating a client.
func CheckConfigured(cfg config.Config) error {
	if cfg.LLMProvider != "gemini" {
		return nil
	}
	if _, ok := cfg.APIKey(config.ServiceGemini); !ok {
		return apperr.Configuration(config.ServiceGemini)
	}
	return nil
}
