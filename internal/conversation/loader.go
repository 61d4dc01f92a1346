package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ent0n29/sesame/internal/config"
	"github.com/ent0n29/sesame/internal/cryptocompat"
	"github.com/ent0n29/sesame/internal/store"
)

// LoadOptions controls how stored messages become turns.
type LoadOptions struct {
	// Flatten collapses every turn to a single text block.
	Flatten bool
	// SeedTurns are used when the conversation has no messages yet.
	SeedTurns []*Turn
}

// Loader reconstructs conversation turns from the store.
type Loader struct {
	store     store.Store
	decrypter cryptocompat.Decrypter
	logger    *zap.Logger
}

func NewLoader(s store.Store, decrypter cryptocompat.Decrypter, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if decrypter.Logger == nil {
		decrypter.Logger = logger
	}
	return &Loader{store: s, decrypter: decrypter, logger: logger.Named("conversation")}
}

// Load returns the turns of conversationID in message order. Messages written
// by userID become user turns; everything else is attributed to the assistant.
func (l *Loader) Load(ctx context.Context, conversationID, userID string, opts LoadOptions) ([]*Turn, error) {
	if _, err := l.store.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	msgs, err := l.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}

	turns := make([]*Turn, 0, len(msgs))
	for _, m := range msgs {
		role := RoleAssistant
		if m.SpeakerID == userID {
			role = RoleUser
		}
		turns = append(turns, &Turn{
			Role:      role,
			Content:   l.content(m),
			SpeakerID: m.SpeakerID,
		})
	}
	if len(turns) == 0 && len(opts.SeedTurns) > 0 {
		for _, seed := range opts.SeedTurns {
			cp := *seed
			cp.Content = append([]ContentBlock(nil), seed.Content...)
			turns = append(turns, &cp)
		}
	}
	if opts.Flatten {
		turns = Flatten(turns)
	}
	l.logger.Debug("conversation loaded",
		zap.String("conversation_id", conversationID),
		zap.Int("messages", len(msgs)),
		zap.Int("turns", len(turns)),
	)
	return turns, nil
}

func (l *Loader) content(m store.Message) []ContentBlock {
	if m.ContentType == store.ContentTypeMultipart {
		blocks, err := ParseContent(json.RawMessage(m.Body))
		if err == nil {
			return blocks
		}
		l.logger.Warn("multipart body unreadable, using raw text",
			zap.String("message_id", m.ID), zap.Error(err))
	}
	return []ContentBlock{TextBlock(l.decrypter.Decrypt(m.Body))}
}

// SeedTurns converts configured seed messages into turns.
func SeedTurns(seeds []config.SeedMessage) []*Turn {
	out := make([]*Turn, 0, len(seeds))
	for _, m := range seeds {
		out = append(out, NewTextTurn(Role(strings.ToLower(strings.TrimSpace(m.Role))), m.Content))
	}
	return out
}
