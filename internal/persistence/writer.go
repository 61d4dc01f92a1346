package persistence

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ent0n29/sesame/internal/conversation"
	"github.com/ent0n29/sesame/internal/store"
)

// WriterConfig attributes turns of one session.
type WriterConfig struct {
	ConversationID string
	UserID         string
	ParticipantID  string
	// OnPersisted is called after each successful insert.
	OnPersisted func(role conversation.Role)
}

// MessageWriter returns the standard handler: user turns are attributed to
// the user, every other role to the participant.
func MessageWriter(s store.Store, cfg WriterConfig) Handler {
	return func(ctx context.Context, turns []*conversation.Turn) error {
		for _, t := range turns {
			msg, err := toMessage(cfg, t)
			if err != nil {
				return err
			}
			if _, err := s.InsertMessage(ctx, msg); err != nil {
				return fmt.Errorf("insert %s turn: %w", t.Role, err)
			}
			if cfg.OnPersisted != nil {
				cfg.OnPersisted(t.Role)
			}
		}
		return nil
	}
}

func toMessage(cfg WriterConfig, t *conversation.Turn) (store.Message, error) {
	speaker := cfg.ParticipantID
	if t.Role == conversation.RoleUser {
		speaker = cfg.UserID
	}
	msg := store.Message{
		ConversationID: cfg.ConversationID,
		SpeakerID:      speaker,
		ContentType:    store.ContentTypeText,
		Body:           t.Text(),
	}
	if !t.IsPlainText() {
		raw, err := json.Marshal(t.Content)
		if err != nil {
			return store.Message{}, fmt.Errorf("encode turn content: %w", err)
		}
		msg.ContentType = store.ContentTypeMultipart
		msg.Body = string(raw)
	}
	return msg, nil
}
