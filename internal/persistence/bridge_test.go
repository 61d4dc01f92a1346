package persistence

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ent0n29/sesame/internal/apperr"
	"github.com/ent0n29/sesame/internal/conversation"
	"github.com/ent0n29/sesame/internal/pipeline"
	"github.com/ent0n29/sesame/internal/store"
)

func newConversation(t *testing.T, s store.Store) string {
	t.Helper()
	c, err := s.CreateConversation(context.Background(), store.Conversation{Title: "bridge"})
	require.NoError(t, err)
	return c.ID
}

func TestBridgePersistsEachTurnWithAttribution(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	convID := newConversation(t, s)

	history := conversation.NewTextTurn(conversation.RoleUser, "from before")
	live := pipeline.NewContext([]*conversation.Turn{history})
	bridge := NewBridge(live, zaptest.NewLogger(t))

	persisted := map[conversation.Role]int{}
	bridge.OnContextMessage(MessageWriter(s, WriterConfig{
		ConversationID: convID,
		UserID:         "user-1",
		ParticipantID:  "bot-1",
		OnPersisted:    func(r conversation.Role) { persisted[r]++ },
	}))

	user := bridge.CreateProcessor(false)
	terminal := bridge.CreateProcessor(true)
	p, err := pipeline.New(user, terminal)
	require.NoError(t, err)

	turns := []*conversation.Turn{
		conversation.NewTextTurn(conversation.RoleUser, "hello"),
		conversation.NewTextTurn(conversation.RoleAssistant, "hi there"),
		conversation.NewTextTurn(conversation.RoleSystem, "note"),
		{Role: conversation.RoleUser, Content: []conversation.ContentBlock{
			conversation.TextBlock("see"), conversation.ImageBlock("data:image/png;base64,aGk="),
		}},
	}
	for _, turn := range turns {
		live.Append(turn)
		require.NoError(t, p.Push(ctx, pipeline.Frame{Kind: pipeline.FrameTurnCompleted}))
	}
	require.NoError(t, p.Push(ctx, pipeline.EndOfStream()))

	msgs, err := s.ListMessages(ctx, convID)
	require.NoError(t, err)
	require.Len(t, msgs, len(turns))
	require.Equal(t, "user-1", msgs[0].SpeakerID)
	require.Equal(t, "bot-1", msgs[1].SpeakerID)
	require.Equal(t, "bot-1", msgs[2].SpeakerID)
	require.Equal(t, "user-1", msgs[3].SpeakerID)
	require.Equal(t, store.ContentTypeMultipart, msgs[3].ContentType)
	require.Equal(t, 2, persisted[conversation.RoleUser])

	select {
	case <-bridge.Released():
	default:
		t.Fatalf("terminal processor did not release after end of stream")
	}
}

func TestBridgeDeliversSameTurnOnce(t *testing.T) {
	ctx := context.Background()
	live := pipeline.NewContext(nil)
	bridge := NewBridge(live, nil)

	var delivered []*conversation.Turn
	bridge.OnContextMessage(func(_ context.Context, turns []*conversation.Turn) error {
		delivered = append(delivered, turns...)
		return nil
	})

	turn := conversation.NewTextTurn(conversation.RoleUser, "once")
	live.Append(turn)
	live.Append(turn)
	require.NoError(t, bridge.Flush(ctx))
	require.NoError(t, bridge.Flush(ctx))

	twin := conversation.NewTextTurn(conversation.RoleUser, "once")
	live.Append(twin)
	require.NoError(t, bridge.Flush(ctx))

	require.Len(t, delivered, 2)
	require.Same(t, turn, delivered[0])
	require.Same(t, twin, delivered[1])
}

func TestBridgePropagatesStorageFailure(t *testing.T) {
	live := pipeline.NewContext(nil)
	bridge := NewBridge(live, zaptest.NewLogger(t))
	// No conversation exists, so every insert fails.
	bridge.OnContextMessage(MessageWriter(store.NewInMemoryStore(), WriterConfig{ConversationID: "missing"}))

	p, err := pipeline.New(bridge.CreateProcessor(true))
	require.NoError(t, err)
	live.Append(conversation.NewTextTurn(conversation.RoleAssistant, "lost?"))

	err = p.Push(context.Background(), pipeline.EndOfStream())
	require.Error(t, err)
	require.True(t, errors.Is(err, apperr.ErrPersistence), "error = %v", err)
	require.True(t, errors.Is(err, apperr.ErrNotFound), "cause should be kept: %v", err)

	select {
	case <-bridge.Released():
		t.Fatalf("bridge released despite failed flush")
	default:
	}
}

func TestBridgeRetriesTurnsAfterFailedFlush(t *testing.T) {
	ctx := context.Background()
	live := pipeline.NewContext(nil)
	bridge := NewBridge(live, zaptest.NewLogger(t))

	failOn := "second"
	var stored []string
	bridge.OnContextMessage(func(_ context.Context, turns []*conversation.Turn) error {
		for _, turn := range turns {
			if turn.Text() == failOn {
				return errors.New("store unavailable")
			}
			stored = append(stored, turn.Text())
		}
		return nil
	})

	for _, text := range []string{"first", "second", "third"} {
		live.Append(conversation.NewTextTurn(conversation.RoleUser, text))
	}
	err := bridge.Flush(ctx)
	require.True(t, errors.Is(err, apperr.ErrPersistence), "error = %v", err)
	require.Equal(t, []string{"first"}, stored)

	failOn = ""
	require.NoError(t, bridge.Flush(ctx))
	require.NoError(t, bridge.Flush(ctx))
	require.Equal(t, []string{"first", "second", "third"}, stored)
}
