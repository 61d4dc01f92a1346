package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/ent0n29/sesame/internal/apperr"
	"github.com/ent0n29/sesame/internal/config"
	"github.com/ent0n29/sesame/internal/conversation"
	"github.com/ent0n29/sesame/internal/cryptocompat"
	"github.com/ent0n29/sesame/internal/llm"
	"github.com/ent0n29/sesame/internal/protocol"
	"github.com/ent0n29/sesame/internal/session"
	"github.com/ent0n29/sesame/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

type recordingTransport struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (r *recordingTransport) Send(_ context.Context, msg protocol.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recordingTransport) messages() []protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Message(nil), r.msgs...)
}

func (r *recordingTransport) types() []protocol.MessageType {
	var out []protocol.MessageType
	for _, m := range r.messages() {
		out = append(out, m.Type)
	}
	return out
}

func (r *recordingTransport) text() string {
	var b strings.Builder
	for _, m := range r.messages() {
		if m.Type != protocol.TypeBotLLMText {
			continue
		}
		var d protocol.TextData
		_ = json.Unmarshal(m.Data, &d)
		b.WriteString(d.Text)
	}
	return b.String()
}

type failingStore struct {
	*store.InMemoryStore
}

func (failingStore) InsertMessage(context.Context, store.Message) (store.Message, error) {
	return store.Message{}, errors.New("disk full")
}

type factoryFunc func(ctx context.Context, req BuildRequest) (*Engine, error)

func (fn factoryFunc) Build(ctx context.Context, req BuildRequest) (*Engine, error) {
	return fn(ctx, req)
}

type fakeRooms struct {
	mu      sync.Mutex
	deleted []string
}

func (f *fakeRooms) DeleteRoomByURL(_ context.Context, roomURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, roomURL)
	return nil
}

func (f *fakeRooms) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deleted)
}

func newBuilder(t *testing.T, s store.Store) *Builder {
	t.Helper()
	logger := zaptest.NewLogger(t)
	cfg := config.Config{Bot: config.DefaultBotConfig()}
	return NewBuilder(BuilderDeps{
		Config: cfg,
		Store:  s,
		Loader: conversation.NewLoader(s, cryptocompat.Decrypter{Passphrase: "future"}, logger),
		NewLLM: func(context.Context, config.BotProfile) (llm.Service, error) {
			return llm.NewMockService(false), nil
		},
		Logger: logger,
	})
}

func sessionParams(t *testing.T, conversationID string, attachments ...string) protocol.SessionParams {
	t.Helper()
	ids, _ := json.Marshal(attachments)
	raw := fmt.Sprintf(`{
		"conversation_id": %q,
		"user_id": "user-1",
		"participant_id": "bot-1",
		"attachments": %s,
		"actions": [{
			"label": "rtvi-ai",
			"type": "action",
			"id": "a1",
			"data": {
				"service": "llm",
				"action": "append_to_messages",
				"arguments": [{"name": "messages", "value": [{"role": "user", "content": "hello"}]}]
			}
		}]
	}`, conversationID, ids)
	p, err := protocol.ParseSessionParams([]byte(raw))
	require.NoError(t, err)
	return p
}

func newConversation(t *testing.T, s store.Store) string {
	t.Helper()
	c, err := s.CreateConversation(context.Background(), store.Conversation{Title: "bot"})
	require.NoError(t, err)
	return c.ID
}

func TestEncodeSSE(t *testing.T) {
	chunk, err := EncodeSSE(protocol.NewLLMText("hi"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(chunk), "data: "))
	require.True(t, strings.HasSuffix(string(chunk), "\n\n"))
	require.NotContains(t, string(chunk), "{")

	msg, err := DecodeSSE(chunk)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeBotLLMText, msg.Type)
}

func TestRunInProcessReplaysAndPersists(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	convID := newConversation(t, s)
	_, err := s.InsertAttachment(ctx, store.Attachment{ID: "att-1", FileType: "image/png", FileData: "aGk="})
	require.NoError(t, err)

	sessions := session.NewManager()
	runner := NewRunner(RunnerConfig{Factory: newBuilder(t, s), Sessions: sessions, Logger: zaptest.NewLogger(t)})
	out := &recordingTransport{}

	err = runner.RunInProcess(ctx, BuildRequest{
		Params: sessionParams(t, convID, "att-1"),
		Kind:   session.TransportHTTP,
		Output: out,
	})
	require.NoError(t, err)

	types := out.types()
	require.NotEmpty(t, types)
	require.Equal(t, protocol.TypeBotLLMStarted, types[0])
	require.Equal(t, protocol.TypeBotStopped, types[len(types)-1])
	require.Contains(t, types, protocol.TypeActionResponse)
	require.Equal(t, "You said: hello (with images)", out.text())

	msgs, err := s.ListMessages(ctx, convID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "user-1", msgs[0].SpeakerID)
	require.Equal(t, store.ContentTypeMultipart, msgs[0].ContentType)
	require.Equal(t, "bot-1", msgs[1].SpeakerID)
	require.Equal(t, "You said: hello (with images)", msgs[1].Body)
	require.Equal(t, []int{1, 2}, []int{msgs[0].Number, msgs[1].Number})

	left, err := s.GetAttachments(ctx, []string{"att-1"})
	require.NoError(t, err)
	require.Empty(t, left)
	require.Zero(t, sessions.ActiveCount())
}

func TestRunInProcessFallsBackWhenBuildFails(t *testing.T) {
	runner := NewRunner(RunnerConfig{
		Factory: factoryFunc(func(context.Context, BuildRequest) (*Engine, error) {
			return nil, apperr.Pipeline("build session", apperr.Configuration("gemini"))
		}),
		Logger: zaptest.NewLogger(t),
	})
	out := &recordingTransport{}

	err := runner.RunInProcess(context.Background(), BuildRequest{Kind: session.TransportHTTP, Output: out})
	require.Error(t, err)
	require.Equal(t, apperr.KindPipelineConstruction, apperr.KindOf(err))

	msgs := out.messages()
	require.Len(t, msgs, 2)
	require.Equal(t, protocol.TypeError, msgs[0].Type)
	var data protocol.ErrorData
	require.NoError(t, json.Unmarshal(msgs[0].Data, &data))
	require.True(t, data.Fatal)
	require.True(t, strings.HasPrefix(data.Error, "Error running bot: "), data.Error)
	require.Equal(t, protocol.TypeBotStopped, msgs[1].Type)
}

func TestRunInProcessFallsBackOnPersistenceFailure(t *testing.T) {
	s := failingStore{store.NewInMemoryStore()}
	convID := newConversation(t, s)
	runner := NewRunner(RunnerConfig{Factory: newBuilder(t, s), Logger: zaptest.NewLogger(t)})
	out := &recordingTransport{}

	err := runner.RunInProcess(context.Background(), BuildRequest{
		Params: sessionParams(t, convID),
		Kind:   session.TransportHTTP,
		Output: out,
	})
	require.ErrorIs(t, err, apperr.ErrPersistence)
	types := out.types()
	require.Equal(t, protocol.TypeError, types[len(types)-2])
}

func TestRunInProcessContainsPanics(t *testing.T) {
	runner := NewRunner(RunnerConfig{
		Factory: factoryFunc(func(context.Context, BuildRequest) (*Engine, error) {
			panic("boom")
		}),
		Logger: zaptest.NewLogger(t),
	})
	out := &recordingTransport{}

	err := runner.RunInProcess(context.Background(), BuildRequest{Kind: session.TransportHTTP, Output: out})
	require.ErrorContains(t, err, "boom")
	require.Equal(t, protocol.TypeError, out.types()[0])
}

func TestLiveSessionAnswersClientReady(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	convID := newConversation(t, s)
	runner := NewRunner(RunnerConfig{Factory: newBuilder(t, s), Logger: zaptest.NewLogger(t)})
	out := &recordingTransport{}
	inbound := make(chan protocol.Message)

	params := sessionParams(t, convID)
	params.Actions = nil
	errc := make(chan error, 1)
	go func() {
		errc <- runner.RunInProcess(ctx, BuildRequest{
			Params:  params,
			Kind:    session.TransportWebSocket,
			Output:  out,
			Inbound: inbound,
			Live:    true,
		})
	}()

	ready, err := protocol.ParseClientMessage([]byte(`{"label":"rtvi-ai","type":"client-ready","id":"r1"}`))
	require.NoError(t, err)
	inbound <- ready

	require.Eventually(t, func() bool {
		types := out.types()
		return len(types) > 0 && types[len(types)-1] == protocol.TypeBotLLMStopped
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, protocol.TypeBotReady, out.types()[0])

	close(inbound)
	require.NoError(t, <-errc)

	msgs, err := s.ListMessages(ctx, convID)
	require.NoError(t, err)
	require.Len(t, msgs, 1, "only the greeting reply is stored")
	require.Equal(t, "bot-1", msgs[0].SpeakerID)
}

func TestLaunchCleansUpRoom(t *testing.T) {
	for _, keep := range []bool{false, true} {
		rooms := &fakeRooms{}
		runner := NewRunner(RunnerConfig{
			Factory: factoryFunc(func(context.Context, BuildRequest) (*Engine, error) {
				return nil, errors.New("no model")
			}),
			Logger: zaptest.NewLogger(t),
		})
		out := &recordingTransport{}
		launcher := NewLauncher(context.Background(), LauncherConfig{
			Runner:       runner,
			Rooms:        rooms,
			NewTransport: func(string, string) Transport { return out },
			KeepRooms:    keep,
			Logger:       zaptest.NewLogger(t),
		})

		h := launcher.Launch(BuildRequest{}, "https://demo.daily.co/room", "token")
		require.Error(t, h.Err())
		require.NoError(t, launcher.Wait(context.Background()))

		want := 1
		if keep {
			want = 0
		}
		require.Equal(t, want, rooms.count(), "keep=%v", keep)
		require.Equal(t, protocol.TypeError, out.types()[0])
	}
}
