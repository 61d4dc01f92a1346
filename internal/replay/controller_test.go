package replay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ent0n29/sesame/internal/conversation"
	"github.com/ent0n29/sesame/internal/pipeline"
	"github.com/ent0n29/sesame/internal/protocol"
	"github.com/ent0n29/sesame/internal/store"
)

type recordingDispatcher struct {
	mu   sync.Mutex
	msgs []protocol.Message
	fail map[string]bool
	// panicOn makes HandleMessage panic for the given action verb.
	panicOn string
}

func (d *recordingDispatcher) HandleMessage(_ context.Context, msg protocol.Message) error {
	d.mu.Lock()
	d.msgs = append(d.msgs, msg)
	d.mu.Unlock()
	a, err := protocol.ParseAction(msg)
	if err != nil {
		return err
	}
	if a.Verb == d.panicOn {
		panic("transport exploded")
	}
	if d.fail[a.Verb] {
		return errors.New("transport closed")
	}
	return nil
}

func (d *recordingDispatcher) actions(t *testing.T) []protocol.Action {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]protocol.Action, 0, len(d.msgs))
	for _, m := range d.msgs {
		a, err := protocol.ParseAction(m)
		require.NoError(t, err)
		out = append(out, a)
	}
	return out
}

type recordingDeleter struct {
	mu      sync.Mutex
	deleted []string
}

func (d *recordingDeleter) DeleteAttachment(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deleted = append(d.deleted, id)
	return nil
}

func mustAction(t *testing.T, raw string) protocol.Action {
	t.Helper()
	var a protocol.Action
	require.NoError(t, json.Unmarshal([]byte(raw), &a))
	return a
}

const appendAction = `{"label":"rtvi-ai","type":"action","id":"a1","data":{"service":"llm","action":"append_to_messages","arguments":[{"name":"messages","value":[{"role":"system","content":"sys"},{"role":"user","content":"describe"},{"role":"user","content":"second"}]}]}}`

func TestReplayEmptyActionsStillEnds(t *testing.T) {
	d := &recordingDispatcher{}
	c := New(Config{TerminateAfterReplay: true, Logger: zaptest.NewLogger(t)}, d)
	require.Equal(t, StateIdle, c.State())

	c.Replay(context.Background())
	require.Equal(t, StateDraining, c.State())

	actions := d.actions(t)
	require.Len(t, actions, 1)
	require.Equal(t, "system", actions[0].Service)
	require.Equal(t, "end", actions[0].Verb)
	require.Equal(t, "END", actions[0].ID)
}

func TestReplayMergesAttachmentsIntoFirstUserMessage(t *testing.T) {
	d := &recordingDispatcher{}
	del := &recordingDeleter{}
	original := mustAction(t, appendAction)
	c := New(Config{
		Actions: []protocol.Action{original, mustAction(t, appendAction)},
		Attachments: []store.Attachment{
			{ID: "att-1", FileType: "image/png", FileData: "aGk="},
			{ID: "att-2", FileType: "image/jpeg", FileData: "aG8="},
		},
		Deleter:              del,
		TerminateAfterReplay: true,
	}, d)

	c.Replay(context.Background())

	actions := d.actions(t)
	require.Len(t, actions, 3)

	first := actions[0].Append.Messages
	require.False(t, first[0].Content.IsBlocks, "system message must be untouched")
	blocks := first[1].Content.ContentBlocks()
	require.Len(t, blocks, 3)
	require.Equal(t, conversation.TextBlock("describe"), blocks[0])
	require.Equal(t, "data:image/png;base64,aGk=", blocks[1].ImageURL.URL)
	require.Equal(t, "data:image/jpeg;base64,aG8=", blocks[2].ImageURL.URL)
	require.False(t, first[2].Content.IsBlocks, "only the first user message receives attachments")

	second := actions[1].Append.Messages
	require.False(t, second[1].Content.IsBlocks, "attachments are merged into one action only")

	require.Equal(t, []string{"att-1", "att-2"}, del.deleted)
	require.False(t, original.Append.Messages[1].Content.IsBlocks, "configured actions must not be mutated")
	require.Equal(t, "end", actions[2].Verb)
}

func TestReplayAbsorbsDispatchFailures(t *testing.T) {
	d := &recordingDispatcher{
		fail:    map[string]bool{"append_to_messages": true},
		panicOn: "say",
	}
	say := mustAction(t, `{"type":"action","id":"s","data":{"service":"tts","action":"say"}}`)
	var dispatched []string
	c := New(Config{
		Actions:              []protocol.Action{mustAction(t, appendAction), say},
		TerminateAfterReplay: true,
		Logger:               zaptest.NewLogger(t),
		OnDispatched:         func(verb string) { dispatched = append(dispatched, verb) },
	}, d)

	c.Replay(context.Background())
	require.Equal(t, []string{"append_to_messages", "say", "end"}, dispatched)
	require.Equal(t, StateDraining, c.State())
}

func TestReplayLiveModeSkipsEnd(t *testing.T) {
	d := &recordingDispatcher{}
	c := New(Config{Actions: []protocol.Action{mustAction(t, appendAction)}}, d)
	c.Replay(context.Background())
	require.Len(t, d.actions(t), 1)
	require.Equal(t, StateReplaying, c.State())
}

func TestControllerFollowsEvents(t *testing.T) {
	ctx := context.Background()
	bus := pipeline.NewEventBus()
	d := &recordingDispatcher{}
	c := New(Config{TerminateAfterReplay: true}, d)
	require.NoError(t, c.Bind(bus))

	require.NoError(t, bus.Emit(ctx, pipeline.EventBotStarted, nil))
	require.NoError(t, bus.Emit(ctx, pipeline.EventBotStarted, nil))
	require.Len(t, d.actions(t), 1, "a second bot-started event must not replay again")

	require.NoError(t, bus.Emit(ctx, pipeline.EventEndOfStream, nil))
	require.Equal(t, StateTerminated, c.State())
	select {
	case <-c.Done():
	default:
		t.Fatalf("Done() not closed after end of stream")
	}
	c.Terminate()
}
