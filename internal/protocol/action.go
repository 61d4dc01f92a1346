package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ent0n29/sesame/internal/conversation"
)

// VerbAppendToMessages adds messages to the bot's context.
const VerbAppendToMessages = "append_to_messages"

// ActionKind tags the Action variant.
type ActionKind int

const (
	// KindOpaque actions are forwarded without interpretation.
	KindOpaque ActionKind = iota
	// KindAppendToMessages actions carry typed messages.
	KindAppendToMessages
)

// Action is a scripted instruction for the bot. Append is set exactly when
// the verb is append_to_messages; any other action is opaque and keeps its
// original wire bytes.
type Action struct {
	ID      string
	Service string
	Verb    string
	Append  *AppendToMessages

	label string
	raw   json.RawMessage
}

// AppendToMessages is the typed argument list of an append_to_messages action.
type AppendToMessages struct {
	Messages       []ActionMessage
	RunImmediately bool
	// Extra holds arguments this server does not interpret, in order.
	Extra []ActionArgument
}

type ActionArgument struct {
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value"`
}

type ActionData struct {
	Service   string           `json:"service"`
	Action    string           `json:"action"`
	Arguments []ActionArgument `json:"arguments,omitempty"`
}

// ActionMessage is one chat message inside an append_to_messages action.
type ActionMessage struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// MessageContent is either a plain string or a list of content blocks.
type MessageContent struct {
	Text   string
	Blocks []conversation.ContentBlock
	// IsBlocks selects the list form.
	IsBlocks bool
}

func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.IsBlocks {
		if c.Blocks == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(c.Blocks)
	}
	return json.Marshal(c.Text)
}

func (c *MessageContent) UnmarshalJSON(raw []byte) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var blocks []conversation.ContentBlock
		if err := json.Unmarshal(trimmed, &blocks); err != nil {
			return err
		}
		*c = MessageContent{Blocks: blocks, IsBlocks: true}
		return nil
	}
	if bytes.Equal(trimmed, []byte("null")) || len(trimmed) == 0 {
		*c = MessageContent{}
		return nil
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return err
	}
	*c = MessageContent{Text: s}
	return nil
}

// AppendBlocks converts string content to a single text block and appends blocks.
func (c *MessageContent) AppendBlocks(blocks ...conversation.ContentBlock) {
	if !c.IsBlocks {
		c.Blocks = []conversation.ContentBlock{conversation.TextBlock(c.Text)}
		c.Text = ""
		c.IsBlocks = true
	}
	c.Blocks = append(c.Blocks, blocks...)
}

// ContentBlocks returns the content as blocks regardless of its form.
func (c MessageContent) ContentBlocks() []conversation.ContentBlock {
	if c.IsBlocks {
		return append([]conversation.ContentBlock(nil), c.Blocks...)
	}
	return []conversation.ContentBlock{conversation.TextBlock(c.Text)}
}

func (a Action) Kind() ActionKind {
	if a.Append != nil {
		return KindAppendToMessages
	}
	return KindOpaque
}

// NewEndAction asks the bot to finish the session.
func NewEndAction() Action {
	return Action{ID: "END", Service: "system", Verb: "end"}
}

// ParseAction decodes the action carried by an action message.
func ParseAction(msg Message) (Action, error) {
	if msg.Type != TypeAction {
		return Action{}, fmt.Errorf("parse action: message type %q", msg.Type)
	}
	var data ActionData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		return Action{}, fmt.Errorf("parse action data: %w", err)
	}
	if data.Action == "" {
		return Action{}, errors.New("parse action: missing action")
	}
	a := Action{ID: msg.ID, Service: data.Service, Verb: data.Action, label: msg.Label}
	if data.Action != VerbAppendToMessages {
		raw, err := json.Marshal(msg)
		if err != nil {
			return Action{}, err
		}
		a.raw = raw
		return a, nil
	}

	appendArgs := &AppendToMessages{RunImmediately: true}
	var found bool
	for i, arg := range data.Arguments {
		switch {
		case arg.Name == "messages" || (!found && i == 0 && arg.Name == ""):
			if err := json.Unmarshal(arg.Value, &appendArgs.Messages); err != nil {
				return Action{}, fmt.Errorf("parse append_to_messages messages: %w", err)
			}
			found = true
		case arg.Name == "run_immediately":
			if err := json.Unmarshal(arg.Value, &appendArgs.RunImmediately); err != nil {
				return Action{}, fmt.Errorf("parse append_to_messages run_immediately: %w", err)
			}
		default:
			appendArgs.Extra = append(appendArgs.Extra, arg)
		}
	}
	if !found {
		return Action{}, errors.New("parse append_to_messages: missing messages argument")
	}
	a.Append = appendArgs
	return a, nil
}

// Message encodes the action in its wire form.
func (a Action) Message() (Message, error) {
	if a.Append == nil && a.raw != nil {
		var msg Message
		if err := json.Unmarshal(a.raw, &msg); err != nil {
			return Message{}, err
		}
		if msg.Type == "" {
			msg.Type = TypeAction
		}
		return msg, nil
	}
	data := ActionData{Service: a.Service, Action: a.Verb}
	if a.Append != nil {
		messages, err := json.Marshal(a.Append.Messages)
		if err != nil {
			return Message{}, fmt.Errorf("encode messages: %w", err)
		}
		run, _ := json.Marshal(a.Append.RunImmediately)
		data.Arguments = append(data.Arguments,
			ActionArgument{Name: "messages", Value: messages},
			ActionArgument{Name: "run_immediately", Value: run},
		)
		data.Arguments = append(data.Arguments, a.Append.Extra...)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, err
	}
	label := a.label
	if label == "" {
		label = Label
	}
	return Message{Label: label, Type: TypeAction, ID: a.ID, Data: raw}, nil
}

func (a Action) MarshalJSON() ([]byte, error) {
	if a.Append == nil && a.raw != nil {
		return a.raw, nil
	}
	msg, err := a.Message()
	if err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

func (a *Action) UnmarshalJSON(raw []byte) error {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return err
	}
	if msg.Type == "" {
		msg.Type = TypeAction
	}
	parsed, err := ParseAction(msg)
	if err != nil {
		return err
	}
	if parsed.Append == nil {
		parsed.raw = append(json.RawMessage(nil), raw...)
	}
	*a = parsed
	return nil
}

// Clone returns a deep copy so mutations never leak into shared session params.
func (a Action) Clone() Action {
	out := a
	if a.Append != nil {
		ap := *a.Append
		ap.Messages = make([]ActionMessage, len(a.Append.Messages))
		for i, m := range a.Append.Messages {
			m.Content.Blocks = append([]conversation.ContentBlock(nil), m.Content.Blocks...)
			ap.Messages[i] = m
		}
		ap.Extra = append([]ActionArgument(nil), a.Append.Extra...)
		out.Append = &ap
	}
	return out
}
