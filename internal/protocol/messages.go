package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Label marks every message of the client/bot protocol.
const Label = "rtvi-ai"

// MessageType identifies protocol payload variants.
type MessageType string

const (
	// client -> bot
	TypeClientReady MessageType = "client-ready"
	TypeAction      MessageType = "action"

	// bot -> client
	TypeBotReady       MessageType = "bot-ready"
	TypeActionResponse MessageType = "action-response"
	TypeBotLLMStarted  MessageType = "bot-llm-started"
	TypeBotLLMText     MessageType = "bot-llm-text"
	TypeBotLLMStopped  MessageType = "bot-llm-stopped"
	TypeBotStopped     MessageType = "bot-stopped"
	TypeError          MessageType = "error"
	TypeErrorResponse  MessageType = "error-response"
)

var ErrUnsupportedType = errors.New("unsupported message type")

// Message is the envelope exchanged with clients over every transport.
type Message struct {
	Label string          `json:"label"`
	Type  MessageType     `json:"type"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type TextData struct {
	Text string `json:"text"`
}

type ErrorData struct {
	Error string `json:"error"`
	Fatal bool   `json:"fatal"`
}

type ActionResponseData struct {
	Result any `json:"result"`
}

type BotReadyData struct {
	Version string `json:"version"`
}

func newMessage(t MessageType, id string, data any) Message {
	msg := Message{Label: Label, Type: t, ID: id}
	if data != nil {
		raw, err := json.Marshal(data)
		if err == nil {
			msg.Data = raw
		}
	}
	return msg
}

func NewBotReady(id string) Message {
	return newMessage(TypeBotReady, id, BotReadyData{Version: "0.3.0"})
}

func NewLLMStarted() Message { return newMessage(TypeBotLLMStarted, "", nil) }

func NewLLMText(text string) Message {
	return newMessage(TypeBotLLMText, "", TextData{Text: text})
}

func NewLLMStopped() Message { return newMessage(TypeBotLLMStopped, "", nil) }

func NewBotStopped() Message { return newMessage(TypeBotStopped, "", nil) }

// NewError is the terminal notice sent when a session cannot continue.
func NewError(detail string, fatal bool) Message {
	return newMessage(TypeError, "", ErrorData{Error: detail, Fatal: fatal})
}

func NewErrorResponse(id, detail string) Message {
	return newMessage(TypeErrorResponse, id, ErrorData{Error: detail})
}

func NewActionResponse(id string, result any) Message {
	return newMessage(TypeActionResponse, id, ActionResponseData{Result: result})
}

// ParseClientMessage decodes a client message and checks its type.
func ParseClientMessage(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("invalid envelope: %w", err)
	}
	switch msg.Type {
	case TypeClientReady:
		return msg, nil
	case TypeAction:
		if len(msg.Data) == 0 {
			return Message{}, errors.New("invalid action: missing data")
		}
		return msg, nil
	default:
		return Message{}, ErrUnsupportedType
	}
}
