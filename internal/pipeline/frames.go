// Package pipeline is the frame-processing seam between the session core and
// the engine that runs a conversation. Frames flow through an ordered chain
// of processors; the conversation context and a typed event bus are shared
// by the stages of one session.
package pipeline

import (
	"github.com/ent0n29/sesame/internal/conversation"
	"github.com/ent0n29/sesame/internal/protocol"
)

type FrameKind int

const (
	// FrameAppendMessages carries client turns to add to the context.
	FrameAppendMessages FrameKind = iota + 1
	// FrameLLMRun asks the model stage to answer the current context.
	FrameLLMRun
	FrameTextDelta
	// FrameLLMResponseEnd carries the complete assistant reply.
	FrameLLMResponseEnd
	// FrameTurnCompleted signals that the context gained a finished turn.
	FrameTurnCompleted
	// FrameMessage is a protocol message bound for the client.
	FrameMessage
	FrameError
	FrameEndOfStream
)

var frameNames = map[FrameKind]string{
	FrameAppendMessages: "append_messages",
	FrameLLMRun:         "llm_run",
	FrameTextDelta:      "text_delta",
	FrameLLMResponseEnd: "llm_response_end",
	FrameTurnCompleted:  "turn_completed",
	FrameMessage:        "message",
	FrameError:          "error",
	FrameEndOfStream:    "end_of_stream",
}

func (k FrameKind) String() string {
	if name, ok := frameNames[k]; ok {
		return name
	}
	return "unknown"
}

type Frame struct {
	Kind    FrameKind
	Turns   []*conversation.Turn
	Run     bool
	Text    string
	Message *protocol.Message
	Err     error
	// Fatal marks an error frame after which the session cannot continue.
	Fatal bool
}

func AppendMessages(turns []*conversation.Turn, run bool) Frame {
	return Frame{Kind: FrameAppendMessages, Turns: turns, Run: run}
}

func TextDelta(text string) Frame { return Frame{Kind: FrameTextDelta, Text: text} }

func LLMResponseEnd(text string) Frame { return Frame{Kind: FrameLLMResponseEnd, Text: text} }

func MessageFrame(msg protocol.Message) Frame { return Frame{Kind: FrameMessage, Message: &msg} }

func ErrorFrame(err error, fatal bool) Frame { return Frame{Kind: FrameError, Err: err, Fatal: fatal} }

func EndOfStream() Frame { return Frame{Kind: FrameEndOfStream} }
