package llm

import (
	"context"
	"strings"

	"github.com/ent0n29/sesame/internal/conversation"
)

// MockService answers deterministically for local/dev use and tests.
type MockService struct {
	plainText bool
	// Reply overrides the default echo.
	Reply func(turns []*conversation.Turn) string
}

func NewMockService(plainText bool) *MockService {
	return &MockService{plainText: plainText}
}

func (m *MockService) Name() string { return "mock" }

func (m *MockService) PlainText() bool { return m.plainText }

func (m *MockService) Stream(ctx context.Context, _ string, turns []*conversation.Turn, onDelta func(string) error) (string, error) {
	reply := m.reply(turns)
	words := strings.SplitAfter(reply, " ")
	for _, w := range words {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if w == "" {
			continue
		}
		if err := onDelta(w); err != nil {
			return "", err
		}
	}
	return reply, nil
}

func (m *MockService) reply(turns []*conversation.Turn) string {
	if m.Reply != nil {
		return m.Reply(turns)
	}
	for i := len(turns) - 1; i >= 0; i-- {
		t := turns[i]
		if t.Role != conversation.RoleUser {
			continue
		}
		images := 0
		for _, b := range t.Content {
			if b.Type == conversation.BlockImageURL {
				images++
			}
		}
		out := "You said: " + t.Text()
		if images > 0 {
			out += " (with images)"
		}
		return out
	}
	return "Hello! How can I help you today?"
}
